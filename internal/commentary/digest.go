package commentary

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/shared"
)

// Entry types the engine adds on top of the cycle log types.
const (
	entryCycleStarted   = "cycle_started"
	entryCycleCompleted = "cycle_completed"
	entryCycleFailed    = "cycle_failed"
	entryTaskCompleted  = "task_completed"
	entryTaskFailed     = "task_failed"
)

const (
	maxResultChars   = 120
	maxTextChars     = 200
	maxExcerptChars  = 300
	maxFallbackItems = 3
)

const systemPrompt = `You are the clerk of a set of agent rooms. You watch the agents work and ` +
	`give the keeper short, plain commentary on what just happened. Never invent events. ` +
	`Never quote the keeper back to themselves.`

// group is the entries of one agent (or one task) in one room.
type group struct {
	roomID   string
	roomName string
	who      string
	queen    bool
	task     bool
	entries  []LogEntry
}

// groupEntries groups entries by room and agent. Queens go last; otherwise
// the most active agent comes first and ties keep arrival order.
func groupEntries(entries []LogEntry) []group {
	index := make(map[string]int)
	var groups []group
	for _, e := range entries {
		who := e.WorkerName
		if who == "" {
			who = e.WorkerID
		}
		isTask := e.EntryType == entryTaskCompleted || e.EntryType == entryTaskFailed
		key := e.RoomID + "\x00" + who
		if isTask {
			key += "\x00task"
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{roomID: e.RoomID, roomName: e.RoomName, who: who, task: isTask})
		}
		if e.Queen {
			groups[i].queen = true
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].queen != groups[b].queen {
			return !groups[a].queen
		}
		return len(groups[a].entries) > len(groups[b].entries)
	})
	return groups
}

func (g group) heading() string {
	who := g.who
	if who == "" {
		who = "an agent"
	}
	if g.task {
		who = fmt.Sprintf("task %q", who)
	} else if g.queen {
		who += " (queen)"
	}
	if g.roomName != "" {
		return fmt.Sprintf("[%s] %s", g.roomName, who)
	}
	return who
}

// renderDigest turns groups into the structured text handed to the narrator.
func renderDigest(groups []group) string {
	var b strings.Builder
	for _, g := range groups {
		var lines []string
		for _, e := range g.entries {
			if line := digestLine(e); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(g.heading())
		b.WriteString("\n")
		for _, l := range lines {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func digestLine(e LogEntry) string {
	content := strings.TrimSpace(e.Content)
	switch e.EntryType {
	case entryCycleStarted:
		return "started a cycle"
	case agentexec.EntryToolCall:
		return actionLabel(content)
	case agentexec.EntryToolResult:
		if content == "" {
			return ""
		}
		return "result: " + shared.Truncate(content, maxResultChars)
	case agentexec.EntryAssistantText:
		if content == "" {
			return ""
		}
		return "said: " + shared.Truncate(content, maxTextChars)
	case agentexec.EntryError:
		return "error: " + shared.Truncate(content, maxTextChars)
	case entryCycleCompleted:
		if content == "" {
			return "finished the cycle"
		}
		return "finished the cycle: " + shared.Truncate(content, maxTextChars)
	case entryCycleFailed:
		return "cycle failed: " + shared.Truncate(content, maxTextChars)
	case entryTaskCompleted:
		if content == "" {
			return "run completed"
		}
		return "run completed: " + shared.Truncate(content, maxTextChars)
	case entryTaskFailed:
		return "run failed: " + shared.Truncate(content, maxTextChars)
	default:
		if content == "" {
			return ""
		}
		return e.EntryType + ": " + shared.Truncate(content, maxTextChars)
	}
}

// actionLabel renders a tool call ("name {json input}") as a short verb phrase.
func actionLabel(call string) string {
	name, rawInput, _ := strings.Cut(call, " ")
	if name == "" {
		return "used a tool"
	}
	var input map[string]any
	_ = json.Unmarshal([]byte(rawInput), &input)
	arg := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := input[k].(string); ok && v != "" {
				return shared.Truncate(v, 80)
			}
		}
		return ""
	}

	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "read"):
		if p := arg("path", "file_path", "file"); p != "" {
			return "read " + p
		}
		return "read a file"
	case strings.Contains(lower, "write"), strings.Contains(lower, "edit"), strings.Contains(lower, "create"):
		if p := arg("path", "file_path", "file"); p != "" {
			return "edited " + p
		}
		return "edited a file"
	case strings.Contains(lower, "bash"), strings.Contains(lower, "shell"), strings.Contains(lower, "exec"), strings.Contains(lower, "command"):
		if c := arg("command", "cmd"); c != "" {
			return "ran `" + c + "`"
		}
		return "ran a command"
	case strings.Contains(lower, "grep"), strings.Contains(lower, "search"), strings.Contains(lower, "glob"), strings.Contains(lower, "find"):
		if q := arg("pattern", "query", "q"); q != "" {
			return "searched for " + q
		}
		return "searched the workspace"
	case strings.Contains(lower, "fetch"), strings.Contains(lower, "web"), strings.Contains(lower, "browse"):
		if u := arg("url", "query"); u != "" {
			return "looked up " + u
		}
		return "browsed the web"
	default:
		return "used " + name
	}
}

func narrationPrompt(digest, previous string) string {
	var b strings.Builder
	b.WriteString("Here is what happened in the rooms since the last update:\n\n")
	b.WriteString(digest)
	b.WriteString("\n\nWrite two to four sentences of commentary for the keeper. Mention who did what and anything that went wrong.")
	if prev := strings.TrimSpace(previous); prev != "" {
		b.WriteString("\n\nYour previous commentary was:\n\"")
		b.WriteString(shared.Truncate(prev, maxExcerptChars))
		b.WriteString("\"\nDo not repeat its phrasing and do not open the same way.")
	}
	return b.String()
}

// fallbackNarration builds a plain narration from the groups without a model.
func fallbackNarration(groups []group) string {
	var sentences []string
	for _, g := range groups {
		if s := fallbackSentence(g); s != "" {
			sentences = append(sentences, s)
		}
	}
	return strings.Join(sentences, " ")
}

func fallbackSentence(g group) string {
	var actions []string
	var said, finished, failure string
	completed := 0
	for _, e := range g.entries {
		content := strings.TrimSpace(e.Content)
		switch e.EntryType {
		case agentexec.EntryToolCall:
			actions = append(actions, actionLabel(content))
		case agentexec.EntryAssistantText:
			if content != "" {
				said = content
			}
		case agentexec.EntryError, entryCycleFailed, entryTaskFailed:
			if content != "" {
				failure = content
			} else if failure == "" {
				failure = "an unknown error"
			}
		case entryCycleCompleted, entryTaskCompleted:
			completed++
			if content != "" {
				finished = content
			}
		}
	}

	var parts []string
	if len(actions) > 0 {
		shown := actions
		if len(shown) > maxFallbackItems {
			shown = shown[:maxFallbackItems]
		}
		phrase := strings.Join(shown, ", ")
		if extra := len(actions) - len(shown); extra > 0 {
			phrase += fmt.Sprintf(" and %d more", extra)
		}
		parts = append(parts, phrase)
	} else if said != "" {
		parts = append(parts, fmt.Sprintf("said %q", shared.Truncate(said, maxResultChars)))
	}
	if completed > 0 {
		verb := "finished the cycle"
		if g.task {
			verb = "completed"
		}
		if finished != "" {
			verb += ": " + shared.Truncate(finished, maxResultChars)
		}
		parts = append(parts, verb)
	}
	if failure != "" {
		parts = append(parts, "ran into trouble: "+shared.Truncate(failure, maxResultChars))
	}
	if len(parts) == 0 {
		return ""
	}

	subject := g.who
	if subject == "" {
		subject = "An agent"
	}
	if g.task {
		subject = fmt.Sprintf("Task %q", g.who)
	}
	if g.roomName != "" {
		subject += " in " + g.roomName
	}
	return subject + " " + strings.Join(parts, "; ") + "."
}
