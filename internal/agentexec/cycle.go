package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/shared"
)

// Cycle log entry types.
const (
	EntryToolCall      = "tool_call"
	EntryToolResult    = "tool_result"
	EntryAssistantText = "assistant_text"
	EntryError         = "error"
)

type agentLine struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content string          `json:"content"`
	Text    string          `json:"text"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// TriggerAgent starts the cycle loop for a worker in room. At most one loop
// runs per worker; a second trigger while it runs returns ErrAlreadyRunning.
// The loop runs until its cycle count is exhausted, the room stops being
// active, or the runner is stopped.
func (r *Runner) TriggerAgent(ctx context.Context, room persistence.Room, workerID string) error {
	worker, err := r.cfg.Store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("runner stopped")
	}
	if _, busy := r.loops[workerID]; busy {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.loops[workerID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.cycleLoop(room, *worker)
	return nil
}

// Running reports whether a cycle loop is active for workerID.
func (r *Runner) Running(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[workerID]
	return ok
}

func (r *Runner) cycleLoop(room persistence.Room, worker persistence.Worker) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.loops, worker.ID)
		r.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cycle loop panicked", "room_id", room.ID, "worker_id", worker.ID, "panic", fmt.Sprint(rec))
		}
	}()

	for {
		r.runCycle(r.ctx, room, worker)
		if r.cfg.CycleInterval <= 0 {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.cfg.CycleInterval):
		}
		current, err := r.cfg.Store.GetRoom(r.ctx, room.ID)
		if err != nil || current.Status != persistence.RoomStatusActive {
			return
		}
		room = *current
	}
}

func (r *Runner) runCycle(ctx context.Context, room persistence.Room, worker persistence.Worker) {
	store := r.cfg.Store
	cycle, err := store.CreateCycle(ctx, room.ID, worker.ID)
	if err != nil {
		r.logger.Error("create cycle failed", "room_id", room.ID, "worker_id", worker.ID, "error", err)
		return
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := r.logger.With("room_id", room.ID, "worker_id", worker.ID, "cycle_id", cycle.ID, "trace_id", shared.TraceID(ctx))
	r.publish(bus.RoomChannel(room.ID), bus.CycleCreated{CycleID: cycle.ID, RoomID: room.ID, WorkerID: worker.ID})

	var usage persistence.CycleResult
	appendLog := func(entryType, content string) {
		entry, err := store.AppendCycleLog(ctx, cycle.ID, entryType, content)
		if err != nil {
			logger.Warn("append cycle log failed", "error", err)
			return
		}
		r.publish(bus.CycleChannel(cycle.ID), bus.CycleLog{
			CycleID: cycle.ID, RoomID: room.ID, Seq: entry.Seq, EntryType: entryType, Content: content,
		})
	}

	res, execErr := r.ExecuteAgent(ctx, AgentRequest{
		Model:        worker.Model,
		Prompt:       cyclePrompt(room, worker),
		SystemPrompt: worker.SystemPrompt,
		OnLine: func(line string) {
			entryType, content, in, out := parseAgentLine(line)
			usage.InputTokens += in
			usage.OutputTokens += out
			if content != "" {
				appendLog(entryType, content)
			}
		},
	})

	final := bus.CycleFinished{CycleID: cycle.ID, RoomID: room.ID, WorkerID: worker.ID}
	switch {
	case execErr != nil:
		usage.Status, usage.Error = persistence.CycleStatusFailed, execErr.Error()
	case !res.OK():
		usage.Status, usage.Error = persistence.CycleStatusFailed, res.FailureMessage()
	default:
		usage.Status = persistence.CycleStatusCompleted
	}
	if usage.Error != "" {
		appendLog(EntryError, usage.Error)
	}
	// Store writes use a fresh context so a stop mid-cycle still records the outcome.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.FinishCycle(finishCtx, cycle.ID, usage); err != nil {
		logger.Error("finish cycle failed", "error", err)
	}
	if c, err := store.GetCycle(finishCtx, cycle.ID); err == nil {
		final.DurationMs = c.DurationMs
	}
	final.Status = string(usage.Status)
	final.Error = usage.Error
	final.Output = lastLine(res.Output)
	r.publish(bus.RoomChannel(room.ID), final)
	logger.Info("cycle finished", "status", final.Status)
}

func (r *Runner) publish(channel string, p bus.Payload) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(channel, p)
	}
}

func cyclePrompt(room persistence.Room, worker persistence.Worker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the %s of room %q.\n", worker.Name, worker.Role, room.Name)
	if room.Goal != "" {
		fmt.Fprintf(&b, "Room goal: %s\n", room.Goal)
	}
	b.WriteString("Continue the room's work for one cycle and report what you did.\n")
	return b.String()
}

// parseAgentLine maps one agent output line to a cycle log entry. Structured
// JSON lines carry a type; anything else is assistant text.
func parseAgentLine(line string) (entryType, content string, inTokens, outTokens int) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", "", 0, 0
	}
	if !strings.HasPrefix(trimmed, "{") {
		return EntryAssistantText, trimmed, 0, 0
	}
	var l agentLine
	if err := json.Unmarshal([]byte(trimmed), &l); err != nil {
		return EntryAssistantText, trimmed, 0, 0
	}
	if l.Usage != nil {
		inTokens, outTokens = l.Usage.InputTokens, l.Usage.OutputTokens
	}
	switch l.Type {
	case EntryToolCall:
		content = l.Name
		if len(l.Input) > 0 && string(l.Input) != "null" {
			content += " " + string(l.Input)
		}
		return EntryToolCall, content, inTokens, outTokens
	case EntryToolResult:
		return EntryToolResult, firstNonEmpty(l.Content, l.Text), inTokens, outTokens
	case EntryError:
		return EntryError, firstNonEmpty(l.Content, l.Text), inTokens, outTokens
	case "usage":
		return "", "", inTokens, outTokens
	default:
		return EntryAssistantText, firstNonEmpty(l.Text, l.Content), inTokens, outTokens
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
