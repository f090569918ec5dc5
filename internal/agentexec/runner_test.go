package agentexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/persistence"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// shRunner returns a runner whose agent is a /bin/sh script.
func shRunner(t *testing.T, store *persistence.Store, b *bus.Bus, script string) *Runner {
	t.Helper()
	r := NewRunner(Config{
		Command:    "/bin/sh",
		Args:       []string{"-c", script},
		Timeout:    5 * time.Second,
		Store:      store,
		Bus:        b,
		ResultsDir: t.TempDir(),
	})
	t.Cleanup(r.Stop)
	return r
}

func TestExecuteAgent_PassesPromptAndEnv(t *testing.T) {
	r := shRunner(t, nil, nil, `cat; echo "model=$ROOMS_MODEL turns=$ROOMS_MAX_TURNS"`)
	var lines []string
	res, err := r.ExecuteAgent(context.Background(), AgentRequest{
		Model:    "haiku",
		Prompt:   "hello agent\n",
		MaxTurns: 3,
		OnLine:   func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	want := []string{"hello agent", "model=haiku turns=3"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	if res.Output != "hello agent\nmodel=haiku turns=3" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestExecuteAgent_ExitCodeAndTimeout(t *testing.T) {
	r := shRunner(t, nil, nil, `echo oops >&2; exit 3`)
	res, err := r.ExecuteAgent(context.Background(), AgentRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 || res.OK() {
		t.Fatalf("expected exit 3, got %+v", res)
	}
	if !strings.Contains(res.FailureMessage(), "oops") {
		t.Fatalf("failure message should include stderr: %q", res.FailureMessage())
	}

	slow := shRunner(t, nil, nil, `sleep 5`)
	start := time.Now()
	res, err = slow.ExecuteAgent(context.Background(), AgentRequest{Prompt: "x", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout did not stop the agent promptly")
	}
}

func TestExecuteAgent_MissingBinary(t *testing.T) {
	r := NewRunner(Config{Command: filepath.Join(t.TempDir(), "no-such-agent")})
	defer r.Stop()
	if _, err := r.ExecuteAgent(context.Background(), AgentRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected start error")
	}
}

func TestExecuteTask_SuccessWritesResultAndCapsRuns(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.Task{Name: "digest", Prompt: "write digest", MaxRuns: 2})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	r := shRunner(t, store, nil, `echo '{"type":"progress","progress":0.5,"message":"half"}'; echo "digest body"`)

	var mu sync.Mutex
	var progress []float64
	opts := TaskOptions{OnProgress: func(_ string, p float64, _ string) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}}

	out, err := r.ExecuteTask(ctx, task.ID, opts)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if !out.Success || out.Result != "digest body" || out.RunCount != 1 || out.CapReached {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(progress) != 1 || progress[0] != 0.5 {
		t.Fatalf("progress callbacks = %v", progress)
	}
	body, err := os.ReadFile(out.ResultsPath)
	if err != nil || !strings.Contains(string(body), "digest body") {
		t.Fatalf("results file: %q, %v", body, err)
	}
	run, _ := store.GetRun(ctx, out.RunID)
	if run.Status != persistence.RunStatusCompleted {
		t.Fatalf("run status = %q", run.Status)
	}

	out, err = r.ExecuteTask(ctx, task.ID, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !out.CapReached {
		t.Fatal("expected run cap reached on second run")
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusCompleted || got.RunCount != 2 {
		t.Fatalf("task after cap: %+v", got)
	}
}

func TestExecuteTask_FailureIncrementsErrorCount(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, persistence.Task{Name: "flaky", Prompt: "do it"})
	r := shRunner(t, store, nil, `exit 1`)

	out, err := r.ExecuteTask(ctx, task.ID, TaskOptions{})
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if out.Success || out.Error == "" {
		t.Fatalf("expected failure outcome, got %+v", out)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.ErrorCount != 1 || got.Status != persistence.TaskStatusActive {
		t.Fatalf("unexpected task after failure: %+v", got)
	}
	run, _ := store.GetRun(ctx, out.RunID)
	if run.Status != persistence.RunStatusFailed {
		t.Fatalf("run status = %q", run.Status)
	}

	if _, err := r.ExecuteTask(ctx, "missing", TaskOptions{}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteTask_SessionContinuityReusesSession(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, persistence.Task{Name: "s", Prompt: "p", SessionContinuity: true})
	r := shRunner(t, store, nil, `echo "$ROOMS_SESSION_ID"`)

	first, _ := r.ExecuteTask(ctx, task.ID, TaskOptions{})
	second, _ := r.ExecuteTask(ctx, task.ID, TaskOptions{})
	if first.Result == "" || first.Result != second.Result {
		t.Fatalf("session not reused: %q vs %q", first.Result, second.Result)
	}
}

func TestTriggerAgent_EmitsOrderedCycleEvents(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	b := bus.New(nil)
	room, _ := store.CreateRoom(ctx, persistence.Room{Name: "lab", Goal: "map the caves"})
	queen, _ := store.CreateWorker(ctx, persistence.Worker{RoomID: room.ID, Name: "Ada", Role: persistence.RoleQueen})

	var mu sync.Mutex
	var events []bus.Event
	b.OnAny(func(ev bus.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	script := `echo '{"type":"tool_call","name":"read_file","input":{"path":"a.txt"}}'
echo '{"type":"tool_result","content":"42 lines"}'
echo "done reading"`
	r := shRunner(t, store, b, script)
	if err := r.TriggerAgent(ctx, room, queen.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !r.Running(queen.ID) })

	mu.Lock()
	defer mu.Unlock()
	var types []string
	lastSeq := 0
	for _, ev := range events {
		types = append(types, ev.Type)
		if l, ok := ev.Data.(bus.CycleLog); ok {
			if l.Seq <= lastSeq {
				t.Fatalf("cycle log out of order: %d after %d", l.Seq, lastSeq)
			}
			lastSeq = l.Seq
		}
	}
	want := []string{bus.TypeCycleCreated, bus.TypeCycleLog, bus.TypeCycleLog, bus.TypeCycleLog, bus.TypeCycleCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	first := events[1].Data.(bus.CycleLog)
	if first.EntryType != EntryToolCall || !strings.HasPrefix(first.Content, "read_file") {
		t.Fatalf("unexpected first log %+v", first)
	}
}

func TestTriggerAgent_OneLoopPerWorker(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	room, _ := store.CreateRoom(ctx, persistence.Room{Name: "lab"})
	w, _ := store.CreateWorker(ctx, persistence.Worker{RoomID: room.ID, Name: "w"})
	r := shRunner(t, store, nil, `sleep 2`)

	if err := r.TriggerAgent(ctx, room, w.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := r.TriggerAgent(ctx, room, w.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	r.Stop()
	if r.Running(w.ID) {
		t.Fatal("Stop should end the cycle loop")
	}
	stale, _ := store.ListStaleCycles(ctx)
	if len(stale) != 0 {
		t.Fatalf("stopped cycle left running: %+v", stale)
	}
}

func TestParseAgentLine(t *testing.T) {
	tests := []struct {
		line      string
		wantType  string
		wantInTok int
	}{
		{"plain words", EntryAssistantText, 0},
		{`{"type":"tool_call","name":"grep"}`, EntryToolCall, 0},
		{`{"type":"tool_result","content":"ok"}`, EntryToolResult, 0},
		{`{"type":"error","text":"bad"}`, EntryError, 0},
		{`{"type":"usage","usage":{"input_tokens":7,"output_tokens":2}}`, "", 7},
		{`{not json`, EntryAssistantText, 0},
		{"   ", "", 0},
	}
	for _, tt := range tests {
		typ, _, in, _ := parseAgentLine(tt.line)
		if typ != tt.wantType || in != tt.wantInTok {
			t.Errorf("parseAgentLine(%q) = %q/%d, want %q/%d", tt.line, typ, in, tt.wantType, tt.wantInTok)
		}
	}
}
