// Package commentary narrates what the rooms are doing. It buffers cycle and
// task events from the bus and, on a fixed tick, turns everything buffered
// into one short narration. Narration waits while the keeper is talking and
// never runs twice at once.
package commentary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/narrator"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
)

// EnabledKey is the setting that switches commentary off when set to "false".
const EnabledKey = "clerk_commentary_enabled"

const (
	defaultInterval  = 15 * time.Second
	defaultTimeout   = 30 * time.Second
	defaultBufferCap = 200
)

// Narrator produces the LLM narration. narrator.Narrator satisfies it.
type Narrator interface {
	Narrate(ctx context.Context, req narrator.Request) narrator.Result
}

type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Narrator Narrator
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer

	Interval  time.Duration
	// Silence is how long after the last keeper message narration waits. Zero disables the gate.
	Silence   time.Duration
	Timeout   time.Duration
	BufferCap int

	// Model is the preferred narration model; the narrator owns the fallbacks.
	Model       string
	EchoMarkers []string
	Disabled    bool

	Now func() time.Time
}

// LogEntry is one buffered event, denormalized for narration.
type LogEntry struct {
	RoomID     string
	RoomName   string
	CycleID    string
	WorkerID   string
	WorkerName string
	Queen      bool
	EntryType  string
	Content    string
	Seq        int
	At         time.Time
}

// Narration is an emitted commentary message.
type Narration struct {
	MessageID string
	Text      string
	Model     string
	Fallback  bool
}

type Engine struct {
	store    *persistence.Store
	bus      *bus.Bus
	narrator Narrator
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
	disabled atomic.Bool

	mu            sync.Mutex
	buffer        []LogEntry
	generating    bool
	lastHuman     time.Time
	lastNarration string
	roomNames     map[string]string
	workers       map[string]persistence.Worker
	cycleWorkers  map[string]string

	unsubscribe func()
	cancel      context.CancelFunc
	started     bool
	wg          sync.WaitGroup
}

func New(cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Silence < 0 {
		cfg.Silence = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = defaultBufferCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = otelPkg.NoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelPkg.NoopTracer()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		store:    cfg.Store,
		bus:      cfg.Bus,
		narrator: cfg.Narrator,
		logger:   logger.With("component", "commentary"),
		metrics:  m,
		tracer:   tracer,
		cfg:      cfg,
		now:      now,
	}
	e.disabled.Store(cfg.Disabled)
	e.resetLocked()
	return e
}

func (e *Engine) resetLocked() {
	e.buffer = nil
	e.generating = false
	e.lastHuman = time.Time{}
	e.lastNarration = ""
	e.roomNames = make(map[string]string)
	e.workers = make(map[string]persistence.Worker)
	e.cycleWorkers = make(map[string]string)
}

// Start subscribes to the bus and begins ticking. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	if e.bus != nil {
		e.unsubscribe = e.bus.OnAny(e.HandleEvent)
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("commentary started", "interval", e.cfg.Interval, "silence", e.cfg.Silence)
}

// Stop unsubscribes, waits for an in-flight narration and clears every
// buffer and cache.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	unsubscribe, cancel := e.unsubscribe, e.cancel
	e.unsubscribe, e.cancel = nil, nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

// SetEnabled switches narration on or off without touching the buffer.
func (e *Engine) SetEnabled(enabled bool) {
	e.disabled.Store(!enabled)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// HandleEvent projects a bus event into the buffer. It runs on the emitter's
// goroutine, so it only touches memory.
func (e *Engine) HandleEvent(ev bus.Event) {
	switch p := ev.Data.(type) {
	case bus.UserMessage:
		e.mu.Lock()
		e.lastHuman = e.now()
		e.mu.Unlock()
	case bus.CycleCreated:
		e.mu.Lock()
		e.cycleWorkers[p.CycleID] = p.WorkerID
		e.mu.Unlock()
		e.add(LogEntry{RoomID: p.RoomID, CycleID: p.CycleID, WorkerID: p.WorkerID, EntryType: entryCycleStarted, At: ev.Timestamp})
	case bus.CycleLog:
		// An unknown cycle is resolved from the store at narration time.
		e.mu.Lock()
		worker := e.cycleWorkers[p.CycleID]
		e.mu.Unlock()
		e.add(LogEntry{RoomID: p.RoomID, CycleID: p.CycleID, WorkerID: worker, EntryType: p.EntryType, Content: p.Content, Seq: p.Seq, At: ev.Timestamp})
	case bus.CycleFinished:
		entryType, content := entryCycleCompleted, p.Output
		if ev.Type == bus.TypeCycleFailed {
			entryType, content = entryCycleFailed, p.Error
		}
		if p.WorkerID != "" {
			e.mu.Lock()
			e.cycleWorkers[p.CycleID] = p.WorkerID
			e.mu.Unlock()
		}
		e.add(LogEntry{RoomID: p.RoomID, CycleID: p.CycleID, WorkerID: p.WorkerID, EntryType: entryType, Content: content, At: ev.Timestamp})
	case bus.RunCompleted:
		e.add(LogEntry{RoomID: p.RoomID, WorkerName: p.TaskName, EntryType: entryTaskCompleted, Content: p.Result, At: ev.Timestamp})
	case bus.RunFailed:
		e.add(LogEntry{RoomID: p.RoomID, WorkerName: p.TaskName, EntryType: entryTaskFailed, Content: p.Error, At: ev.Timestamp})
	}
}

func (e *Engine) add(entry LogEntry) {
	if e.echoesKeeper(entry.Content) {
		return
	}
	if entry.At.IsZero() {
		entry.At = e.now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, entry)
	if over := len(e.buffer) - e.cfg.BufferCap; over > 0 {
		e.buffer = append([]LogEntry(nil), e.buffer[over:]...)
	}
}

func (e *Engine) echoesKeeper(content string) bool {
	if content == "" {
		return false
	}
	lower := strings.ToLower(content)
	for _, marker := range e.cfg.EchoMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Buffered returns how many entries wait for narration.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

// Tick narrates the buffer if the gates allow it. It reports the emitted
// narration, if any. Entries that arrive while a narration is being
// generated stay buffered for the next tick.
func (e *Engine) Tick(ctx context.Context) (n Narration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("commentary tick panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	e.mu.Lock()
	if len(e.buffer) == 0 || e.generating || !e.silenceElapsedLocked() {
		e.mu.Unlock()
		return Narration{}, false
	}
	e.mu.Unlock()

	if !e.enabled(ctx) {
		return Narration{}, false
	}

	e.mu.Lock()
	if e.generating || len(e.buffer) == 0 {
		e.mu.Unlock()
		return Narration{}, false
	}
	entries := e.buffer
	e.buffer = nil
	e.generating = true
	previous := e.lastNarration
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.generating = false
		e.mu.Unlock()
	}()

	return e.narrate(ctx, entries, previous)
}

// silenceElapsedLocked must be called with e.mu held.
func (e *Engine) silenceElapsedLocked() bool {
	if e.lastHuman.IsZero() {
		return true
	}
	return e.now().Sub(e.lastHuman) >= e.cfg.Silence
}

func (e *Engine) enabled(ctx context.Context) bool {
	if e.disabled.Load() {
		return false
	}
	if e.store == nil {
		return true
	}
	v, err := e.store.KVGet(ctx, EnabledKey)
	if err != nil {
		e.logger.Warn("read commentary toggle failed", "error", err)
		return true
	}
	return v != "false"
}

func (e *Engine) narrate(ctx context.Context, entries []LogEntry, previous string) (Narration, bool) {
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "commentary.narrate")
	defer span.End()

	groups := groupEntries(e.resolve(ctx, entries))
	digest := renderDigest(groups)
	if digest == "" {
		return Narration{}, false
	}

	out := Narration{Fallback: true}
	if e.narrator != nil {
		res := e.narrator.Narrate(ctx, narrator.Request{
			Model:        e.cfg.Model,
			Prompt:       narrationPrompt(digest, previous),
			SystemPrompt: systemPrompt,
			MaxTurns:     1,
			Timeout:      e.cfg.Timeout,
		})
		if res.OK && strings.TrimSpace(res.Output) != "" {
			out = Narration{Text: strings.TrimSpace(res.Output), Model: res.Model}
		} else {
			e.logger.Info("narration fell back to template", "error", res.Err)
		}
	}
	if out.Fallback {
		text, err := safeFallback(groups)
		if err != nil || text == "" {
			e.logger.Warn("fallback narration failed", "error", err)
			return Narration{}, false
		}
		out.Text = text
	}

	if e.store != nil {
		msg, err := e.store.InsertMessage(ctx, persistence.Message{
			Source: persistence.SourceClerk,
			Sender: "clerk",
			Body:   out.Text,
			Model:  out.Model,
		})
		if err != nil {
			e.logger.Warn("persist commentary failed", "error", err)
		} else {
			out.MessageID = msg.ID
		}
	}
	if e.bus != nil {
		e.bus.Publish(bus.ChannelClerk, bus.Commentary{
			MessageID: out.MessageID,
			Content:   out.Text,
			Source:    persistence.SourceClerk,
			Model:     out.Model,
		})
	}
	if !out.Fallback {
		e.mu.Lock()
		e.lastNarration = out.Text
		e.mu.Unlock()
	}
	kind := "llm"
	if out.Fallback {
		kind = "fallback"
	}
	span.SetAttributes(otelPkg.AttrOutcome.String(kind), otelPkg.AttrModel.String(out.Model))
	e.metrics.Narrations.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String(kind)))
	return out, true
}

func safeFallback(groups []group) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback narration panicked: %v", r)
		}
	}()
	return fallbackNarration(groups), nil
}

// resolve fills in room and worker names, caching lookups for the life of
// the engine.
func (e *Engine) resolve(ctx context.Context, entries []LogEntry) []LogEntry {
	out := make([]LogEntry, len(entries))
	for i, entry := range entries {
		if entry.RoomName == "" && entry.RoomID != "" {
			entry.RoomName = e.roomName(ctx, entry.RoomID)
		}
		if entry.WorkerID == "" && entry.CycleID != "" {
			entry.WorkerID = e.cycleWorker(ctx, entry.CycleID)
		}
		if entry.WorkerID != "" {
			if w, ok := e.worker(ctx, entry.WorkerID); ok {
				entry.WorkerName = w.Name
				entry.Queen = w.Role == persistence.RoleQueen
			}
		}
		out[i] = entry
	}
	return out
}

func (e *Engine) roomName(ctx context.Context, id string) string {
	e.mu.Lock()
	name, ok := e.roomNames[id]
	e.mu.Unlock()
	if ok {
		return name
	}
	if e.store == nil {
		return id
	}
	room, err := e.store.GetRoom(ctx, id)
	if err != nil {
		return id
	}
	e.mu.Lock()
	e.roomNames[id] = room.Name
	e.mu.Unlock()
	return room.Name
}

// cycleWorker maps a cycle to its worker, consulting the store for cycles
// whose cycle:created event this engine never saw.
func (e *Engine) cycleWorker(ctx context.Context, cycleID string) string {
	e.mu.Lock()
	id, ok := e.cycleWorkers[cycleID]
	e.mu.Unlock()
	if ok {
		return id
	}
	if e.store == nil {
		return ""
	}
	cycle, err := e.store.GetCycle(ctx, cycleID)
	if err != nil || cycle.WorkerID == "" {
		return ""
	}
	e.mu.Lock()
	e.cycleWorkers[cycleID] = cycle.WorkerID
	e.mu.Unlock()
	return cycle.WorkerID
}

func (e *Engine) worker(ctx context.Context, id string) (persistence.Worker, bool) {
	e.mu.Lock()
	w, ok := e.workers[id]
	e.mu.Unlock()
	if ok {
		return w, true
	}
	if e.store == nil {
		return persistence.Worker{}, false
	}
	found, err := e.store.GetWorker(ctx, id)
	if err != nil {
		return persistence.Worker{}, false
	}
	e.mu.Lock()
	e.workers[id] = *found
	e.mu.Unlock()
	return *found, true
}
