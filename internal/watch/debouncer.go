// Package watch runs a room's filesystem watches. Bursts of change events are
// debounced into a single action run, runs are serialized per watch, and a
// change that lands mid-run is kept in a one-slot pending buffer so the
// latest state is always acted on once more.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/bus"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
)

const (
	defaultDebounce      = 500 * time.Millisecond
	defaultActionTimeout = 2 * time.Minute
)

// Executor runs a watch action through the agent CLI.
type Executor interface {
	ExecuteAgent(ctx context.Context, req agentexec.AgentRequest) (agentexec.AgentResult, error)
}

type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Executor Executor
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer

	Debounce      time.Duration
	ActionTimeout time.Duration
}

// Change describes the filesystem event that triggered a run.
type Change struct {
	Path string
	Op   string
	At   time.Time
}

type phase int

const (
	phaseIdle phase = iota
	phaseDebouncing
	phaseRunning
)

func (p phase) String() string {
	switch p {
	case phaseDebouncing:
		return "debouncing"
	case phaseRunning:
		return "running"
	default:
		return "idle"
	}
}

// watchState is the runtime side of one active watch. All fields are
// guarded by Debouncer.mu.
type watchState struct {
	watch persistence.Watch
	fsw   *fsnotify.Watcher

	phase   phase
	timer   *time.Timer
	gen     uint64
	latest  Change
	pending *Change
}

type Debouncer struct {
	store    *persistence.Store
	bus      *bus.Bus
	executor Executor
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	debounce time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	states  map[string]*watchState
	wg      sync.WaitGroup
}

func New(cfg Config) *Debouncer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
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
	return &Debouncer{
		store:    cfg.Store,
		bus:      cfg.Bus,
		executor: cfg.Executor,
		logger:   logger.With("component", "watch"),
		metrics:  m,
		tracer:   tracer,
		debounce: cfg.Debounce,
		timeout:  cfg.ActionTimeout,
		states:   make(map[string]*watchState),
	}
}

// Start registers every active watch. Calling Start twice is a no-op.
func (d *Debouncer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true
	d.mu.Unlock()
	return d.Refresh(ctx)
}

// Stop closes every OS watch, cancels running actions and waits for them,
// and drops all runtime state.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	var closing []*fsnotify.Watcher
	for id, st := range d.states {
		closing = append(closing, d.teardownLocked(id, st))
	}
	cancel := d.cancel
	d.mu.Unlock()

	closeAll(closing)
	cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.ctx = nil
	d.cancel = nil
	d.mu.Unlock()
}

// Refresh opens watches that became active and closes those that were
// paused or deleted. Watches whose path cannot be watched yet are retried on
// the next refresh.
func (d *Debouncer) Refresh(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	active, err := d.store.ListActiveWatches(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]persistence.Watch, len(active))
	for _, w := range active {
		byID[w.ID] = w
	}

	d.mu.Lock()
	var closing []*fsnotify.Watcher
	for id, st := range d.states {
		if _, ok := byID[id]; !ok {
			closing = append(closing, d.teardownLocked(id, st))
			d.logger.Info("watch removed", "watch_id", id, "path", st.watch.Path)
		}
	}
	var toOpen []persistence.Watch
	for id, w := range byID {
		if _, ok := d.states[id]; !ok {
			toOpen = append(toOpen, w)
		}
	}
	d.mu.Unlock()
	closeAll(closing)

	for _, w := range toOpen {
		fsw, err := openWatcher(w.Path, d.logger)
		if err != nil {
			d.logger.Warn("watch registration failed", "watch_id", w.ID, "path", w.Path, "error", err)
			continue
		}
		d.mu.Lock()
		if !d.started || d.states[w.ID] != nil {
			d.mu.Unlock()
			_ = fsw.Close()
			continue
		}
		d.states[w.ID] = &watchState{watch: w, fsw: fsw}
		d.wg.Add(1)
		d.mu.Unlock()
		go d.readEvents(w.ID, fsw)
		d.logger.Info("watch registered", "watch_id", w.ID, "path", w.Path)
	}
	return nil
}

// teardownLocked must be called with d.mu held. The caller closes the
// returned watcher after releasing the lock, since the event reader may be
// waiting on it.
func (d *Debouncer) teardownLocked(id string, st *watchState) *fsnotify.Watcher {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
	delete(d.states, id)
	return st.fsw
}

func closeAll(ws []*fsnotify.Watcher) {
	for _, w := range ws {
		_ = w.Close()
	}
}

// openWatcher watches path and, for directories, every directory below it.
// If the recursive walk fails only the path itself is watched.
func openWatcher(path string, logger *slog.Logger) (*fsnotify.Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return fsw, nil
	}
	walkErr := filepath.WalkDir(abs, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() || p == abs {
			return nil
		}
		return fsw.Add(p)
	})
	if walkErr != nil {
		logger.Warn("recursive watch failed; watching top level only", "path", abs, "error", walkErr)
		for _, p := range fsw.WatchList() {
			if p != abs {
				_ = fsw.Remove(p)
			}
		}
	}
	return fsw, nil
}

func (d *Debouncer) readEvents(id string, fsw *fsnotify.Watcher) {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
				}
			}
			d.Notify(id, Change{Path: ev.Name, Op: ev.Op.String(), At: time.Now()})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watch error", "watch_id", id, "error", err)
		}
	}
}

// Notify feeds one change into the watch's state machine. While idle or
// debouncing it (re)arms the debounce timer; while running it replaces the
// pending change. Unknown watch ids are ignored.
func (d *Debouncer) Notify(watchID string, c Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[watchID]
	if !ok || !d.started {
		return
	}
	if st.phase == phaseRunning {
		st.pending = &c
		return
	}
	d.armLocked(watchID, st, c)
}

// armLocked must be called with d.mu held.
func (d *Debouncer) armLocked(id string, st *watchState, c Change) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.latest = c
	st.phase = phaseDebouncing
	st.timer = time.AfterFunc(d.debounce, func() { d.fire(id, gen) })
}

func (d *Debouncer) fire(id string, gen uint64) {
	d.mu.Lock()
	st, ok := d.states[id]
	if !ok || !d.started || st.gen != gen || st.phase != phaseDebouncing {
		d.mu.Unlock()
		return
	}
	st.phase = phaseRunning
	st.timer = nil
	change := st.latest
	w := st.watch
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(ctx, st, w, change)
}

func (d *Debouncer) run(ctx context.Context, st *watchState, w persistence.Watch, c Change) {
	defer d.wg.Done()

	d.executeAction(ctx, w, c)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.states[w.ID] != st {
		return
	}
	if st.pending != nil {
		next := *st.pending
		st.pending = nil
		d.armLocked(w.ID, st, next)
		return
	}
	st.phase = phaseIdle
}

// State reports the current phase of a watch, or "" if it is not registered.
func (d *Debouncer) State(watchID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[watchID]
	if !ok {
		return ""
	}
	return st.phase.String()
}

// Watching returns the ids of registered watches.
func (d *Debouncer) Watching() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.states))
	for id := range d.states {
		ids = append(ids, id)
	}
	return ids
}
