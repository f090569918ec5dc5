// Package runtime owns the lifecycle of the scheduling core. One Runtime is
// built per process; Start wires the scheduler, watch debouncer, commentary
// engine and relay pollers together and Stop tears them all down so the next
// Start is a cold start.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/commentary"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/relay"
	"github.com/basket/go-rooms/internal/scheduler"
	"github.com/basket/go-rooms/internal/watch"
)

// QueenTrigger (re)starts a worker's cycle loop. agentexec.Runner satisfies it.
type QueenTrigger interface {
	TriggerAgent(ctx context.Context, room persistence.Room, workerID string) error
}

// CommentaryOptions mirrors the commentary section of the config.
type CommentaryOptions struct {
	Enabled     bool
	Interval    time.Duration
	Silence     time.Duration
	Timeout     time.Duration
	BufferCap   int
	Model       string
	EchoMarkers []string
}

type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer

	Tasks    scheduler.Executor
	Agents   watch.Executor
	Queens   QueenTrigger
	Narrator commentary.Narrator
	// Relay is optional; without it no relay pollers run.
	Relay *relay.Client

	TickInterval       time.Duration
	StaleRunThreshold  time.Duration
	RunRetention       time.Duration
	ResultsDir         string
	ContactOnboarding  bool
	Debounce           time.Duration
	WatchActionTimeout time.Duration
	RelayPollInterval  time.Duration
	Commentary         CommentaryOptions
}

// RecoveryReport summarizes a ResumeActiveQueens pass.
type RecoveryReport struct {
	Interrupted     int      `json:"interrupted"`
	InterruptedRuns int      `json:"interrupted_runs"`
	Resumed         []string `json:"resumed"`
}

type Runtime struct {
	cfg     Config
	base    *slog.Logger
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	tracer  trace.Tracer

	mu           sync.Mutex
	started      bool
	recovered    bool
	commentaryOn bool
	sched        *scheduler.Scheduler
	watches      *watch.Debouncer
	commentary   *commentary.Engine
	inbox        *relay.Inbox
	alerts       *relay.AlertRelay
}

func New(cfg Config) *Runtime {
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
	return &Runtime{
		cfg:          cfg,
		base:         logger,
		logger:       logger.With("component", "runtime"),
		metrics:      m,
		tracer:       tracer,
		commentaryOn: cfg.Commentary.Enabled,
	}
}

// Start recovers from an unclean shutdown, starts the event consumers,
// resumes the queens of active rooms and finally starts the scheduler.
// Calling Start while started is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	if _, err := r.recoverLocked(ctx); err != nil {
		return err
	}

	logger := r.base
	r.watches = watch.New(watch.Config{
		Store:         r.cfg.Store,
		Bus:           r.cfg.Bus,
		Executor:      r.cfg.Agents,
		Logger:        logger,
		Metrics:       r.metrics,
		Tracer:        r.tracer,
		Debounce:      r.cfg.Debounce,
		ActionTimeout: r.cfg.WatchActionTimeout,
	})
	watches := r.watches
	r.sched = scheduler.New(scheduler.Config{
		Store:             r.cfg.Store,
		Bus:               r.cfg.Bus,
		Executor:          r.cfg.Tasks,
		Logger:            logger,
		Metrics:           r.metrics,
		Tracer:            r.tracer,
		Interval:          r.cfg.TickInterval,
		StaleRunThreshold: r.cfg.StaleRunThreshold,
		RunRetention:      r.cfg.RunRetention,
		ResultsDir:        r.cfg.ResultsDir,
		ContactOnboarding: r.cfg.ContactOnboarding,
		OnTick: func(ctx context.Context) {
			if err := watches.Refresh(ctx); err != nil {
				r.logger.Warn("watch refresh failed", "error", err)
			}
		},
	})
	c := r.cfg.Commentary
	r.commentary = commentary.New(commentary.Config{
		Store:       r.cfg.Store,
		Bus:         r.cfg.Bus,
		Narrator:    r.cfg.Narrator,
		Logger:      logger,
		Metrics:     r.metrics,
		Tracer:      r.tracer,
		Interval:    c.Interval,
		Silence:     c.Silence,
		Timeout:     c.Timeout,
		BufferCap:   c.BufferCap,
		Model:       c.Model,
		EchoMarkers: c.EchoMarkers,
		Disabled:    !r.commentaryOn,
	})
	if r.cfg.Relay != nil {
		r.inbox = relay.NewInbox(relay.InboxConfig{
			Client:   r.cfg.Relay,
			Store:    r.cfg.Store,
			Bus:      r.cfg.Bus,
			Logger:   logger,
			Metrics:  r.metrics,
			Interval: r.cfg.RelayPollInterval,
		})
		r.alerts = relay.NewAlertRelay(relay.AlertConfig{
			Client:  r.cfg.Relay,
			Bus:     r.cfg.Bus,
			Logger:  logger,
			Metrics: r.metrics,
		})
	}

	if err := r.watches.Start(ctx); err != nil {
		r.logger.Warn("watch start failed; retrying on the next tick", "error", err)
	}
	r.commentary.Start(ctx)
	if r.inbox != nil {
		r.inbox.Start(ctx)
		r.alerts.Start(ctx)
	}
	// Queens resume once commentary listens so their first cycle is narrated.
	if _, err := r.resumeLocked(ctx); err != nil {
		r.stopConsumersLocked()
		return err
	}
	r.sched.Start(ctx)

	r.started = true
	r.logger.Info("runtime started", "relay", r.cfg.Relay != nil, "commentary", r.commentaryOn)
	return nil
}

// Stop stops every component and drops them. Safe to call when not started.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	sched, watches, engine, inbox, alerts := r.sched, r.watches, r.commentary, r.inbox, r.alerts
	r.sched, r.watches, r.commentary, r.inbox, r.alerts = nil, nil, nil, nil, nil
	r.mu.Unlock()

	sched.Stop()
	if alerts != nil {
		alerts.Stop()
	}
	if inbox != nil {
		inbox.Stop()
	}
	engine.Stop()
	watches.Stop()
	r.logger.Info("runtime stopped")
}

func (r *Runtime) stopConsumersLocked() {
	if r.alerts != nil {
		r.alerts.Stop()
	}
	if r.inbox != nil {
		r.inbox.Stop()
	}
	r.commentary.Stop()
	r.watches.Stop()
	r.sched, r.watches, r.commentary, r.inbox, r.alerts = nil, nil, nil, nil, nil
}

// Running reports whether the runtime is started.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// RunTaskNow dispatches a task immediately, even if it is paused or completed.
func (r *Runtime) RunTaskNow(ctx context.Context, taskID string) scheduler.Result {
	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched == nil {
		return scheduler.Result{Reason: scheduler.ReasonNotRunning}
	}
	return sched.RunTaskNow(ctx, taskID)
}

// SetCommentaryEnabled switches narration on or off, now and for later starts.
func (r *Runtime) SetCommentaryEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commentaryOn = enabled
	if r.commentary != nil {
		r.commentary.SetEnabled(enabled)
	}
}

// ResumeActiveQueens marks cycles and task runs orphaned by a previous
// process as failed and then restarts the queen of every active room. Orphan recovery happens
// once per Runtime; later calls only resume queens.
func (r *Runtime) ResumeActiveQueens(ctx context.Context) (RecoveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeLocked(ctx)
}

// recoverLocked runs before anything in this process can start a cycle or a
// run, so every row still marked running belongs to a dead process.
func (r *Runtime) recoverLocked(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if r.recovered {
		return report, nil
	}
	n, err := r.interruptOrphans(ctx)
	if err != nil {
		return report, err
	}
	report.Interrupted = n
	runs, err := r.cfg.Store.InterruptRunningRuns(ctx)
	if err != nil {
		return report, err
	}
	if runs > 0 {
		r.logger.Warn("interrupted orphaned task runs", "count", runs)
	}
	report.InterruptedRuns = int(runs)
	r.recovered = true
	return report, nil
}

func (r *Runtime) resumeLocked(ctx context.Context) (RecoveryReport, error) {
	report, err := r.recoverLocked(ctx)
	if err != nil {
		return report, err
	}
	if r.cfg.Queens == nil {
		return report, nil
	}

	rooms, err := r.cfg.Store.ListActiveRooms(ctx)
	if err != nil {
		return report, err
	}
	for _, room := range rooms {
		queen, err := r.cfg.Store.QueenOf(ctx, room.ID)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn("queen lookup failed", "room_id", room.ID, "error", err)
			continue
		}
		err = r.cfg.Queens.TriggerAgent(ctx, room, queen.ID)
		if err != nil && !errors.Is(err, agentexec.ErrAlreadyRunning) {
			r.logger.Warn("queen resume failed", "room_id", room.ID, "worker_id", queen.ID, "error", err)
			continue
		}
		report.Resumed = append(report.Resumed, room.ID)
	}
	if len(report.Resumed) > 0 {
		r.logger.Info("queens resumed", "count", len(report.Resumed))
	}
	return report, nil
}

func (r *Runtime) interruptOrphans(ctx context.Context) (int, error) {
	stale, err := r.cfg.Store.ListStaleCycles(ctx)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]string, len(stale))
	for i, c := range stale {
		ids[i] = c.ID
	}
	n, err := r.cfg.Store.MarkCyclesInterrupted(ctx, ids)
	if err != nil {
		return 0, err
	}
	r.metrics.RecoveredCycles.Add(ctx, n)
	for _, c := range stale {
		if r.cfg.Bus != nil {
			r.cfg.Bus.Publish(bus.RoomChannel(c.RoomID), bus.CycleFinished{
				CycleID:  c.ID,
				RoomID:   c.RoomID,
				WorkerID: c.WorkerID,
				Status:   string(persistence.CycleStatusFailed),
				Error:    persistence.InterruptedError,
			})
		}
	}
	r.logger.Warn("interrupted orphaned cycles", "count", n)
	return int(n), nil
}
