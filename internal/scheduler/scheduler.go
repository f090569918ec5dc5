// Package scheduler dispatches persisted tasks. It keeps a live cron registry
// in step with the active cron tasks, fires due one-shot tasks, guards every
// task against concurrent execution, and prunes stale run history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/bus"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
)

// cronParser parses standard 5-field cron expressions plus @descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Dispatch sources recorded on run:created events.
const (
	SourceCron   = "cron"
	SourceOnce   = "once"
	SourceManual = "manual"
)

// Executor runs one task to completion.
type Executor interface {
	ExecuteTask(ctx context.Context, taskID string, opts agentexec.TaskOptions) (agentexec.TaskOutcome, error)
}

type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Executor Executor
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer

	Interval          time.Duration // tick interval; defaults to 30s
	StaleRunThreshold time.Duration // defaults to 2h
	RunRetention      time.Duration // 0 keeps all run history
	ResultsDir        string

	// ContactOnboarding schedules the check-in and follow-up tasks.
	ContactOnboarding bool

	// OnTick runs after every reconciliation pass on the scheduler goroutine.
	OnTick func(ctx context.Context)

	// Now overrides the clock for tests.
	Now func() time.Time
}

type cronJob struct {
	entryID cronlib.EntryID
	expr    string
}

// statusFlip records a temporary activation done for a manual run.
type statusFlip struct {
	original persistence.TaskStatus
	version  int64
}

// Scheduler owns the cron registry and the pending-start set.
type Scheduler struct {
	store    *persistence.Store
	bus      *bus.Bus
	executor Executor
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	cron *cronlib.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	jobs    map[string]cronJob
	pending map[string]struct{}

	onceMu      sync.Mutex
	maintaining atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleRunThreshold <= 0 {
		cfg.StaleRunThreshold = 2 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
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
	cl := cronLogger{logger}
	return &Scheduler{
		store:    cfg.Store,
		bus:      cfg.Bus,
		executor: cfg.Executor,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		cfg:      cfg,
		now:      now,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl)),
		),
		jobs:    make(map[string]cronJob),
		pending: make(map[string]struct{}),
	}
}

// Start runs the tick loop and the cron clock. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	loopCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	s.cron.Start()
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)
}

// Stop halts the cron clock and the tick loop, waits for in-flight
// dispatches, and clears the registry so a later Start is a cold start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	for id, job := range s.jobs {
		s.cron.Remove(job.entryID)
		delete(s.jobs, id)
		s.metrics.CronJobs.Add(context.Background(), -1)
	}
	s.pending = make(map[string]struct{})
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := s.RefreshCronJobs(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("refresh cron jobs failed", "error", err)
	}
	if s.cfg.ContactOnboarding {
		if err := s.EnsureContactOnboarding(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("contact onboarding failed", "error", err)
		}
	}
	if _, err := s.RunDueOnceTasks(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("run due once tasks failed", "error", err)
	}
	if !s.maintaining.Load() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunTaskMaintenance(ctx)
		}()
	}
	if s.cfg.OnTick != nil {
		s.cfg.OnTick(ctx)
	}
}

// RefreshCronJobs reconciles the live cron registry with the active cron
// tasks. Jobs whose task went inactive, was deleted, or changed expression
// are removed; active tasks without a job get one. Invalid expressions are
// skipped and the task stays inert.
func (s *Scheduler) RefreshCronJobs(ctx context.Context) error {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	type wanted struct {
		expr  string
		sched cronlib.Schedule
	}
	active := make(map[string]wanted)
	for _, t := range tasks {
		if t.TriggerKind != persistence.TriggerCron || t.CronExpr == "" {
			continue
		}
		sched, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			s.logger.Debug("skipping task with invalid cron expression", "task_id", t.ID, "cron_expr", t.CronExpr, "error", err)
			continue
		}
		active[t.ID] = wanted{expr: t.CronExpr, sched: sched}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if w, ok := active[id]; ok && w.expr == job.expr {
			continue
		}
		s.cron.Remove(job.entryID)
		delete(s.jobs, id)
		s.metrics.CronJobs.Add(ctx, -1)
		s.logger.Info("cron job removed", "task_id", id, "cron_expr", job.expr)
	}
	for id, w := range active {
		if _, ok := s.jobs[id]; ok {
			continue
		}
		taskID := id
		entryID := s.cron.Schedule(w.sched, cronlib.FuncJob(func() { s.fireCron(taskID) }))
		s.jobs[id] = cronJob{entryID: entryID, expr: w.expr}
		s.metrics.CronJobs.Add(ctx, 1)
		s.logger.Info("cron job registered", "task_id", id, "cron_expr", w.expr, "next_run_at", w.sched.Next(s.now()))
	}
	return nil
}

func (s *Scheduler) fireCron(taskID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	res := s.QueueTaskExecution(ctx, taskID, QueueOptions{Source: SourceCron})
	if !res.Started {
		s.logger.Info("cron fire skipped", "task_id", taskID, "reason", res.Reason)
	}
}

// CronJobs returns the registered expression per task id.
func (s *Scheduler) CronJobs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = job.expr
	}
	return out
}

// NextCronRun reports when the registered job for taskID fires next.
func (s *Scheduler) NextCronRun(taskID string) (time.Time, bool) {
	s.mu.Lock()
	job, ok := s.jobs[taskID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(job.entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Schedule.Next(s.now()), true
}

// RunDueOnceTasks dispatches every due one-shot task and marks it completed
// straight away, whatever the dispatch outcome, so no later pass can pick it
// up again. Concurrent calls are serialized.
func (s *Scheduler) RunDueOnceTasks(ctx context.Context) (int, error) {
	s.onceMu.Lock()
	defer s.onceMu.Unlock()

	due, err := s.store.DueOnceTasks(ctx, s.now())
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, t := range due {
		res := s.QueueTaskExecution(ctx, t.ID, QueueOptions{Source: SourceOnce})
		if res.Started {
			dispatched++
		} else {
			s.logger.Warn("one-shot task not dispatched", "task_id", t.ID, "reason", res.Reason)
		}
		if _, err := s.store.UpdateTaskStatus(ctx, t.ID, persistence.TaskStatusCompleted); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return dispatched, fmt.Errorf("complete one-shot task %s: %w", t.ID, err)
		}
	}
	return dispatched, nil
}

// RunTaskMaintenance fails runs stuck in "running" past the stale threshold
// and prunes old run history. Overlapping calls return immediately.
func (s *Scheduler) RunTaskMaintenance(ctx context.Context) {
	if !s.maintaining.CompareAndSwap(false, true) {
		return
	}
	defer s.maintaining.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task maintenance panicked", "panic", fmt.Sprint(r))
		}
	}()

	now := s.now()
	failed, err := s.store.FailStaleRuns(ctx, now.Add(-s.cfg.StaleRunThreshold))
	if err != nil {
		s.logger.Warn("fail stale runs", "error", err)
	} else if failed > 0 {
		s.logger.Info("stale runs failed", "count", failed)
	}
	if s.cfg.RunRetention > 0 {
		pruned, err := s.store.PruneRuns(ctx, now.Add(-s.cfg.RunRetention))
		if err != nil {
			s.logger.Warn("prune runs", "error", err)
		} else if pruned > 0 {
			s.logger.Info("old runs pruned", "count", pruned)
		}
	}
}

func (s *Scheduler) publish(channel string, p bus.Payload) {
	if s.bus != nil {
		s.bus.Publish(channel, p)
	}
}

func (s *Scheduler) recordRejection(ctx context.Context, taskID string, reason Reason) {
	s.metrics.TaskRejections.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String(string(reason))))
	s.logger.Debug("dispatch rejected", "task_id", taskID, "reason", reason)
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
