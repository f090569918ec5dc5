package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-rooms/internal/agentexec"
	"github.com/basket/go-rooms/internal/bus"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/shared"
)

// Reason explains why a dispatch request was not started.
type Reason string

const (
	ReasonNotFound       Reason = "not_found"
	ReasonInactive       Reason = "inactive"
	ReasonAlreadyRunning Reason = "already_running"
	ReasonNotRunning     Reason = "scheduler_not_running"
	ReasonLookupFailed   Reason = "lookup_failed"
)

type QueueOptions struct {
	// AllowInactive runs a paused or completed task, activating it for the
	// duration of the run.
	AllowInactive bool
	Source        string
}

// Result reports whether a dispatch request started a run.
type Result struct {
	Started bool   `json:"started"`
	Reason  Reason `json:"reason,omitempty"`
}

// RunTaskNow dispatches a task regardless of its status.
func (s *Scheduler) RunTaskNow(ctx context.Context, taskID string) Result {
	return s.QueueTaskExecution(ctx, taskID, QueueOptions{AllowInactive: true, Source: SourceManual})
}

// QueueTaskExecution is the single entry point for running a task. A task
// runs at most once at a time: the pending set covers the window between
// acceptance and run creation, and HasRunningRun covers live runs from any
// earlier dispatch. Execution continues asynchronously; the result only
// reports acceptance.
func (s *Scheduler) QueueTaskExecution(ctx context.Context, taskID string, opts QueueOptions) Result {
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "scheduler.dispatch",
		otelPkg.AttrTaskID.String(taskID), otelPkg.AttrSource.String(opts.Source))
	defer span.End()

	reject := func(reason Reason) Result {
		span.SetAttributes(otelPkg.AttrOutcome.String(string(reason)))
		s.recordRejection(ctx, taskID, reason)
		return Result{Reason: reason}
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return reject(ReasonNotRunning)
	}
	if _, ok := s.pending[taskID]; ok {
		s.mu.Unlock()
		return reject(ReasonAlreadyRunning)
	}
	s.pending[taskID] = struct{}{}
	runCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	abandon := func(reason Reason) Result {
		s.release(taskID)
		s.wg.Done()
		return reject(reason)
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return abandon(ReasonNotFound)
		}
		s.logger.Error("dispatch lookup failed", "task_id", taskID, "error", err)
		return abandon(ReasonLookupFailed)
	}
	if !opts.AllowInactive && task.Status != persistence.TaskStatusActive {
		return abandon(ReasonInactive)
	}
	running, err := s.store.HasRunningRun(ctx, taskID)
	if err != nil {
		s.logger.Error("dispatch run check failed", "task_id", taskID, "error", err)
		return abandon(ReasonLookupFailed)
	}
	if running {
		return abandon(ReasonAlreadyRunning)
	}

	var flip *statusFlip
	if task.Status != persistence.TaskStatusActive {
		version, err := s.store.UpdateTaskStatus(ctx, taskID, persistence.TaskStatusActive)
		if err != nil {
			s.logger.Error("activate task for run failed", "task_id", taskID, "error", err)
			return abandon(ReasonLookupFailed)
		}
		flip = &statusFlip{original: task.Status, version: version}
	}

	span.SetAttributes(otelPkg.AttrOutcome.String("started"), otelPkg.AttrRoomID.String(task.RoomID))
	s.metrics.TaskDispatches.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrSource.String(opts.Source)))
	s.publish(bus.ChannelRuns, bus.RunCreated{
		TaskID:   task.ID,
		RoomID:   task.RoomID,
		TaskName: task.Name,
		Source:   opts.Source,
	})
	s.logger.Info("task dispatched", "task_id", task.ID, "task_name", task.Name, "source", opts.Source)

	go s.execute(runCtx, *task, opts.Source, flip)
	return Result{Started: true}
}

func (s *Scheduler) execute(ctx context.Context, task persistence.Task, source string, flip *statusFlip) {
	defer s.wg.Done()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "scheduler.execute",
		otelPkg.AttrTaskID.String(task.ID), otelPkg.AttrSource.String(source))
	defer span.End()

	start := s.now()
	outcome, err := s.runExecutor(ctx, task.ID)
	elapsed := s.now().Sub(start)
	s.metrics.TaskRunDuration.Record(ctx, elapsed.Seconds())

	// The store may be reachable even though ctx was cancelled by Stop.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.restoreStatus(cleanupCtx, task.ID, flip)
	s.release(task.ID)

	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("task execution failed", "task_id", task.ID, "trace_id", shared.TraceID(ctx), "error", err)
		s.publish(bus.ChannelRuns, bus.RunFailed{
			RunID:    outcome.RunID,
			TaskID:   task.ID,
			RoomID:   task.RoomID,
			TaskName: task.Name,
			Error:    err.Error(),
		})
	case outcome.Success:
		s.publish(bus.ChannelRuns, bus.RunCompleted{
			RunID:      outcome.RunID,
			TaskID:     task.ID,
			RoomID:     task.RoomID,
			TaskName:   task.Name,
			Result:     outcome.Result,
			DurationMs: elapsed.Milliseconds(),
		})
	default:
		span.SetStatus(codes.Error, outcome.Error)
		s.logger.Warn("task run failed", "task_id", task.ID, "run_id", outcome.RunID, "trace_id", shared.TraceID(ctx), "error", outcome.Error)
		s.publish(bus.ChannelRuns, bus.RunFailed{
			RunID:    outcome.RunID,
			TaskID:   task.ID,
			RoomID:   task.RoomID,
			TaskName: task.Name,
			Error:    outcome.Error,
		})
	}
}

func (s *Scheduler) runExecutor(ctx context.Context, taskID string) (outcome agentexec.TaskOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task execution panicked: %v", r)
		}
	}()
	if s.executor == nil {
		return agentexec.TaskOutcome{}, errors.New("no task executor configured")
	}
	return s.executor.ExecuteTask(ctx, taskID, agentexec.TaskOptions{
		ResultsDir: s.cfg.ResultsDir,
		OnProgress: func(runID string, progress float64, message string) {
			s.publish(bus.ChannelRuns, bus.RunProgress{
				RunID:    runID,
				TaskID:   taskID,
				Progress: progress,
				Message:  message,
			})
		},
	})
}

// restoreStatus undoes a temporary activation unless the status was changed
// by someone else while the run was in flight.
func (s *Scheduler) restoreStatus(ctx context.Context, taskID string, flip *statusFlip) {
	if flip == nil {
		return
	}
	ok, err := s.store.UpdateTaskStatusIf(ctx, taskID, persistence.TaskStatusActive, flip.version, flip.original)
	if err != nil {
		s.logger.Warn("restore task status failed", "task_id", taskID, "error", err)
		return
	}
	if !ok {
		s.logger.Info("task status changed during run; keeping new status", "task_id", taskID)
	}
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	delete(s.pending, taskID)
	s.mu.Unlock()
}

// Pending reports whether taskID has been accepted and has not finished.
func (s *Scheduler) Pending(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[taskID]
	return ok
}
