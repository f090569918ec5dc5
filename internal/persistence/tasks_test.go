package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-rooms/internal/persistence"
)

func mustCreateTask(t *testing.T, store *persistence.Store, task persistence.Task) persistence.Task {
	t.Helper()
	created, err := store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestTasks_CreateGetDefaults(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	created := mustCreateTask(t, store, persistence.Task{
		Name: "digest", Prompt: "summarize", TriggerKind: persistence.TriggerOnce, ScheduledAt: &at, MaxRuns: 3,
		SessionContinuity: true,
	})
	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusActive {
		t.Fatalf("expected default active status, got %q", got.Status)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at round trip: %v", got.ScheduledAt)
	}
	if !got.SessionContinuity || got.MaxRuns != 3 {
		t.Fatalf("unexpected task %+v", got)
	}

	if _, err := store.GetTask(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.CreateTask(ctx, persistence.Task{}); err == nil {
		t.Fatal("expected error for unnamed task")
	}
}

func TestTasks_DueOnceTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := mustCreateTask(t, store, persistence.Task{Name: "due", TriggerKind: persistence.TriggerOnce, ScheduledAt: &past})
	mustCreateTask(t, store, persistence.Task{Name: "later", TriggerKind: persistence.TriggerOnce, ScheduledAt: &future})
	mustCreateTask(t, store, persistence.Task{Name: "paused", TriggerKind: persistence.TriggerOnce, ScheduledAt: &past, Status: persistence.TaskStatusPaused})
	mustCreateTask(t, store, persistence.Task{Name: "cron", TriggerKind: persistence.TriggerCron, CronExpr: "* * * * *"})

	got, err := store.DueOnceTasks(ctx, now)
	if err != nil {
		t.Fatalf("due once: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only %s due, got %+v", due.ID, got)
	}
}

func TestTasks_StatusCompareAndSet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, store, persistence.Task{Name: "t", Status: persistence.TaskStatusPaused})

	v1, err := store.UpdateTaskStatus(ctx, task.ID, persistence.TaskStatusActive)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if v1 != task.StatusVersion+1 {
		t.Fatalf("expected version bump, got %d", v1)
	}

	// A stale version must not overwrite.
	ok, err := store.UpdateTaskStatusIf(ctx, task.ID, persistence.TaskStatusActive, v1-1, persistence.TaskStatusPaused)
	if err != nil || ok {
		t.Fatalf("stale CAS: ok=%v err=%v", ok, err)
	}
	ok, err = store.UpdateTaskStatusIf(ctx, task.ID, persistence.TaskStatusActive, v1, persistence.TaskStatusPaused)
	if err != nil || !ok {
		t.Fatalf("CAS: ok=%v err=%v", ok, err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusPaused || got.StatusVersion != v1+1 {
		t.Fatalf("unexpected task after CAS: %+v", got)
	}

	if _, err := store.UpdateTaskStatus(ctx, "missing", persistence.TaskStatusActive); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTasks_CountersAndMarker(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, store, persistence.Task{Name: "t", Prompt: "say hi [onboarding:check-in]"})
	mustCreateTask(t, store, persistence.Task{Name: "other", Prompt: "unrelated"})

	if err := store.IncrementTaskError(ctx, task.ID); err != nil {
		t.Fatalf("increment error: %v", err)
	}
	n, err := store.RecordTaskRun(ctx, task.ID, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("record run = %d, %v", n, err)
	}
	n, _ = store.RecordTaskRun(ctx, task.ID, time.Now())
	if n != 2 {
		t.Fatalf("expected run count 2, got %d", n)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.ErrorCount != 1 || got.LastRunAt == nil {
		t.Fatalf("unexpected counters: %+v", got)
	}

	found, err := store.FindTasksByMarker(ctx, "[onboarding:check-in]")
	if err != nil || len(found) != 1 || found[0].ID != task.ID {
		t.Fatalf("find by marker = %+v, %v", found, err)
	}
}

func TestRuns_LifecycleAndGuards(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, store, persistence.Task{Name: "t"})

	running, _ := store.HasRunningRun(ctx, task.ID)
	if running {
		t.Fatal("no run yet")
	}
	run, err := store.CreateRun(ctx, task.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if running, _ = store.HasRunningRun(ctx, task.ID); !running {
		t.Fatal("expected running run")
	}
	if err := store.UpdateRunProgress(ctx, run.ID, 0.5, "halfway"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := store.CompleteRun(ctx, run.ID, "done", "/tmp/r.md"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Finished runs are immutable.
	if err := store.FailRun(ctx, run.ID, "late failure"); err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != persistence.RunStatusCompleted || got.Result != "done" || got.Error != "" || got.Progress != 1 {
		t.Fatalf("unexpected run %+v", got)
	}
	if got.FinishedAt == nil || got.ResultsPath != "/tmp/r.md" {
		t.Fatalf("missing finish data %+v", got)
	}
	if running, _ = store.HasRunningRun(ctx, task.ID); running {
		t.Fatal("run should no longer be running")
	}
}

func TestRuns_FailStaleAndPrune(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, store, persistence.Task{Name: "t"})

	stale, _ := store.CreateRun(ctx, task.ID)
	done, _ := store.CreateRun(ctx, task.ID)
	if err := store.CompleteRun(ctx, done.ID, "ok", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := store.FailStaleRuns(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("fail stale = %d, %v", n, err)
	}
	got, _ := store.GetRun(ctx, stale.ID)
	if got.Status != persistence.RunStatusFailed {
		t.Fatalf("expected stale run failed, got %q", got.Status)
	}

	n, err = store.PruneRuns(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("prune with old cutoff = %d, %v", n, err)
	}
	n, err = store.PruneRuns(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	runs, _ := store.ListRuns(ctx, task.ID, 10)
	if len(runs) != 0 {
		t.Fatalf("expected runs pruned, got %d", len(runs))
	}
}

func TestRuns_InterruptRunning(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, store, persistence.Task{Name: "t"})

	orphan, _ := store.CreateRun(ctx, task.ID)
	done, _ := store.CreateRun(ctx, task.ID)
	if err := store.CompleteRun(ctx, done.ID, "ok", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := store.InterruptRunningRuns(ctx)
	if err != nil || n != 1 {
		t.Fatalf("interrupt = %d, %v", n, err)
	}
	got, _ := store.GetRun(ctx, orphan.ID)
	if got.Status != persistence.RunStatusFailed || got.Error != persistence.RunInterruptedError || got.FinishedAt == nil {
		t.Fatalf("unexpected orphan %+v", got)
	}
	if got, _ := store.GetRun(ctx, done.ID); got.Status != persistence.RunStatusCompleted {
		t.Fatalf("completed run touched: %+v", got)
	}
	if running, _ := store.HasRunningRun(ctx, task.ID); running {
		t.Fatal("task still has a running run")
	}
}

func TestTasks_DeleteCascadesRuns(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreateTask(t, store, persistence.Task{Name: "t"})
	run, _ := store.CreateRun(ctx, task.ID)

	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected run removed, got %v", err)
	}
	if err := store.DeleteTask(ctx, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
