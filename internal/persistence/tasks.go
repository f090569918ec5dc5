package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
)

type TriggerKind string

const (
	TriggerCron    TriggerKind = "cron"
	TriggerOnce    TriggerKind = "once"
	TriggerManual  TriggerKind = "manual"
	TriggerWebhook TriggerKind = "webhook"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Task is a persisted, schedulable unit of work.
type Task struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id,omitempty"`
	Name        string      `json:"name"`
	Prompt      string      `json:"prompt"`
	Status      TaskStatus  `json:"status"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	CronExpr    string      `json:"cron_expr,omitempty"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`

	// ExecutorRef names the worker whose model and system prompt run this
	// task. Empty uses the agent defaults.
	ExecutorRef string `json:"executor_ref,omitempty"`

	ErrorCount        int    `json:"error_count"`
	RunCount          int    `json:"run_count"`
	MaxRuns           int    `json:"max_runs"`
	SessionContinuity bool   `json:"session_continuity"`
	SessionID         string `json:"session_id,omitempty"`

	// StatusVersion increments on every status write; compare-and-set
	// updates use it to detect intervening changes.
	StatusVersion int64      `json:"status_version"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskRun is one execution record of a Task.
type TaskRun struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Progress        float64    `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	ResultsPath     string     `json:"results_path,omitempty"`
}

const taskColumns = `id, room_id, name, prompt, status, trigger_kind, cron_expr, scheduled_at, executor_ref,
	error_count, run_count, max_runs, session_continuity, session_id, status_version, last_run_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var scheduledAt, lastRunAt sql.NullTime
	var continuity int
	if err := scanFn(
		&task.ID, &task.RoomID, &task.Name, &task.Prompt, &task.Status, &task.TriggerKind, &task.CronExpr,
		&scheduledAt, &task.ExecutorRef, &task.ErrorCount, &task.RunCount, &task.MaxRuns, &continuity,
		&task.SessionID, &task.StatusVersion, &lastRunAt, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return err
	}
	task.ScheduledAt = timePtr(scheduledAt)
	task.LastRunAt = timePtr(lastRunAt)
	task.SessionContinuity = continuity != 0
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTask inserts a task, filling in id, status and timestamps when unset.
func (s *Store) CreateTask(ctx context.Context, task Task) (Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusActive
	}
	if task.TriggerKind == "" {
		task.TriggerKind = TriggerManual
	}
	if strings.TrimSpace(task.Name) == "" {
		return Task{}, fmt.Errorf("create task: name is required")
	}
	ts := now()
	task.CreatedAt, task.UpdatedAt = ts, ts
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, room_id, name, prompt, status, trigger_kind, cron_expr, scheduled_at, executor_ref,
				max_runs, session_continuity, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.RoomID, task.Name, task.Prompt, task.Status, task.TriggerKind, task.CronExpr,
			nullTime(task.ScheduledAt), task.ExecutorRef, task.MaxRuns, boolToInt(task.SessionContinuity), ts, ts)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns the tasks of a room, or every task when roomID is empty.
func (s *Store) ListTasks(ctx context.Context, roomID string) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if roomID != "" {
		q += ` WHERE room_id = ?`
		args = append(args, roomID)
	}
	out, err := s.queryTasks(ctx, q+` ORDER BY created_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *Store) ListActiveTasks(ctx context.Context) ([]Task, error) {
	out, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC;`, TaskStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return out, nil
}

// DueOnceTasks returns active one-shot tasks whose scheduled time is at or before asOf.
func (s *Store) DueOnceTasks(ctx context.Context, asOf time.Time) ([]Task, error) {
	out, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE trigger_kind = ? AND status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC;
	`, TriggerOnce, TaskStatusActive, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("due once tasks: %w", err)
	}
	return out, nil
}

// FindTasksByMarker returns tasks whose prompt contains marker verbatim.
func (s *Store) FindTasksByMarker(ctx context.Context, marker string) ([]Task, error) {
	out, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE instr(prompt, ?) > 0 ORDER BY created_at ASC;`, marker)
	if err != nil {
		return nil, fmt.Errorf("find tasks by marker: %w", err)
	}
	return out, nil
}

// UpdateTaskStatus sets a task's status unconditionally and returns the new status version.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) (int64, error) {
	var version int64
	err := retryOnBusy(ctx, 3, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE tasks SET status = ?, status_version = status_version + 1, updated_at = ?
			WHERE id = ?
			RETURNING status_version;
		`, status, now(), id).Scan(&version)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("update task status: %w", err)
	}
	return version, nil
}

// UpdateTaskStatusIf sets status to `to` only when the task still has status
// `from` at version `version`. It reports whether the write happened.
func (s *Store) UpdateTaskStatusIf(ctx context.Context, id string, from TaskStatus, version int64, to TaskStatus) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, status_version = status_version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND status_version = ?;
		`, to, now(), id, from, version)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("compare-and-set task status: %w", err)
	}
	return affected == 1, nil
}

// UpdateTaskSchedule replaces a task's trigger expression or scheduled time.
func (s *Store) UpdateTaskSchedule(ctx context.Context, id, cronExpr string, scheduledAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cron_expr = ?, scheduled_at = ?, updated_at = ? WHERE id = ?;
	`, cronExpr, nullTime(scheduledAt), now(), id)
	if err != nil {
		return fmt.Errorf("update task schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementTaskError(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET error_count = error_count + 1, updated_at = ? WHERE id = ?;
	`, now(), id)
	if err != nil {
		return fmt.Errorf("increment task error: %w", err)
	}
	return nil
}

// RecordTaskRun bumps the run counter and stamps last_run_at, returning the new count.
func (s *Store) RecordTaskRun(ctx context.Context, id string, at time.Time) (int, error) {
	var count int
	err := retryOnBusy(ctx, 3, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE tasks SET run_count = run_count + 1, last_run_at = ?, updated_at = ?
			WHERE id = ?
			RETURNING run_count;
		`, at.UTC(), now(), id).Scan(&count)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("record task run: %w", err)
	}
	return count, nil
}

func (s *Store) SetTaskSessionID(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET session_id = ?, updated_at = ? WHERE id = ?;`, sessionID, now(), id)
	if err != nil {
		return fmt.Errorf("set task session: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Runs ---

const runColumns = `id, task_id, status, started_at, finished_at, duration_ms, result, error, progress, progress_message, results_path`

func scanRun(scanFn func(dest ...any) error, run *TaskRun) error {
	var finished sql.NullTime
	if err := scanFn(&run.ID, &run.TaskID, &run.Status, &run.StartedAt, &finished, &run.DurationMs,
		&run.Result, &run.Error, &run.Progress, &run.ProgressMessage, &run.ResultsPath); err != nil {
		return err
	}
	run.FinishedAt = timePtr(finished)
	return nil
}

func (s *Store) CreateRun(ctx context.Context, taskID string) (TaskRun, error) {
	run := TaskRun{ID: uuid.NewString(), TaskID: taskID, Status: RunStatusRunning, StartedAt: now()}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (id, task_id, status, started_at) VALUES (?, ?, ?, ?);
		`, run.ID, run.TaskID, run.Status, run.StartedAt)
		return err
	})
	if err != nil {
		return TaskRun{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*TaskRun, error) {
	var run TaskRun
	err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?;`, id).Scan, &run)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs of a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []TaskRun
	for rows.Next() {
		var run TaskRun
		if err := scanRun(rows.Scan, &run); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRunProgress(ctx context.Context, runID string, progress float64, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET progress = ?, progress_message = ? WHERE id = ? AND status = ?;
	`, progress, message, runID, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, runID, result, resultsPath string) error {
	return s.finishRun(ctx, runID, RunStatusCompleted, result, "", resultsPath)
}

func (s *Store) FailRun(ctx context.Context, runID, errMsg string) error {
	return s.finishRun(ctx, runID, RunStatusFailed, "", errMsg, "")
}

// finishRun moves a running run to a terminal status. Finished runs are immutable.
func (s *Store) finishRun(ctx context.Context, runID string, status RunStatus, result, errMsg, resultsPath string) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish run: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var startedAt time.Time
		var current RunStatus
		if err := tx.QueryRowContext(ctx, `SELECT started_at, status FROM task_runs WHERE id = ?;`, runID).Scan(&startedAt, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return fmt.Errorf("read run: %w", err)
		}
		if current != RunStatusRunning {
			return nil
		}
		finished := now()
		progress := 0.0
		if status == RunStatusCompleted {
			progress = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs
			SET status = ?, finished_at = ?, duration_ms = ?, result = ?, error = ?, results_path = ?,
				progress = CASE WHEN ? > 0 THEN ? ELSE progress END
			WHERE id = ?;
		`, status, finished, finished.Sub(startedAt).Milliseconds(), result, errMsg, resultsPath,
			progress, progress, runID); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) HasRunningRun(ctx context.Context, taskID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_runs WHERE task_id = ? AND status = ?;
	`, taskID, RunStatusRunning).Scan(&n); err != nil {
		return false, fmt.Errorf("has running run: %w", err)
	}
	return n > 0, nil
}

// FailStaleRuns marks runs still "running" that started before cutoff as failed.
func (s *Store) FailStaleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, finished_at = ?, error = ?
		WHERE status = ? AND started_at < ?;
	`, RunStatusFailed, now(), "stale: exceeded running threshold", RunStatusRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return res.RowsAffected()
}

// RunInterruptedError is recorded on runs orphaned by an unclean shutdown.
const RunInterruptedError = "interrupted: process restarted while run was in progress"

// InterruptRunningRuns fails every running run. Only safe before this process
// has dispatched anything.
func (s *Store) InterruptRunningRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, finished_at = ?, error = ?
		WHERE status = ?;
	`, RunStatusFailed, now(), RunInterruptedError, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("interrupt running runs: %w", err)
	}
	return res.RowsAffected()
}

// PruneRuns deletes finished runs whose finish time is before cutoff.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_runs WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?;
	`, RunStatusRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
