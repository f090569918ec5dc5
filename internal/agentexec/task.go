package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/shared"
)

const maxStoredResult = 4000

// TaskOptions carries per-run callbacks from the dispatcher.
type TaskOptions struct {
	ResultsDir string

	// OnProgress fires for progress lines emitted by the agent.
	OnProgress func(runID string, progress float64, message string)

	// OnConsoleLine fires for every other output line.
	OnConsoleLine func(runID, line string)
}

// TaskOutcome summarises a finished run.
type TaskOutcome struct {
	RunID       string
	Success     bool
	Result      string
	Error       string
	ResultsPath string
	Duration    time.Duration
	RunCount    int
	CapReached  bool
}

type progressLine struct {
	Type     string  `json:"type"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// ExecuteTask creates a run for the task, executes its prompt and records the
// outcome: run status, run counter, error counter and the run cap. A failed
// agent is reported in the outcome; the error return is reserved for
// problems reaching the store.
func (r *Runner) ExecuteTask(ctx context.Context, taskID string, opts TaskOptions) (TaskOutcome, error) {
	store := r.cfg.Store
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return TaskOutcome{}, err
	}

	req := AgentRequest{Prompt: task.Prompt}
	if task.ExecutorRef != "" {
		w, err := store.GetWorker(ctx, task.ExecutorRef)
		switch {
		case err == nil:
			req.Model = w.Model
			req.SystemPrompt = w.SystemPrompt
		case errors.Is(err, persistence.ErrNotFound):
			r.logger.Warn("task executor not found, using agent defaults", "task_id", taskID, "executor", task.ExecutorRef)
		default:
			return TaskOutcome{}, err
		}
	}
	if task.SessionContinuity {
		if task.SessionID == "" {
			task.SessionID = uuid.NewString()
			if err := store.SetTaskSessionID(ctx, task.ID, task.SessionID); err != nil {
				return TaskOutcome{}, err
			}
		}
		req.SessionID = task.SessionID
	}

	run, err := store.CreateRun(ctx, task.ID)
	if err != nil {
		return TaskOutcome{}, err
	}
	out := TaskOutcome{RunID: run.ID}
	logger := r.logger.With("task_id", task.ID, "run_id", run.ID, "trace_id", shared.TraceID(ctx))

	req.OnLine = func(line string) {
		var p progressLine
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &p) == nil && p.Type == "progress" {
			if err := store.UpdateRunProgress(ctx, run.ID, p.Progress, p.Message); err != nil {
				logger.Warn("record run progress failed", "error", err)
			}
			if opts.OnProgress != nil {
				opts.OnProgress(run.ID, p.Progress, p.Message)
			}
			return
		}
		if opts.OnConsoleLine != nil {
			opts.OnConsoleLine(run.ID, line)
		}
	}

	if strings.TrimSpace(task.Prompt) == "" {
		out.Error = "task has no prompt"
		if _, err := store.UpdateTaskStatus(ctx, task.ID, persistence.TaskStatusError); err != nil {
			logger.Warn("mark task error failed", "error", err)
		}
	} else {
		start := time.Now()
		res, execErr := r.ExecuteAgent(ctx, req)
		out.Duration = time.Since(start)
		switch {
		case execErr != nil:
			out.Error = execErr.Error()
		case !res.OK():
			out.Error = res.FailureMessage()
		default:
			out.Success = true
			out.Result = res.Output
		}
	}

	if out.Success {
		dir := opts.ResultsDir
		if dir == "" {
			dir = r.cfg.ResultsDir
		}
		if dir != "" {
			path, err := writeResult(dir, task, run.ID, out.Result)
			if err != nil {
				logger.Warn("write results file failed", "error", err)
			} else {
				out.ResultsPath = path
			}
		}
		if err := store.CompleteRun(ctx, run.ID, clip(out.Result, maxStoredResult), out.ResultsPath); err != nil {
			return out, err
		}
	} else {
		if err := store.FailRun(ctx, run.ID, out.Error); err != nil {
			return out, err
		}
		if err := store.IncrementTaskError(ctx, task.ID); err != nil {
			return out, err
		}
	}

	count, err := store.RecordTaskRun(ctx, task.ID, time.Now())
	if err != nil {
		return out, err
	}
	out.RunCount = count
	if task.MaxRuns > 0 && count >= task.MaxRuns {
		out.CapReached = true
		if _, err := store.UpdateTaskStatus(ctx, task.ID, persistence.TaskStatusCompleted); err != nil {
			return out, err
		}
		logger.Info("task reached run cap", "runs", count, "max_runs", task.MaxRuns)
	}
	return out, nil
}

func writeResult(dir string, task *persistence.Task, runID, body string) (string, error) {
	taskDir := filepath.Join(dir, task.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(taskDir, runID+".md")
	content := fmt.Sprintf("# %s\n\n_run %s at %s_\n\n%s\n", task.Name, runID, time.Now().UTC().Format(time.RFC3339), body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// clip cuts s to max runes without touching its layout.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n…"
}
