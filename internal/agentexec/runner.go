// Package agentexec runs the external agent CLI that performs task runs,
// watch actions and worker cycles. The agent receives its prompt on stdin and
// its settings through ROOMS_* environment variables; every stdout line is
// streamed to the caller as it arrives.
package agentexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/shared"
)

const (
	defaultTimeout  = 30 * time.Minute
	defaultMaxTurns = 25
	maxOutputBytes  = 256 * 1024
	maxStderrBytes  = 8 * 1024
	maxLineBytes    = 1024 * 1024
)

// ErrAlreadyRunning is returned by TriggerAgent when the worker already has a cycle loop.
var ErrAlreadyRunning = errors.New("worker cycle loop already running")

type Config struct {
	Command      string
	Args         []string
	DefaultModel string
	MaxTurns     int
	Timeout      time.Duration
	ResultsDir   string
	APIKey       string

	// CycleInterval is the pause between consecutive cycles of one worker.
	// Zero runs a single cycle per trigger.
	CycleInterval time.Duration

	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// AgentRequest describes one agent invocation.
type AgentRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	APIKey       string
	SessionID    string
	MaxTurns     int
	Timeout      time.Duration

	// OnLine receives each stdout line in order. It runs on the reader goroutine.
	OnLine func(line string)
}

// AgentResult is the outcome of an invocation that started. A non-zero exit
// or a timeout is a result, not an error.
type AgentResult struct {
	ExitCode int
	TimedOut bool
	Output   string
	Stderr   string
}

func (r AgentResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// FailureMessage renders a short description of a failed result.
func (r AgentResult) FailureMessage() string {
	if r.TimedOut {
		return "agent timed out"
	}
	msg := fmt.Sprintf("agent exited with code %d", r.ExitCode)
	if tail := strings.TrimSpace(r.Stderr); tail != "" {
		msg += ": " + shared.Truncate(shared.Redact(tail), 300)
	}
	return msg
}

// Runner executes agent invocations and owns the per-worker cycle loops.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	loops   map[string]struct{}
	stopped bool
}

func NewRunner(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "agentexec"),
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[string]struct{}),
	}
}

// ExecuteAgent runs the agent CLI once. The returned error is non-nil only
// when the process could not be started.
func (r *Runner) ExecuteAgent(ctx context.Context, req AgentRequest) (AgentResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	model := req.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.cfg.MaxTurns
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = r.cfg.APIKey
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"ROOMS_MODEL="+model,
		"ROOMS_SYSTEM_PROMPT="+req.SystemPrompt,
		"ROOMS_MAX_TURNS="+strconv.Itoa(maxTurns),
		"ROOMS_SESSION_ID="+req.SessionID,
	)
	if apiKey != "" {
		cmd.Env = append(cmd.Env, "ROOMS_API_KEY="+apiKey)
	}
	cmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderrBytes}
	lines := &lineWriter{onLine: func(line string) {
		if req.OnLine != nil {
			r.safeOnLine(req.OnLine, line)
		}
	}}
	cmd.Stdout = lines
	if err := cmd.Start(); err != nil {
		return AgentResult{}, fmt.Errorf("start agent %q: %w", r.cfg.Command, err)
	}

	// WaitDelay bounds how long orphaned grandchildren can hold stdout open.
	waitErr := cmd.Wait()
	lines.flush()
	res := AgentResult{
		Output: strings.TrimRight(lines.out.String(), "\n"),
		Stderr: stderr.String(),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res, nil
}

func (r *Runner) safeOnLine(fn func(string), line string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent line handler panicked", "panic", fmt.Sprint(rec))
		}
	}()
	fn(line)
}

// Stop cancels every cycle loop and waits for them to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// lineWriter splits agent stdout into lines, keeping a bounded copy of the
// full output. exec feeds it from a single goroutine.
type lineWriter struct {
	onLine  func(string)
	partial []byte
	out     bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxLineBytes {
		w.emit(string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}

func (w *lineWriter) emit(line string) {
	if w.out.Len() < maxOutputBytes {
		w.out.WriteString(line)
		w.out.WriteByte('\n')
	}
	w.onLine(line)
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
