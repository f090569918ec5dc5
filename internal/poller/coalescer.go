// Package poller runs idempotent refresh operations (inbox fetch, alert
// relay) so that they never overlap and never starve. Requests arriving while
// a poll is in flight collapse into a single follow-up poll.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/go-rooms/internal/otel"
)

// PollFunc performs one refresh. It must be safe to repeat.
type PollFunc func(ctx context.Context) error

type Options struct {
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics

	// Interval queues a poll periodically while started. Zero disables the timer;
	// polls then happen only through QueuePoll.
	Interval time.Duration
}

// Coalescer guarantees at most one poll in flight and at most one queued
// follow-up, no matter how often QueuePoll is called.
type Coalescer struct {
	name     string
	poll     PollFunc
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	interval time.Duration

	mu              sync.Mutex
	ctx             context.Context
	started         bool
	inFlight        bool
	repollRequested bool

	runs   atomic.Int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(name string, poll PollFunc, opts Options) *Coalescer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = otelPkg.NoopMetrics()
	}
	return &Coalescer{
		name:     name,
		poll:     poll,
		logger:   logger.With("poller", name),
		metrics:  m,
		interval: opts.Interval,
	}
}

// Start enables polling. With an interval configured it polls immediately
// and then on every tick. Calling Start on a started coalescer is a no-op.
func (c *Coalescer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	if c.interval > 0 {
		c.wg.Add(1)
		go c.loop(c.ctx)
	}
	c.mu.Unlock()
}

func (c *Coalescer) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.QueuePoll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.QueuePoll()
		}
	}
}

// QueuePoll starts a poll if none is running, otherwise marks that one more
// poll is wanted once the current one finishes. It reports whether a new
// poll was started. Safe to call at any rate from any goroutine.
func (c *Coalescer) QueuePoll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return false
	}
	if c.inFlight {
		c.repollRequested = true
		return false
	}
	c.inFlight = true
	c.wg.Add(1)
	go c.run(c.ctx)
	return true
}

func (c *Coalescer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.invoke(ctx)

		c.mu.Lock()
		if c.repollRequested && ctx.Err() == nil {
			c.repollRequested = false
			c.mu.Unlock()
			continue
		}
		c.inFlight = false
		c.repollRequested = false
		c.mu.Unlock()
		return
	}
}

func (c *Coalescer) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("poll panicked", "panic", fmt.Sprint(r))
		}
	}()
	c.runs.Add(1)
	c.metrics.PollRuns.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrPollName.String(c.name)))
	if err := c.poll(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("poll failed", "error", err)
	}
}

// Busy reports whether a poll is currently in flight.
func (c *Coalescer) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Runs returns how many polls have executed since construction.
func (c *Coalescer) Runs() int64 {
	return c.runs.Load()
}

// Stop cancels any in-flight poll, waits for it, and resets all flags so the
// coalescer can be started again from a clean state.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.inFlight = false
	c.repollRequested = false
	c.ctx = nil
	c.cancel = nil
	c.mu.Unlock()
}
