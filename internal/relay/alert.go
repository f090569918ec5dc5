package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-rooms/internal/bus"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/poller"
	"github.com/basket/go-rooms/internal/shared"
)

const maxQueuedAlerts = 100

type AlertConfig struct {
	Client  *Client
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
}

// AlertRelay forwards failed task runs to the relay. Failures are queued by
// the bus handler and sent by a coalesced poll; unsent alerts are retried on
// the next poll.
type AlertRelay struct {
	client *Client
	bus    *bus.Bus
	logger *slog.Logger
	poller *poller.Coalescer

	mu          sync.Mutex
	queue       []bus.RunFailed
	unsubscribe func()
}

func NewAlertRelay(cfg AlertConfig) *AlertRelay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &AlertRelay{
		client: cfg.Client,
		bus:    cfg.Bus,
		logger: logger.With("component", "relay_alerts"),
	}
	a.poller = poller.New("relay_alerts", a.flush, poller.Options{Logger: logger, Metrics: cfg.Metrics})
	return a
}

func (a *AlertRelay) Start(ctx context.Context) {
	a.poller.Start(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsubscribe == nil && a.bus != nil {
		a.unsubscribe = a.bus.Subscribe(bus.ChannelRuns, a.handle)
	}
}

func (a *AlertRelay) Stop() {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	a.poller.Stop()
	a.mu.Lock()
	a.queue = nil
	a.mu.Unlock()
}

func (a *AlertRelay) handle(ev bus.Event) {
	failed, ok := ev.Data.(bus.RunFailed)
	if !ok || failed.RoomID == "" {
		return
	}
	a.mu.Lock()
	a.queue = append(a.queue, failed)
	if over := len(a.queue) - maxQueuedAlerts; over > 0 {
		a.queue = a.queue[over:]
	}
	a.mu.Unlock()
	a.poller.QueuePoll()
}

// Pending returns the number of alerts not yet delivered.
func (a *AlertRelay) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *AlertRelay) flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()

	var unsent []bus.RunFailed
	var errs []error
	for _, f := range batch {
		if ctx.Err() != nil {
			unsent = append(unsent, f)
			continue
		}
		_, err := a.client.Send(ctx, f.RoomID, Message{
			Kind: "alert",
			Body: fmt.Sprintf("Task %q failed: %s", f.TaskName, shared.Truncate(shared.Redact(f.Error), 500)),
		})
		if err != nil {
			unsent = append(unsent, f)
			errs = append(errs, err)
			continue
		}
		a.logger.Info("run failure relayed", "task_id", f.TaskID, "room_id", f.RoomID)
	}
	if len(unsent) > 0 {
		a.mu.Lock()
		a.queue = append(unsent, a.queue...)
		if over := len(a.queue) - maxQueuedAlerts; over > 0 {
			a.queue = a.queue[over:]
		}
		a.mu.Unlock()
	}
	return errors.Join(errs...)
}
