package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-rooms/internal/bus"
	otelPkg "github.com/basket/go-rooms/internal/otel"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/poller"
)

const cursorKeyPrefix = "relay_cursor:"

func cursorKey(roomID string) string { return cursorKeyPrefix + roomID }

type InboxConfig struct {
	Client   *Client
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Interval time.Duration
}

// Inbox pulls relayed messages for every active room into the store. A
// finished cycle also queues a poll, since agents often message each other
// at the end of a cycle.
type Inbox struct {
	client *Client
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	poller *poller.Coalescer

	mu          sync.Mutex
	unsubscribe func()
}

func NewInbox(cfg InboxConfig) *Inbox {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := &Inbox{
		client: cfg.Client,
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger.With("component", "relay_inbox"),
	}
	in.poller = poller.New("relay_inbox", in.Poll, poller.Options{
		Logger:   logger,
		Metrics:  cfg.Metrics,
		Interval: cfg.Interval,
	})
	return in
}

func (in *Inbox) Start(ctx context.Context) {
	in.mu.Lock()
	if in.unsubscribe == nil && in.bus != nil {
		in.unsubscribe = in.bus.OnAny(func(ev bus.Event) {
			if ev.Type == bus.TypeCycleCompleted {
				in.poller.QueuePoll()
			}
		})
	}
	in.mu.Unlock()
	in.poller.Start(ctx)
}

func (in *Inbox) Stop() {
	in.mu.Lock()
	unsubscribe := in.unsubscribe
	in.unsubscribe = nil
	in.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	in.poller.Stop()
}

// QueuePoll requests a fetch; see poller.Coalescer.QueuePoll.
func (in *Inbox) QueuePoll() bool {
	return in.poller.QueuePoll()
}

// Poll fetches new messages for every active room once. A failing room does
// not stop the others; their errors are joined.
func (in *Inbox) Poll(ctx context.Context) error {
	rooms, err := in.store.ListActiveRooms(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, room := range rooms {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := in.pollRoom(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", room.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (in *Inbox) pollRoom(ctx context.Context, room persistence.Room) error {
	cursor, err := in.store.KVGet(ctx, cursorKey(room.ID))
	if err != nil {
		return err
	}
	msgs, next, err := in.client.Fetch(ctx, room.ID, cursor)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		stored, err := in.store.InsertMessage(ctx, persistence.Message{
			ID:        m.ID,
			RoomID:    room.ID,
			Source:    persistence.SourceRelay,
			Sender:    m.FromRoom,
			Body:      m.Body,
			CreatedAt: m.SentAt,
		})
		if err != nil {
			return err
		}
		if in.bus != nil {
			in.bus.Publish(bus.RoomChannel(room.ID), bus.RoomMessage{
				RoomID:    room.ID,
				MessageID: stored.ID,
				From:      m.FromRoom,
				Body:      m.Body,
			})
		}
	}
	if next != cursor {
		if err := in.store.KVSet(ctx, cursorKey(room.ID), next); err != nil {
			return err
		}
	}
	if len(msgs) > 0 {
		in.logger.Info("relay messages received", "room_id", room.ID, "count", len(msgs))
	}
	return nil
}
