package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultBufferSize = 100

// Event is an immutable message published on the bus. Events are never persisted.
type Event struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

type listener struct {
	id int
	fn Handler
}

// Bus is an in-process pub/sub hub keyed by channel, plus a wildcard list that
// sees every event. Handlers registered when Emit is called run in
// registration order, channel and wildcard listeners interleaved.
type Bus struct {
	mu       sync.RWMutex
	channels map[string][]listener
	wildcard []listener
	nextID   int
	logger   *slog.Logger
}

// New creates a new Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		channels: make(map[string][]listener),
		logger:   logger,
	}
}

// Emit publishes to every subscriber of channel and to every wildcard
// subscriber. A panicking handler is logged and skipped; the remaining
// handlers still run and the emitter is unaffected.
func (b *Bus) Emit(channel, eventType string, data any) Event {
	ev := Event{
		ID:        ulid.Make().String(),
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	targets := mergeByID(b.channels[channel], b.wildcard)
	b.mu.RUnlock()

	for _, l := range targets {
		b.invoke(l, ev)
	}
	return ev
}

func (b *Bus) invoke(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"channel", ev.Channel, "type", ev.Type, "listener", l.id, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(ev)
}

// Subscribe registers h for events on channel. The returned function removes
// it and is safe to call more than once.
func (b *Bus) Subscribe(channel string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.channels[channel] = append(b.channels[channel], listener{id: id, fn: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := removeListener(b.channels[channel], id)
		if len(list) == 0 {
			delete(b.channels, channel)
		} else {
			b.channels[channel] = list
		}
	}
}

// OnAny registers h for every event regardless of channel.
func (b *Bus) OnAny(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, listener{id: id, fn: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeListener(b.wildcard, id)
	}
}

// mergeByID merges two id-ordered lists into a new id-ordered slice.
func mergeByID(a, b []listener) []listener {
	out := make([]listener, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0].id < b[0].id {
			out = append(out, a[0])
			a = a[1:]
		} else {
			out = append(out, b[0])
			b = b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

// removeListener returns a fresh slice so snapshots taken by Emit stay valid.
func removeListener(list []listener, id int) []listener {
	out := make([]listener, 0, len(list))
	for _, l := range list {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// ListenerCount returns the number of registered handlers, wildcard included.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.wildcard)
	for _, list := range b.channels {
		n += len(list)
	}
	return n
}

// Subscription is a buffered channel view of the bus used by streaming
// consumers such as the WebSocket bridge.
type Subscription struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	cancel func()
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Non-blocking: slow consumers miss events rather than stall the emitter.
	select {
	case s.ch <- ev:
	default:
	}
}

// Stream subscribes a buffered channel to channel, or to every event when
// channel is empty. buffer <= 0 uses the default size.
func (b *Bus) Stream(channel string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	if channel == "" {
		sub.cancel = b.OnAny(sub.deliver)
	} else {
		sub.cancel = b.Subscribe(channel, sub.deliver)
	}
	return sub
}

// Unsubscribe removes a stream subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.cancel()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
