package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_EmitSubscribe(t *testing.T) {
	b := New(nil)
	var got []Event
	unsub := b.Subscribe("room:1", func(ev Event) { got = append(got, ev) })
	defer unsub()

	ev := b.Emit("room:1", "room:message", "hello")
	b.Emit("room:2", "room:message", "elsewhere")

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID != ev.ID || got[0].Type != "room:message" || got[0].Data != "hello" {
		t.Fatalf("unexpected event %+v", got[0])
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("event missing id or timestamp: %+v", ev)
	}
}

func TestBus_HandlersRunInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []string
	b.OnAny(func(Event) { order = append(order, "any-1") })
	b.Subscribe("c", func(Event) { order = append(order, "chan-1") })
	b.Subscribe("c", func(Event) { order = append(order, "chan-2") })
	b.OnAny(func(Event) { order = append(order, "any-2") })

	unsub := b.Subscribe("c", func(Event) { order = append(order, "chan-3") })
	unsub()
	b.Subscribe("c", func(Event) { order = append(order, "chan-4") })

	b.Emit("c", "t", nil)

	want := []string{"any-1", "chan-1", "chan-2", "any-2", "chan-4"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	b := New(nil)
	var after int
	b.Subscribe("c", func(Event) { panic("boom") })
	b.Subscribe("c", func(Event) { after++ })
	b.OnAny(func(Event) { after++ })

	b.Emit("c", "t", nil)

	if after != 2 {
		t.Fatalf("expected remaining handlers to run, got %d", after)
	}
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	calls := 0
	unsub := b.Subscribe("c", func(Event) { calls++ })
	unsubAny := b.OnAny(func(Event) { calls++ })
	if b.ListenerCount() != 2 {
		t.Fatalf("ListenerCount = %d, want 2", b.ListenerCount())
	}

	unsub()
	unsub()
	unsubAny()
	b.Emit("c", "t", nil)

	if calls != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", calls)
	}
	if b.ListenerCount() != 0 {
		t.Fatalf("ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	b := New(nil)
	var unsub func()
	second := 0
	unsub = b.Subscribe("c", func(Event) { unsub() })
	b.Subscribe("c", func(Event) { second++ })

	b.Emit("c", "t", nil)
	b.Emit("c", "t", nil)

	if second != 2 {
		t.Fatalf("second handler calls = %d, want 2", second)
	}
}

func TestBus_EventIDsAreUniqueAndOrdered(t *testing.T) {
	b := New(nil)
	prev := ""
	for i := 0; i < 100; i++ {
		ev := b.Emit("c", "t", i)
		if ev.ID <= prev {
			t.Fatalf("id %q not after %q", ev.ID, prev)
		}
		prev = ev.ID
	}
}

func TestStream_ReceivesAndCloses(t *testing.T) {
	b := New(nil)
	sub := b.Stream("room:1", 4)
	all := b.Stream("", 4)

	b.Emit("room:1", "room:message", "a")
	b.Emit("room:2", "room:message", "b")

	select {
	case ev := <-sub.Ch():
		if ev.Data != "a" {
			t.Fatalf("unexpected data %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stream event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
	if len(all.Ch()) != 2 {
		t.Fatalf("wildcard stream buffered %d events, want 2", len(all.Ch()))
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	b.Emit("room:1", "room:message", "late")
	b.Unsubscribe(all)
}

func TestStream_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	b := New(nil)
	sub := b.Stream("c", 1)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit("c", "t", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full stream")
	}
	if len(sub.Ch()) != 1 {
		t.Fatalf("buffered %d, want 1", len(sub.Ch()))
	}
}

func TestBus_ConcurrentEmitAndUnsubscribe(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := b.Stream("c", 2)
				b.Emit("c", "t", j)
				b.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()
	if b.ListenerCount() != 0 {
		t.Fatalf("leaked listeners: %d", b.ListenerCount())
	}
}
