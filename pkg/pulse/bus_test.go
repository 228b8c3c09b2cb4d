package pulse

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(8)
	defer sub.Close()

	bus.Publish(New(KindNewMemory, "m1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Pulse.Kind != KindNewMemory || ev.Pulse.MemoryID != "m1" {
		t.Errorf("unexpected pulse %+v", ev.Pulse)
	}
	if ev.Lagged != 0 {
		t.Errorf("expected no lag, got %d", ev.Lagged)
	}
	if ev.Pulse.EventID == "" {
		t.Error("expected generated event id")
	}
}

func TestBus_Broadcast(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	bus.Publish(New(KindForgotten, "m1"))

	for _, sub := range []*Subscription{a, b} {
		ev, ok := sub.TryNext()
		if !ok {
			t.Fatal("expected pulse for every subscriber")
		}
		if ev.Pulse.Kind != KindForgotten {
			t.Errorf("unexpected kind %s", ev.Pulse.Kind)
		}
	}
}

func TestBus_SlowConsumerLags(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(New(KindUpdated, "m"))
	}

	ev, ok := sub.TryNext()
	if !ok {
		t.Fatal("expected buffered pulse")
	}
	if ev.Lagged != 6 {
		t.Errorf("expected 6 dropped pulses, got %d", ev.Lagged)
	}

	// Lag is reported once, then clears.
	ev, ok = sub.TryNext()
	if !ok || ev.Lagged != 0 {
		t.Errorf("expected lag cleared, got %+v ok=%v", ev, ok)
	}
}

func TestBus_NextBlocksUntilPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4)
	defer sub.Close()

	done := make(chan Event, 1)
	go func() {
		ev, err := sub.Next(context.Background())
		if err == nil {
			done <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(NewAssociation("a", "b"))

	select {
	case ev := <-done:
		if ev.Pulse.Kind != KindAssociationCreated || ev.Pulse.SourceID != "a" {
			t.Errorf("unexpected pulse %+v", ev.Pulse)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on publish")
	}
}

func TestBus_NextHonorsContext(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Next(ctx); err == nil {
		t.Error("expected context deadline error")
	}
}

func TestBus_CloseIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	bus.Close()
	bus.Close()
	sub.Close()

	// Publish after close is a silent no-op.
	bus.Publish(New(KindNewMemory, "m1"))

	if _, err := sub.Next(context.Background()); err == nil {
		t.Error("expected error from closed subscription")
	}
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	sub := bus.Subscribe(4)
	if _, err := sub.Next(context.Background()); err == nil {
		t.Error("expected closed subscription")
	}
}
