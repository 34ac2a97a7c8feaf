package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventSignal, 1)

	b.Publish(EventSignal, Signal{Symbol: "BTCUSDT", Side: "LONG", Outcome: "submitted"})
	// buffer full: dropped, not blocking
	b.Publish(EventSignal, Signal{Symbol: "BTCUSDT", Side: "SHORT"})
	b.Publish(EventPeriodClosed, Period{Symbol: "BTCUSDT"})

	select {
	case msg := <-ch:
		sig, ok := msg.(Signal)
		if !ok || sig.Side != "LONG" {
			t.Fatalf("unexpected payload %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(EventSignal, Signal{})
}

func TestSubscribeAll(t *testing.T) {
	b := NewBus()
	ch, unsub := b.SubscribeAll(4)
	defer unsub()

	b.Publish(EventOrderFilled, Order{Symbol: "ETHUSDT"})
	b.Publish(EventDiscrepancy, Discrepancy{Symbol: "ETHUSDT", Check: "open_count"})

	got := map[Event]bool{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-ch:
			got[env.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	if !got[EventOrderFilled] || !got[EventDiscrepancy] {
		t.Fatalf("missing topics: %v", got)
	}
}
