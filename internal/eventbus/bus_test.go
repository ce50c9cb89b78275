package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	onlyDelivery, unsub := b.Subscribe(4, "delivery.")
	defer unsub()

	Emit(b, ScheduleArmed, "a")
	Emit(b, DeliveryFinished, "d")

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events", got)
	}
	select {
	case e := <-onlyDelivery:
		if e.Type != DeliveryFinished {
			t.Fatalf("unexpected %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("filtered subscriber got nothing")
	}
	if len(onlyDelivery) != 0 {
		t.Fatalf("filtered subscriber got extra events")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			Emit(b, InterruptState, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	unsub()
	unsub()
	Emit(b, InterruptState, "after unsubscribe")
}
