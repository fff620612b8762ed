package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New[int]()
	defer bus.Close()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(42)

	for _, ch := range []<-chan int{a, b} {
		select {
		case v := <-ch:
			if v != 42 {
				t.Fatalf("want 42, got %d", v)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := New[int]()
	defer bus.Close()
	sub := bus.Subscribe()

	// Overfill the buffered channel; extra events are dropped, not blocked.
	for i := 0; i < 32; i++ {
		bus.Publish(i)
	}
	if n := len(sub); n != 16 {
		t.Fatalf("want a full buffer of 16, got %d", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New[string]()
	defer bus.Close()
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	if _, ok := <-sub; ok {
		t.Fatal("unsubscribed channel must be closed")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish("late")
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()
	bus.Close()
	bus.Close()

	if _, ok := <-sub; ok {
		t.Fatal("close must close subscriber channels")
	}
	if ch := bus.Subscribe(); ch == nil {
		t.Fatal("subscribe after close must return a closed channel, not nil")
	} else if _, ok := <-ch; ok {
		t.Fatal("subscribe after close must return a closed channel")
	}
}
