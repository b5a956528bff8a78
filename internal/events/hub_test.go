package events

import (
	"testing"
	"time"
)

func TestHub_PublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	ch, unsub := hub.Subscribe(4)
	defer unsub()

	hub.Publish(Event{Type: TypeRunStatusChanged, Data: RunStatusData{RunID: "r1", Status: "running"}})

	select {
	case e := <-ch:
		if e.Type != TypeRunStatusChanged {
			t.Errorf("Type = %q, want %q", e.Type, TypeRunStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, unsub := hub.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(Event{Type: TypeLogLineAppended})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, unsub := hub.Subscribe(4)
	unsub()

	hub.Publish(Event{Type: TypeRunStatusChanged})

	select {
	case _, open := <-ch:
		if open {
			t.Error("received event after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}
}
