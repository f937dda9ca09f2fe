package events

import (
	"testing"
	"time"
)

func TestSubscribeMergesTopics(t *testing.T) {
	b := NewBus()
	stream, unsub := b.Subscribe(10, EventFireDispatched, EventTradeResult)
	defer unsub()

	b.Publish(EventFireDispatched, "f1")
	b.Publish(EventTradeResult, "f2")
	b.Publish(EventAgentConnected, "ignored") // not subscribed

	for _, want := range []Message{
		{Event: EventFireDispatched, Payload: "f1"},
		{Event: EventTradeResult, Payload: "f2"},
	} {
		select {
		case got := <-stream:
			if got != want {
				t.Fatalf("got %+v, expected %+v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("never received %+v", want)
		}
	}

	select {
	case got := <-stream:
		t.Fatalf("unexpected message %+v", got)
	default:
	}
}

func TestUnsubscribeDetachesAndCloses(t *testing.T) {
	b := NewBus()
	stream, unsub := b.Subscribe(1, EventAgentStale)

	if got := b.Subscribers(EventAgentStale); got != 1 {
		t.Fatalf("subscribers=%d, expected 1", got)
	}

	unsub()
	unsub() // second call must be harmless

	if got := b.Subscribers(EventAgentStale); got != 0 {
		t.Fatalf("subscribers=%d after unsub, expected 0", got)
	}
	if _, ok := <-stream; ok {
		t.Fatal("channel still open after unsub")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(1, EventFireRejected)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Buffer 1 and nobody reading: everything past the first is dropped.
		for i := 0; i < 5; i++ {
			b.Publish(EventFireRejected, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("dropped=%d, expected 4", got)
	}
}
