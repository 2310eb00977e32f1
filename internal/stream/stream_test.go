package stream

import (
	"testing"
	"time"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	s := New()
	ch1, stop1 := s.Subscribe()
	ch2, stop2 := s.Subscribe()
	defer stop1()
	defer stop2()

	s.Publish(Event{Type: EventRPTIssued, ClientID: "client-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != EventRPTIssued || e.ClientID != "client-1" {
				t.Fatalf("event = %+v", e)
			}
			if e.At.IsZero() {
				t.Fatal("expected the timestamp stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("event never arrived")
		}
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	s := New()
	ch, stop := s.Subscribe()
	defer stop()

	for i := 0; i < 20; i++ {
		s.Publish(Event{Type: EventDenied})
	}
	if got := len(ch); got != 16 {
		t.Fatalf("buffered = %d, want the overflow dropped at 16", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New()
	ch, stop := s.Subscribe()
	if s.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", s.SubscriberCount())
	}
	stop()
	if s.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", s.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Fatal("expected the channel closed")
	}

	// A publish after unsubscribe must not panic on the closed channel.
	s.Publish(Event{Type: EventNeedsInfo})
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := New()
	_, stop := s.Subscribe()
	stop()
	stop()
	if s.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", s.SubscriberCount())
	}
}

func TestKeepsImmediateStampWhenSet(t *testing.T) {
	s := New()
	ch, stop := s.Subscribe()
	defer stop()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Publish(Event{Type: EventRPTUpgraded, At: at})
	e := <-ch
	if !e.At.Equal(at) {
		t.Fatalf("at = %v, want the caller's stamp kept", e.At)
	}
}
