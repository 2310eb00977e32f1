// Package stream fans authorization decisions out to SSE subscribers.
// Slow subscribers are dropped rather than allowed to stall the publisher.
package stream

import (
	"sync"
	"time"
)

// Event types published on the decision stream.
const (
	EventRPTIssued   = "rpt_issued"
	EventRPTUpgraded = "rpt_upgraded"
	EventNeedsInfo   = "needs_info"
	EventDenied      = "denied"
)

// Event is one authorization decision.
type Event struct {
	Type     string    `json:"type"`
	ClientID string    `json:"client_id,omitempty"`
	Ticket   string    `json:"ticket,omitempty"`
	At       time.Time `json:"at"`
}

// Stream is an in-process broadcast hub.
type Stream struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// New returns an empty hub.
func New() *Stream {
	return &Stream{subs: map[chan Event]struct{}{}}
}

// Subscribe registers a buffered subscriber channel and returns it with an
// unsubscribe func. The caller must call the unsubscribe func when done.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber that can take it without
// blocking.
func (s *Stream) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports the current number of subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
