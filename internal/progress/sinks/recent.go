package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/tenderscan/internal/progress"
)

const defaultRecentCapacity = 200

// RecentSink keeps the most recent events in memory for the status endpoint.
type RecentSink struct {
	mu       sync.RWMutex
	capacity int
	ring     []progress.Event
	next     int
	full     bool
}

// NewRecentSink returns a sink retaining up to capacity events.
func NewRecentSink(capacity int) *RecentSink {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &RecentSink{capacity: capacity, ring: make([]progress.Event, capacity)}
}

// Consume appends the batch, overwriting the oldest events once full.
func (s *RecentSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.ring[s.next] = evt
		s.next = (s.next + 1) % s.capacity
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Events returns up to limit retained events, oldest first. limit <= 0
// returns everything retained.
func (s *RecentSink) Events(limit int) []progress.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []progress.Event
	if s.full {
		out = append(out, s.ring[s.next:]...)
	}
	out = append(out, s.ring[:s.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *RecentSink) Close(context.Context) error {
	return nil
}
