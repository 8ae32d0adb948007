// Package store persists conversation trackers as event streams. A
// tracker is never stored whole: only its events are, and reading one
// back replays those events in insertion order.
package store

import (
	"context"
	"sort"
	"sync"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// TrackerStore is the persistence boundary for conversation state.
type TrackerStore interface {
	// GetOrCreate returns the tracker for senderID, creating a fresh one
	// seeded with the domain's initial slot values if none exists.
	GetOrCreate(ctx context.Context, senderID string, d *domain.Domain) (*tracker.Tracker, error)
	// Retrieve returns the stored tracker, or nil if the sender is unknown.
	Retrieve(ctx context.Context, senderID string, d *domain.Domain) (*tracker.Tracker, error)
	// Save persists every event of the tracker not yet stored.
	Save(ctx context.Context, tr *tracker.Tracker) error
	// Keys lists all known sender ids.
	Keys(ctx context.Context) ([]string, error)
}

// InMemory keeps event streams in a map. Suitable for tests and
// single-process deployments without durability needs.
type InMemory struct {
	mu      sync.RWMutex
	streams map[string][]events.Event
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{streams: make(map[string][]events.Event)}
}

func (s *InMemory) GetOrCreate(ctx context.Context, senderID string, d *domain.Domain) (*tracker.Tracker, error) {
	tr, err := s.Retrieve(ctx, senderID, d)
	if err != nil || tr != nil {
		return tr, err
	}
	return tracker.New(senderID, d.InitialSlotValues()), nil
}

func (s *InMemory) Retrieve(_ context.Context, senderID string, d *domain.Domain) (*tracker.Tracker, error) {
	s.mu.RLock()
	stream, ok := s.streams[senderID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	tr := tracker.New(senderID, d.InitialSlotValues())
	for _, ev := range stream {
		tr.Update(ev)
	}
	return tr, nil
}

func (s *InMemory) Save(_ context.Context, tr *tracker.Tracker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[tr.SenderID()] = append([]events.Event(nil), tr.Events()...)
	return nil
}

func (s *InMemory) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
