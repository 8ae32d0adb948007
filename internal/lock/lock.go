// Package lock serializes message handling per conversation. Two
// messages for the same sender must never be processed concurrently,
// while different senders proceed in parallel.
package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockStore hands out per-conversation locks.
type LockStore interface {
	// Acquire blocks until the lock for id is held or ctx is done. The
	// returned release function must be called exactly once.
	Acquire(ctx context.Context, id string) (release func(), err error)
}

type entry struct {
	sem     *semaphore.Weighted
	waiters int
}

// InProcess implements LockStore with one weighted semaphore per
// conversation id. Entries are dropped as soon as nobody holds or waits
// for them, so the map does not grow with the number of senders seen.
type InProcess struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewInProcess creates an empty lock store.
func NewInProcess() *InProcess {
	return &InProcess{locks: make(map[string]*entry)}
}

func (s *InProcess) Acquire(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	e, ok := s.locks[id]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		s.locks[id] = e
	}
	e.waiters++
	s.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		s.drop(id, e)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.sem.Release(1)
			s.drop(id, e)
		})
	}
	return release, nil
}

func (s *InProcess) drop(id string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.waiters--
	if e.waiters == 0 {
		delete(s.locks, id)
	}
}

// Size returns the number of conversations currently locked or contended.
func (s *InProcess) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
