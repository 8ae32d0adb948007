// Package scheduler runs one-shot jobs at a wall-clock time, keyed by a
// name. Scheduling an existing name replaces the pending job, which is
// what makes reminder updates idempotent.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler owns a set of pending timer jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*time.Timer
	stopped bool
	logger  *zap.Logger
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{jobs: make(map[string]*time.Timer), logger: logger}
}

// Schedule arranges for fn to run once at the given time. A job with the
// same name that is still pending is replaced. Times in the past fire
// immediately.
func (s *Scheduler) Schedule(name string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if timer, ok := s.jobs[name]; ok {
		timer.Stop()
		s.logger.Debug("replacing pending job", zap.String("job", name))
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.jobs[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.jobs, name)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the named job if it has not fired yet.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.jobs[name]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.jobs, name)
	return true
}

// Pending reports whether the named job is still scheduled.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Stop cancels every pending job and rejects new ones. Jobs that are
// already running are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, timer := range s.jobs {
		timer.Stop()
		delete(s.jobs, name)
	}
}
