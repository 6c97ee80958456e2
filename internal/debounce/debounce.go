// Package debounce runs an action once a key has been quiet for a delay.
package debounce

import (
	"sync"
	"time"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler keeps at most one pending timer per file. Scheduling a file that
// already has a timer cancels it and starts a new wait (trailing edge).
type Scheduler struct {
	mu      sync.Mutex
	pending map[fileid.ID]*pending
	gen     uint64
	stopped bool

	// running counts actions that have fired and not yet returned.
	running sync.WaitGroup
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{
		pending: make(map[fileid.ID]*pending),
	}
}

// Schedule arms action to run after delay, replacing any pending timer for
// id. It returns false if the scheduler has been stopped.
func (s *Scheduler) Schedule(id fileid.ID, delay time.Duration, action func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if p, ok := s.pending[id]; ok {
		p.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.pending[id] = &pending{
		gen: gen,
		timer: time.AfterFunc(delay, func() {
			s.fire(id, gen, action)
		}),
	}
	return true
}

// fire removes the pending entry, then runs the action. A timer that was
// replaced or stopped after it started firing finds no matching entry and
// exits. The action is counted as running before the lock is released, so
// Wait after Stop covers it.
func (s *Scheduler) fire(id fileid.ID, gen uint64, action func()) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	metrics.RecordDebounceFired()
	action()
}

// Cancel stops the pending timer for id. It reports whether one existed.
func (s *Scheduler) Cancel(id fileid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, id)
	return true
}

// Pending reports whether id has an armed timer.
func (s *Scheduler) Pending(id fileid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Keys returns the IDs with armed timers.
func (s *Scheduler) Keys() []fileid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]fileid.ID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every action that has fired returns. Call it after Stop;
// before Stop new actions may start at any time.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// Stop cancels every pending timer and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}
