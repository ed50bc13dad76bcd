package broker

import (
	"sync"
	"time"
)

// scheduler runs delayed callbacks keyed by task ID. Scheduling a key that is
// already pending replaces the earlier callback.
type scheduler struct {
	mu      sync.Mutex
	pending map[string]*scheduled
	stopped bool
	running sync.WaitGroup
}

type scheduled struct {
	timer *time.Timer
}

func newScheduler() *scheduler {
	return &scheduler{pending: make(map[string]*scheduled)}
}

// Schedule arranges for fn to run after delay. It reports false once the
// scheduler has been stopped.
func (s *scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}
	item := &scheduled{}
	item.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.pending[key] != item || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.running.Add(1)
		s.mu.Unlock()
		defer s.running.Done()
		fn()
	})
	s.pending[key] = item
	return true
}

// Cancel drops the pending callback for key and reports whether one existed.
func (s *scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending[key]
	if !ok {
		return false
	}
	item.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending returns the number of callbacks waiting to fire.
func (s *scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending callback and waits for running ones to return.
func (s *scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, item := range s.pending {
		item.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.running.Wait()
}
