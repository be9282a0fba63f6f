package dispatch

import (
	"sync"
	"time"
)

// Scheduler owns the per-call release timers. Every assigned call gets
// exactly one timer; the timer fires the completion action after the
// drawn duration, unless the call is abandoned first. Cancel after fire
// is a no-op.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms the release timer for a call. Re-scheduling an already
// armed call replaces the old timer.
func (s *Scheduler) Schedule(callID string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[callID]; ok {
		old.Stop()
	}
	s.timers[callID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, callID)
		s.mu.Unlock()
		fn()
	})
}

// Cancel disarms the timer for a call. Returns true when the timer was
// still pending; false when it already fired or was never armed.
func (s *Scheduler) Cancel(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[callID]
	if !ok {
		return false
	}
	delete(s.timers, callID)
	return t.Stop()
}

// PendingCount returns the number of armed timers, which equals the
// number of calls currently in flight.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer. Shutdown path; completion actions for
// stopped timers never run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
