// Package testutil provides deterministic doubles for testing the socket pool
// and the packages built around it.
package testutil

import (
	"slices"
	"sync"
	"time"
)

// ManualScheduler is a pool.Scheduler driven by the test. Posted tasks run
// only inside RunPending or Advance, and delayed tasks only fire when
// Advance moves the fake clock past them.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	tasks  []func()
	timers []*manualTimer
	seq    uint64
}

type manualTimer struct {
	at        time.Time
	seq       uint64
	task      func()
	cancelled bool
}

// NewManualScheduler returns a scheduler whose clock starts at a fixed instant.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Now returns the fake time. Pass it as pool.Config.Now.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Post queues task.
func (s *ManualScheduler) Post(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// PostDelayed queues task to run once the clock reaches now+delay.
func (s *ManualScheduler) PostDelayed(delay time.Duration, task func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &manualTimer{at: s.now.Add(delay), seq: s.seq, task: task}
	s.timers = append(s.timers, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// RunPending runs queued tasks, including ones they post, until none are
// left. It returns how many ran.
func (s *ManualScheduler) RunPending() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return n
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		task()
		n++
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// running everything they post. It returns how many tasks ran.
func (s *ManualScheduler) Advance(d time.Duration) int {
	n := s.RunPending()

	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextTimerLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return n
		}
		s.now = next.at
		s.tasks = append(s.tasks, next.task)
		s.mu.Unlock()

		n += s.RunPending()
	}
}

// nextTimerLocked removes and returns the earliest live timer due by target.
func (s *ManualScheduler) nextTimerLocked(target time.Time) *manualTimer {
	s.timers = slices.DeleteFunc(s.timers, func(t *manualTimer) bool { return t.cancelled })
	best := -1
	for i, t := range s.timers {
		if t.at.After(target) {
			continue
		}
		if best < 0 || t.at.Before(s.timers[best].at) ||
			(t.at.Equal(s.timers[best].at) && t.seq < s.timers[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	t := s.timers[best]
	s.timers = slices.Delete(s.timers, best, best+1)
	return t
}

// PendingTasks returns the number of queued, not yet run, tasks.
func (s *ManualScheduler) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// PendingTimers returns the number of live delayed tasks.
func (s *ManualScheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}
