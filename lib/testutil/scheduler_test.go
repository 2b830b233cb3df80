package testutil

import (
	"testing"
	"time"
)

func TestManualSchedulerPostIsDeferred(t *testing.T) {
	s := NewManualScheduler()
	ran := 0
	s.Post(func() {
		ran++
		s.Post(func() { ran++ })
	})
	if ran != 0 {
		t.Fatal("Expected Post not to run the task")
	}
	if n := s.RunPending(); n != 2 {
		t.Errorf("Expected 2 tasks to run, got %d", n)
	}
	if ran != 2 {
		t.Errorf("Expected nested posts to run, got %d", ran)
	}
}

func TestManualSchedulerAdvance(t *testing.T) {
	s := NewManualScheduler()
	start := s.Now()

	var order []string
	s.PostDelayed(2*time.Second, func() { order = append(order, "late") })
	s.PostDelayed(time.Second, func() {
		order = append(order, "early")
		s.PostDelayed(500*time.Millisecond, func() { order = append(order, "chained") })
	})
	cancel := s.PostDelayed(time.Second, func() { order = append(order, "cancelled") })
	cancel()

	if s.PendingTimers() != 3 {
		t.Errorf("Expected 3 live timers, got %d", s.PendingTimers())
	}

	s.Advance(1999 * time.Millisecond)
	if len(order) != 2 || order[0] != "early" || order[1] != "chained" {
		t.Fatalf("Expected [early chained], got %v", order)
	}
	if got := s.Now().Sub(start); got != 1999*time.Millisecond {
		t.Errorf("Expected clock at 1.999s, got %v", got)
	}

	s.Advance(time.Millisecond)
	if len(order) != 3 || order[2] != "late" {
		t.Errorf("Expected late timer to fire, got %v", order)
	}
	if s.PendingTimers() != 0 {
		t.Errorf("Expected no timers left, got %d", s.PendingTimers())
	}
}
