package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestLimiterBurstAndRefill(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(10, 5, clock.Now)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("Expected request %d to be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("Expected the 6th request to be denied")
	}

	clock.Advance(100 * time.Millisecond)
	if !l.Allow() {
		t.Error("Expected one token after 100ms at 10/s")
	}
	if l.Allow() {
		t.Error("Expected only one token to have been refilled")
	}

	clock.Advance(time.Hour)
	if got := l.Tokens(); got != 5 {
		t.Errorf("Expected refill to stop at capacity 5, got %v", got)
	}
}

func TestLimiterAllowN(t *testing.T) {
	l := newWithClock(1, 10, newFakeClock().Now)
	if !l.AllowN(7) {
		t.Fatal("Expected 7 of 10 tokens to be allowed")
	}
	if l.AllowN(4) {
		t.Error("Expected 4 more to be denied")
	}
	if !l.AllowN(3) {
		t.Error("Expected the remaining 3 to be allowed")
	}
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	clock := newFakeClock()
	kl := NewKeyed(KeyedConfig{Rate: 1, Burst: 2, Now: clock.Now})
	defer kl.Close()

	for i := 0; i < 2; i++ {
		if !kl.Allow("tcp://a.test:80") {
			t.Fatalf("Expected attempt %d for a to be allowed", i)
		}
	}
	if kl.Allow("tcp://a.test:80") {
		t.Error("Expected a to be limited")
	}
	if !kl.Allow("tcp://b.test:80") {
		t.Error("Expected b to have its own bucket")
	}
	if kl.Len() != 2 {
		t.Errorf("Expected 2 buckets, got %d", kl.Len())
	}
}

func TestKeyedLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	kl := NewKeyed(KeyedConfig{Rate: 1, Burst: 1, IdleTTL: time.Minute, Now: clock.Now})
	defer kl.Close()

	kl.Allow("a")
	clock.Advance(30 * time.Second)
	kl.Allow("b")

	clock.Advance(31 * time.Second)
	if n := kl.Sweep(); n != 1 {
		t.Errorf("Expected only the idle bucket to be swept, got %d", n)
	}
	if kl.Len() != 1 {
		t.Errorf("Expected 1 bucket left, got %d", kl.Len())
	}
}

func TestKeyedLimiterConcurrency(t *testing.T) {
	kl := NewKeyed(KeyedConfig{Rate: 1000, Burst: 100})
	kl.Start()
	defer kl.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				kl.Allow("shared")
			}
		}()
	}
	wg.Wait()
	kl.Close()
}
