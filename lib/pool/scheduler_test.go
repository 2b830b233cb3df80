package pool_test

import (
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/sockpool/lib/pool"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	loop := pool.NewEventLoop()
	defer loop.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := range 5 {
		loop.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("Expected FIFO order, got %v", got)
		}
	}
}

func TestEventLoopNeverRunsInline(t *testing.T) {
	loop := pool.NewEventLoop()
	defer loop.Close()

	ran := make(chan struct{})
	var mu sync.Mutex
	mu.Lock()
	loop.Post(func() {
		// Blocks until Post has returned to a caller that still holds mu.
		mu.Lock()
		mu.Unlock()
		close(ran)
	})
	mu.Unlock()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Expected the posted task to run")
	}
}

func TestEventLoopPostDelayedCancel(t *testing.T) {
	loop := pool.NewEventLoop()
	defer loop.Close()

	fired := make(chan struct{}, 1)
	cancel := loop.PostDelayed(20*time.Millisecond, func() { fired <- struct{}{} })
	cancel()

	kept := make(chan struct{})
	loop.PostDelayed(10*time.Millisecond, func() { close(kept) })

	select {
	case <-kept:
	case <-time.After(time.Second):
		t.Fatal("Expected the uncancelled timer to fire")
	}
	select {
	case <-fired:
		t.Error("Expected the cancelled timer not to fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventLoopCloseDrainsQueue(t *testing.T) {
	loop := pool.NewEventLoop()

	block := make(chan struct{})
	loop.Post(func() { <-block })
	count := 0
	for range 3 {
		loop.Post(func() { count++ })
	}
	loop.Close()
	loop.Post(func() { count += 100 })
	close(block)

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected the loop to exit after Close")
	}
	if count != 3 {
		t.Errorf("Expected 3 queued tasks to run, got %d", count)
	}
}
