package connectjob

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolverCachesLookups(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(ResolverConfig{
		TTL: time.Minute,
		Lookup: func(_ context.Context, host string) ([]string, error) {
			calls.Add(1)
			return []string{"192.0.2.1"}, nil
		},
	})

	for i := 0; i < 3; i++ {
		addrs, err := r.LookupHost(context.Background(), "example.test")
		if err != nil || len(addrs) != 1 || addrs[0] != "192.0.2.1" {
			t.Fatalf("Unexpected result %v, %v", addrs, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 lookup, got %d", calls.Load())
	}

	r.Purge()
	if r.Len() != 0 {
		t.Errorf("Expected an empty cache after Purge, got %d", r.Len())
	}
	r.LookupHost(context.Background(), "example.test")
	if calls.Load() != 2 {
		t.Errorf("Expected a new lookup after Purge, got %d", calls.Load())
	}
}

func TestResolverIPLiteral(t *testing.T) {
	r := NewResolver(ResolverConfig{
		Lookup: func(context.Context, string) ([]string, error) {
			t.Error("Expected no lookup for an IP literal")
			return nil, nil
		},
	})
	addrs, err := r.LookupHost(context.Background(), "::1")
	if err != nil || len(addrs) != 1 || addrs[0] != "::1" {
		t.Errorf("Expected the literal back, got %v %v", addrs, err)
	}
}

func TestResolverDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(ResolverConfig{
		Lookup: func(context.Context, string) ([]string, error) {
			calls.Add(1)
			return nil, errors.New("no such host")
		},
	})
	for i := 0; i < 2; i++ {
		if _, err := r.LookupHost(context.Background(), "missing.test"); err == nil {
			t.Fatal("Expected a lookup error")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected failures to be retried, got %d lookups", calls.Load())
	}
}

func TestResolverMergesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := NewResolver(ResolverConfig{
		Lookup: func(context.Context, string) ([]string, error) {
			calls.Add(1)
			<-release
			return []string{"192.0.2.7"}, nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.LookupHost(context.Background(), "busy.test"); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	eventually(t, func() bool { return calls.Load() == 1 }, "Expected the lookup to start")
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected one shared lookup, got %d", calls.Load())
	}
}

func TestResolverCallerCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := NewResolver(ResolverConfig{
		Lookup: func(context.Context, string) ([]string, error) {
			<-release
			return []string{"192.0.2.9"}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.LookupHost(ctx, "slow.test"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the caller's deadline, got %v", err)
	}
}
