package netwatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeAddrs serves a settable address list.
type fakeAddrs struct {
	mu    sync.Mutex
	addrs []string
	err   error
}

func (f *fakeAddrs) set(addrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs, f.err = addrs, nil
}

func (f *fakeAddrs) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAddrs) list() ([]net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]net.Addr, 0, len(f.addrs))
	for _, s := range f.addrs {
		ip, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		out = append(out, &net.IPNet{IP: ip, Mask: n.Mask})
	}
	return out, nil
}

func TestCheckDetectsChanges(t *testing.T) {
	src := &fakeAddrs{}
	src.set("192.168.1.10/24", "127.0.0.1/8")
	w := New(Config{Addrs: src.list})

	var calls []string
	w.Subscribe(func() { calls = append(calls, "pool") })
	w.Subscribe(func() { calls = append(calls, "resolver") })

	tests := []struct {
		name    string
		addrs   []string
		changed bool
	}{
		{"baseline", []string{"192.168.1.10/24", "127.0.0.1/8"}, false},
		{"unchanged", []string{"127.0.0.1/8", "192.168.1.10/24"}, false},
		{"loopback only change", []string{"192.168.1.10/24", "127.0.0.2/8"}, false},
		{"link local change", []string{"192.168.1.10/24", "fe80::1/64"}, false},
		{"new address", []string{"192.168.1.10/24", "10.0.0.5/8"}, true},
		{"address removed", []string{"10.0.0.5/8"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.set(tt.addrs...)
			if got := w.Check(); got != tt.changed {
				t.Errorf("Expected changed=%v, got %v", tt.changed, got)
			}
		})
	}

	if w.Changes() != 2 {
		t.Errorf("Expected 2 changes, got %d", w.Changes())
	}
	want := []string{"pool", "resolver", "pool", "resolver"}
	if len(calls) != len(want) {
		t.Fatalf("Expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, calls)
			break
		}
	}
	if got := w.Addrs(); len(got) != 1 || got[0].String() != "10.0.0.5" {
		t.Errorf("Expected [10.0.0.5], got %v", got)
	}
}

func TestCheckKeepsBaselineOnError(t *testing.T) {
	src := &fakeAddrs{}
	src.set("192.168.1.10/24")
	w := New(Config{Addrs: src.list})
	w.Check()

	src.fail(errors.New("netlink unavailable"))
	if w.Check() {
		t.Error("Expected no change on listing error")
	}

	src.set("192.168.1.10/24")
	if w.Check() {
		t.Error("Expected no change after recovery with the same addresses")
	}
}

func TestWatcherLoop(t *testing.T) {
	src := &fakeAddrs{}
	src.set("192.168.1.10/24")
	w := New(Config{PollInterval: 5 * time.Millisecond, Addrs: src.list})

	notified := make(chan struct{}, 1)
	w.Subscribe(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	w.Start(context.Background())
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for w.LastCheck().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never polled")
		}
		time.Sleep(time.Millisecond)
	}

	src.set("192.168.1.11/24")
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a change notification")
	}

	w.Stop()
	w.Stop()
}
