// Package netwatch polls the host's interface addresses and tells observers
// when the set changes. The pool treats such a change like a network
// change notification and stops reusing its sockets.
package netwatch

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/go-i2p/sockpool/lib/metrics"
)

// AddrsFunc lists the current interface addresses.
type AddrsFunc func() ([]net.Addr, error)

// Config configures a Watcher.
type Config struct {
	// PollInterval is how often addresses are listed.
	PollInterval time.Duration
	// Addrs defaults to net.InterfaceAddrs.
	Addrs AddrsFunc
}

// DefaultConfig returns the watcher defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

// Watcher polls interface addresses.
type Watcher struct {
	mu        sync.Mutex
	cfg       Config
	observers []func()
	current   []netip.Addr
	baseline  bool
	changes   uint64
	lastCheck time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a stopped watcher.
func New(cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Addrs == nil {
		cfg.Addrs = net.InterfaceAddrs
	}
	return &Watcher{cfg: cfg}
}

// Subscribe registers fn to run on every change, in subscription order.
func (w *Watcher) Subscribe(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, fn)
}

// Start takes a baseline and polls until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.WithField("interval", w.cfg.PollInterval).Debug("starting network watcher")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Debug("network watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	w.Check()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check lists addresses once and notifies observers if the set differs from
// the last successful listing. The first listing only sets the baseline.
func (w *Watcher) Check() bool {
	raw, err := w.cfg.Addrs()
	if err != nil {
		log.WithError(err).Warn("listing interface addresses failed")
		return false
	}
	addrs := normalize(raw)

	w.mu.Lock()
	w.lastCheck = time.Now()
	if !w.baseline {
		w.baseline = true
		w.current = addrs
		w.mu.Unlock()
		return false
	}
	if slices.Equal(w.current, addrs) {
		w.mu.Unlock()
		return false
	}
	added, removed := lo.Difference(addrs, w.current)
	w.current = addrs
	w.changes++
	observers := slices.Clone(w.observers)
	w.mu.Unlock()

	metrics.NetworkChanges.Inc()
	log.WithField("added", lo.Map(added, addrString)).
		WithField("removed", lo.Map(removed, addrString)).
		Info("network change detected")

	for _, fn := range observers {
		fn()
	}
	return true
}

func addrString(a netip.Addr, _ int) string { return a.String() }

// normalize keeps routable addresses, sorted and deduplicated. Loopback and
// link-local addresses come and go without affecting reachability.
func normalize(raw []net.Addr) []netip.Addr {
	addrs := lo.FilterMap(raw, func(a net.Addr, _ int) (netip.Addr, bool) {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return netip.Addr{}, false
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
			return netip.Addr{}, false
		}
		return addr, true
	})
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(addrs)
}

// Addrs returns the addresses from the last successful listing.
func (w *Watcher) Addrs() []netip.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.current)
}

// Changes returns how many changes have been reported.
func (w *Watcher) Changes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changes
}

// LastCheck returns when addresses were last listed successfully.
func (w *Watcher) LastCheck() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCheck
}
