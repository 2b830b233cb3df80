package connectjob

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/resilience"
)

// SchemeI2P is the scheme GarlicFactory serves.
const SchemeI2P = pool.SchemeI2P

// DefaultSAMAddress is the usual SAM bridge address of a local I2P router.
const DefaultSAMAddress = "127.0.0.1:7656"

// GarlicConfig configures a GarlicFactory.
type GarlicConfig struct {
	// Name names the SAM session; it also keys persisted tunnel keys.
	Name    string
	SAMAddr string
	// Options are SAM tunnel options such as "inbound.length=2". Empty means
	// onramp.OPT_DEFAULTS.
	Options []string
	Timeout time.Duration
}

// GarlicFactory builds jobs that open I2P streaming connections through a
// SAM bridge. One SAM session is shared by every job and created on first
// use.
type GarlicFactory struct {
	cfg     GarlicConfig
	monitor *resilience.EndpointMonitor

	mu     sync.Mutex
	garlic *onramp.Garlic
	closed bool
}

// NewGarlicFactory returns a factory for cfg. monitor may be nil; when set,
// jobs fail at once while it reports the SAM bridge down.
func NewGarlicFactory(cfg GarlicConfig, monitor *resilience.EndpointMonitor) *GarlicFactory {
	if cfg.SAMAddr == "" {
		cfg.SAMAddr = DefaultSAMAddress
	}
	if cfg.Name == "" {
		cfg.Name = "sockpool"
	}
	return &GarlicFactory{cfg: cfg, monitor: monitor}
}

// NewConnectJob implements pool.JobFactory.
func (f *GarlicFactory) NewConnectJob(key pool.GroupKey, _ pool.Priority, delegate pool.JobDelegate) pool.ConnectJob {
	if f.monitor != nil && !f.monitor.Allow() {
		return FailedJob{Err: fmt.Errorf("SAM bridge %s is down: %w", f.cfg.SAMAddr, poolerrors.ErrCircuitOpen)}
	}
	return NewJob(key, delegate, f.dial, f.cfg.Timeout)
}

func (f *GarlicFactory) session() (*onramp.Garlic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, poolerrors.ErrClosed
	}
	if f.garlic != nil {
		return f.garlic, nil
	}

	opts := f.cfg.Options
	if len(opts) == 0 {
		opts = onramp.OPT_DEFAULTS
	}
	g, err := onramp.NewGarlic(f.cfg.Name, f.cfg.SAMAddr, opts)
	if err != nil {
		return nil, fmt.Errorf("SAM session %s at %s: %w", f.cfg.Name, f.cfg.SAMAddr, err)
	}
	log.WithField("name", f.cfg.Name).WithField("sam", f.cfg.SAMAddr).Info("opened I2P session")
	f.garlic = g
	return g, nil
}

// The SAM dial has no context; a connection that arrives after ctx is done
// is closed.
func (f *GarlicFactory) dial(ctx context.Context, key pool.GroupKey, report func(pool.LoadState)) (net.Conn, error) {
	// Destination lookup happens inside the router during the dial.
	report(pool.LoadStateResolvingHost)
	g, err := f.session()
	if err != nil {
		return nil, err
	}
	report(pool.LoadStateConnecting)

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := g.Dial("tcp", key.Host)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("i2p dial %s: %w", shortDestination(key.Host), r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close tears down the SAM session.
func (f *GarlicFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.garlic == nil {
		return nil
	}
	err := f.garlic.Close()
	f.garlic = nil
	return err
}

// shortDestination renders full base64 destinations as their base32
// address so logs stay readable.
func shortDestination(host string) string {
	if strings.HasSuffix(host, ".i2p") {
		return host
	}
	addr, err := i2pkeys.NewI2PAddrFromString(host)
	if err != nil {
		return host
	}
	return addr.Base32()
}
