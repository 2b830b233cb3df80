package connectjob

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/resilience"
)

// SchemeSOCKS5 is the scheme SOCKSFactory serves.
const SchemeSOCKS5 = "socks5"

// SOCKSConfig configures a SOCKSFactory.
type SOCKSConfig struct {
	// ProxyAddr is the proxy's host:port.
	ProxyAddr string
	Username  string
	Password  string
	Timeout   time.Duration
}

// SOCKSFactory builds jobs that connect through a SOCKS5 proxy. The proxy
// resolves host names.
type SOCKSFactory struct {
	cfg     SOCKSConfig
	dialer  proxy.ContextDialer
	monitor *resilience.EndpointMonitor
}

// NewSOCKSFactory returns a factory for cfg. monitor may be nil; when set,
// jobs fail at once while it reports the proxy down.
func NewSOCKSFactory(cfg SOCKSConfig, monitor *resilience.EndpointMonitor) (*SOCKSFactory, error) {
	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}
	d, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("connectjob: socks5 proxy %s: %w", cfg.ProxyAddr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("connectjob: socks5 dialer for %s has no DialContext", cfg.ProxyAddr)
	}
	return &SOCKSFactory{cfg: cfg, dialer: cd, monitor: monitor}, nil
}

// NewConnectJob implements pool.JobFactory.
func (f *SOCKSFactory) NewConnectJob(key pool.GroupKey, _ pool.Priority, delegate pool.JobDelegate) pool.ConnectJob {
	if f.monitor != nil && !f.monitor.Allow() {
		return FailedJob{Err: fmt.Errorf("socks5 proxy %s is down: %w", f.cfg.ProxyAddr, poolerrors.ErrCircuitOpen)}
	}
	return NewJob(key, delegate, f.dial, f.cfg.Timeout)
}

func (f *SOCKSFactory) dial(ctx context.Context, key pool.GroupKey, report func(pool.LoadState)) (net.Conn, error) {
	report(pool.LoadStateConnecting)
	return f.dialer.DialContext(ctx, "tcp", key.Address())
}
