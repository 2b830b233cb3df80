package connectjob

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-i2p/sockpool/lib/pool"
)

// SchemeTCP is the scheme TCPFactory serves.
const SchemeTCP = "tcp"

// TCPFactory builds jobs that resolve the host and dial each address in
// turn until one connects.
type TCPFactory struct {
	Resolver  *Resolver
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewConnectJob implements pool.JobFactory.
func (f *TCPFactory) NewConnectJob(key pool.GroupKey, _ pool.Priority, delegate pool.JobDelegate) pool.ConnectJob {
	return NewJob(key, delegate, f.dial, f.Timeout)
}

func (f *TCPFactory) dial(ctx context.Context, key pool.GroupKey, report func(pool.LoadState)) (net.Conn, error) {
	report(pool.LoadStateResolvingHost)
	addrs, err := f.Resolver.LookupHost(ctx, key.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", key.Host)
	}

	report(pool.LoadStateConnecting)
	d := net.Dialer{KeepAlive: f.KeepAlive}
	port := strconv.Itoa(key.Port)
	var errs []error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
