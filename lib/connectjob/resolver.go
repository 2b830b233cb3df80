package connectjob

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/go-i2p/sockpool/lib/metrics"
)

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// CacheSize bounds the number of cached hosts.
	CacheSize int
	// TTL is how long a successful lookup is reused.
	TTL time.Duration
	// Timeout bounds one shared lookup.
	Timeout time.Duration
	// Lookup defaults to net.DefaultResolver.LookupHost.
	Lookup LookupFunc
}

// DefaultResolverConfig returns the resolver defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		CacheSize: 1024,
		TTL:       time.Minute,
		Timeout:   10 * time.Second,
	}
}

// Resolver caches host lookups and merges concurrent lookups of the same
// host. Failures are not cached.
type Resolver struct {
	cfg   ResolverConfig
	cache *expirable.LRU[string, []string]
	group singleflight.Group
}

// NewResolver returns a Resolver. Zero fields of cfg take their defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	d := DefaultResolverConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = d.CacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Lookup == nil {
		cfg.Lookup = net.DefaultResolver.LookupHost
	}
	return &Resolver{
		cfg:   cfg,
		cache: expirable.NewLRU[string, []string](cfg.CacheSize, nil, cfg.TTL),
	}
}

// LookupHost returns the addresses for host. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if _, err := netip.ParseAddr(host); err == nil {
		return []string{host}, nil
	}
	if addrs, ok := r.cache.Get(host); ok {
		metrics.ResolverCacheHits.Inc()
		return addrs, nil
	}

	// The shared lookup outlives any single caller's context.
	ch := r.group.DoChan(host, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()

		metrics.ResolverLookups.Inc()
		addrs, err := r.cfg.Lookup(lctx, host)
		if err != nil {
			metrics.ResolverFailures.Inc()
			log.WithField("host", host).WithError(err).Debug("host lookup failed")
			return nil, err
		}
		r.cache.Add(host, addrs)
		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

// Purge drops every cached lookup. It is called on network changes.
func (r *Resolver) Purge() {
	r.cache.Purge()
	log.Debug("resolver cache purged")
}

// Len returns the number of cached hosts.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
