package connectjob

import (
	"slices"
	"sync"

	"github.com/samber/lo"
	"github.com/samber/oops"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/ratelimit"
	"github.com/go-i2p/sockpool/lib/resilience"
)

// Router is a pool.JobFactory that hands each key to the factory
// registered for its scheme. Attempts rejected by the rate limiter or the
// destination's circuit breaker fail synchronously.
type Router struct {
	mu        sync.RWMutex
	factories map[string]pool.JobFactory
	breakers  *resilience.BreakerSet
	limiter   *ratelimit.KeyedLimiter
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBreakers guards destinations with circuit breakers from set.
func WithBreakers(set *resilience.BreakerSet) RouterOption {
	return func(r *Router) { r.breakers = set }
}

// WithRateLimit limits connect attempts per destination.
func WithRateLimit(l *ratelimit.KeyedLimiter) RouterOption {
	return func(r *Router) { r.limiter = l }
}

// NewRouter returns a router with no schemes registered.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{factories: make(map[string]pool.JobFactory)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register routes scheme to f, replacing any earlier registration.
func (r *Router) Register(scheme string, f pool.JobFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

// Schemes returns the registered schemes in order.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := lo.Keys(r.factories)
	slices.Sort(schemes)
	return schemes
}

// NewConnectJob implements pool.JobFactory.
func (r *Router) NewConnectJob(key pool.GroupKey, priority pool.Priority, delegate pool.JobDelegate) pool.ConnectJob {
	r.mu.RLock()
	f, ok := r.factories[key.Scheme]
	r.mu.RUnlock()

	errb := oops.In("connectjob").With("group", key.String())
	if !ok {
		return FailedJob{Err: errb.Code("unsupported_scheme").
			Wrapf(poolerrors.ErrUnsupportedScheme, "no transport for scheme %q", key.Scheme)}
	}

	dest := key.String()
	if r.limiter != nil && !r.limiter.Allow(dest) {
		return FailedJob{Err: errb.Code("rate_limited").
			Wrapf(poolerrors.ErrRateLimited, "too many connect attempts to %s", dest)}
	}
	if r.breakers != nil {
		if err := r.breakers.Allow(dest); err != nil {
			return FailedJob{Err: errb.Code("circuit_open").Wrap(err)}
		}
	}

	g := &guardedJob{delegate: delegate}
	if r.breakers != nil {
		g.record = func(err error) { r.breakers.Record(dest, err) }
	}
	g.inner = f.NewConnectJob(key, priority, g)
	return g
}

// guardedJob reports exactly one outcome of the inner job to the
// destination's breaker.
type guardedJob struct {
	inner    pool.ConnectJob
	delegate pool.JobDelegate
	record   func(error)
	once     sync.Once
}

func (g *guardedJob) report(err error) {
	if g.record != nil {
		g.once.Do(func() { g.record(err) })
	}
}

// Connect implements pool.ConnectJob.
func (g *guardedJob) Connect() (pool.Status, pool.Socket, error) {
	status, sock, err := g.inner.Connect()
	if status == pool.StatusComplete {
		g.report(err)
	}
	return status, sock, err
}

// Cancel implements pool.ConnectJob.
func (g *guardedJob) Cancel() {
	g.inner.Cancel()
	g.report(poolerrors.ErrCancelled)
}

// LoadState implements pool.ConnectJob.
func (g *guardedJob) LoadState() pool.LoadState {
	return g.inner.LoadState()
}

// OnConnectJobComplete implements pool.JobDelegate.
func (g *guardedJob) OnConnectJobComplete(sock pool.Socket, err error) {
	g.report(err)
	g.delegate.OnConnectJobComplete(sock, err)
}
