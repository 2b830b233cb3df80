package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/sockpool/lib/connectjob"
	"github.com/go-i2p/sockpool/lib/debug"
	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/netwatch"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/ratelimit"
	"github.com/go-i2p/sockpool/lib/resilience"
)

// ServiceState represents the current state of the service.
type ServiceState int

const (
	// StateInitial is the state before Start is called.
	StateInitial ServiceState = iota
	// StateStarting means components are being built.
	StateStarting
	// StateRunning means the pool accepts requests.
	StateRunning
	// StateStopping means the service is shutting down.
	StateStopping
	// StateStopped means every component has been closed.
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Service owns a pool and everything around it: the connect-job router and
// its transports, the admission guards, the network watcher and the debug
// server. Components are built on Start and closed on Stop.
type Service struct {
	mu     sync.RWMutex
	config *Config
	state  ServiceState

	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	onStateChange func(oldState, newState ServiceState)

	pool     *pool.Pool
	router   *connectjob.Router
	resolver *connectjob.Resolver
	breakers *resilience.BreakerSet
	limiter  *ratelimit.KeyedLimiter
	monitors []*resilience.EndpointMonitor
	garlic   *connectjob.GarlicFactory
	tunnel   *connectjob.Tunnel
	watcher  *netwatch.Watcher
	debug    *debug.Server
	// actions limits debug server POSTs.
	actions *ratelimit.KeyedLimiter
}

// NewService validates cfg and returns a stopped service.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", poolerrors.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		config: cfg,
		state:  StateInitial,
		done:   make(chan struct{}),
	}, nil
}

// Start builds and starts every enabled component. On error everything
// already built is closed again.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitial && s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("cannot start service in state %s", s.state)
	}
	oldState := s.state
	s.state = StateStarting
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.emitStateChange(oldState, StateStarting)

	if err := s.build(); err != nil {
		s.teardown()
		s.transitionTo(StateStopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, m := range s.monitors {
		m.Start(runCtx)
	}
	if s.limiter != nil {
		s.limiter.Start()
	}
	if s.watcher != nil {
		s.watcher.Start(runCtx)
	}
	if s.debug != nil {
		if err := s.debug.Start(); err != nil {
			cancel()
			s.teardown()
			s.transitionTo(StateStopped)
			return err
		}
	}

	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.emitStateChange(StateStarting, StateRunning)

	log.WithField("schemes", s.router.Schemes()).
		WithField("max_sockets", s.config.Pool.MaxSockets).
		WithField("max_sockets_per_group", s.config.Pool.MaxSocketsPerGroup).
		Info("service started")

	go s.run(runCtx)
	return nil
}

func (s *Service) build() error {
	cfg := s.config
	s.resolver = connectjob.NewResolver(cfg.ResolverConfig())

	var opts []connectjob.RouterOption
	if cfg.Breaker.Enabled {
		set, err := resilience.NewBreakerSet(cfg.BreakerConfig(), cfg.Breaker.Destinations)
		if err != nil {
			return fmt.Errorf("creating breakers: %w", err)
		}
		s.breakers = set
		opts = append(opts, connectjob.WithBreakers(set))
	}
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.NewKeyed(cfg.RateLimitConfig())
		opts = append(opts, connectjob.WithRateLimit(s.limiter))
	}
	s.router = connectjob.NewRouter(opts...)

	s.router.Register(connectjob.SchemeTCP, &connectjob.TCPFactory{
		Resolver:  s.resolver,
		Timeout:   cfg.Connect.Timeout.D(),
		KeepAlive: cfg.Connect.KeepAlive.D(),
	})

	if cfg.SOCKS.Enabled {
		m := s.newMonitor("socks5", cfg.SOCKS.ProxyAddr)
		f, err := connectjob.NewSOCKSFactory(cfg.SOCKSConfig(), m)
		if err != nil {
			return fmt.Errorf("creating SOCKS factory: %w", err)
		}
		s.router.Register(connectjob.SchemeSOCKS5, f)
	}
	if cfg.I2P.Enabled {
		m := s.newMonitor("sam", cfg.I2P.SAMAddress)
		s.garlic = connectjob.NewGarlicFactory(cfg.GarlicConfig(), m)
		s.router.Register(connectjob.SchemeI2P, s.garlic)
	}
	if cfg.Tunnel.Enabled {
		tc, err := cfg.TunnelConfig()
		if err != nil {
			return err
		}
		t, err := connectjob.NewTunnel(tc)
		if err != nil {
			return err
		}
		s.tunnel = t
		s.router.Register(connectjob.SchemeWireGuard, t)
	}

	p, err := pool.New(s.router, cfg.PoolConfig())
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	s.pool = p

	if cfg.Network.Watch {
		s.watcher = netwatch.New(netwatch.Config{PollInterval: cfg.Network.PollInterval.D()})
		s.watcher.Subscribe(p.OnNetworkChange)
		s.watcher.Subscribe(s.resolver.Purge)
	}

	if cfg.Debug.Enabled {
		s.actions = ratelimit.NewKeyed(ratelimit.KeyedConfig{Rate: 1, Burst: 5})
		srv, err := debug.New(debug.Config{
			Listen:      cfg.Debug.Listen,
			Pool:        p,
			Breakers:    s.breakers,
			Monitors:    s.monitors,
			Schemes:     s.router.Schemes,
			ActionLimit: s.actions,
		})
		if err != nil {
			return err
		}
		s.debug = srv
	}
	return nil
}

// newMonitor watches a proxy endpoint. Losing it drops the idle sockets
// that went through it.
func (s *Service) newMonitor(name, addr string) *resilience.EndpointMonitor {
	m := resilience.NewEndpointMonitor(name, addr, s.config.MonitorConfig())
	m.SetCallbacks(func() {
		log.WithField("endpoint", name).WithField("addr", addr).Warn("endpoint down, closing idle sockets")
		s.mu.RLock()
		p := s.pool
		s.mu.RUnlock()
		if p != nil {
			p.CloseIdleSockets()
		}
	}, func() {
		log.WithField("endpoint", name).WithField("addr", addr).Info("endpoint back up")
	})
	s.monitors = append(s.monitors, m)
	return m
}

// teardown closes every built component in reverse order.
func (s *Service) teardown() error {
	var errs []error
	if s.debug != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.debug.Stop(ctx))
		cancel()
	}
	if s.actions != nil {
		s.actions.Close()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	for _, m := range s.monitors {
		m.Stop()
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil && !errors.Is(err, poolerrors.ErrPoolClosed) {
			errs = append(errs, err)
		}
	}
	if s.garlic != nil {
		errs = append(errs, s.garlic.Close())
	}
	if s.tunnel != nil {
		errs = append(errs, s.tunnel.Close())
	}

	s.mu.Lock()
	s.debug, s.actions, s.watcher, s.monitors, s.limiter = nil, nil, nil, nil, nil
	s.pool, s.garlic, s.tunnel, s.breakers = nil, nil, nil, nil
	s.mu.Unlock()
	return errors.Join(errs...)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	<-ctx.Done()

	log.Info("service shutting down")
	if err := s.teardown(); err != nil {
		log.WithError(err).Warn("errors while closing components")
	}
	s.transitionTo(StateStopped)
}

// Stop shuts the service down and waits for it, or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("cannot stop service in state %s", s.state)
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.emitStateChange(StateRunning, StateStopping)
	cancel()

	select {
	case <-done:
		log.Info("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) transitionTo(state ServiceState) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	s.emitStateChange(old, state)
}

// State returns the current state.
func (s *Service) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pool returns the running pool, or nil when stopped.
func (s *Service) Pool() *pool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Router returns the connect-job router of the current run.
func (s *Service) Router() *connectjob.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// DebugAddr returns the debug server's bound address, or "".
func (s *Service) DebugAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.debug == nil {
		return ""
	}
	return s.debug.Addr()
}

// Done is closed when the service has stopped.
func (s *Service) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Uptime returns how long the service has been running.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() || s.state != StateRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

// SetOnStateChange sets a callback invoked synchronously on transitions.
func (s *Service) SetOnStateChange(fn func(oldState, newState ServiceState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

func (s *Service) emitStateChange(oldState, newState ServiceState) {
	s.mu.RLock()
	fn := s.onStateChange
	s.mu.RUnlock()
	if fn != nil {
		fn(oldState, newState)
	}
}
