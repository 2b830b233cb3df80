package resilience

import (
	"context"
	"net"
	"sync"
	"time"
)

// MonitorConfig configures an EndpointMonitor.
type MonitorConfig struct {
	Breaker       Config
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultMonitorConfig returns the monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Breaker:       DefaultConfig(),
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// EndpointMonitor probes a local service that every connection of one
// transport depends on, such as a SOCKS proxy or an I2P SAM bridge, and
// drives a Breaker from the results. Connect jobs consult Allow so that a
// dead proxy fails them at once instead of after a dial timeout.
type EndpointMonitor struct {
	mu      sync.RWMutex
	cfg     MonitorConfig
	addr    string
	breaker *Breaker

	lastCheck   time.Time
	lastHealthy time.Time
	healthy     bool

	onDown func()
	onUp   func()

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	probe func(ctx context.Context) error
}

// NewEndpointMonitor returns a monitor for the TCP endpoint addr.
func NewEndpointMonitor(name, addr string, cfg MonitorConfig) *EndpointMonitor {
	d := DefaultMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = d.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}

	m := &EndpointMonitor{
		cfg:     cfg,
		addr:    addr,
		breaker: NewBreaker(name, cfg.Breaker),
		healthy: true,
	}
	m.probe = m.dialProbe
	m.breaker.OnStateChange(stateMetrics)
	return m
}

// SetCallbacks registers functions called when the endpoint goes down or
// comes back. They run on their own goroutine.
func (m *EndpointMonitor) SetCallbacks(onDown, onUp func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDown = onDown
	m.onUp = onUp
}

// Start begins periodic probing. It is a no-op if already running.
func (m *EndpointMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	log.WithField("addr", m.addr).
		WithField("interval", m.cfg.CheckInterval).
		Debug("starting endpoint monitor")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop halts probing and waits for the loop to exit.
func (m *EndpointMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *EndpointMonitor) loop(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes the endpoint once and updates the breaker.
func (m *EndpointMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	err := m.probe(ctx)
	healthy := err == nil

	m.mu.Lock()
	now := m.breaker.cfg.Now()
	m.lastCheck = now
	was := m.healthy
	m.healthy = healthy
	if healthy {
		m.lastHealthy = now
	}
	onDown, onUp := m.onDown, m.onUp
	m.mu.Unlock()

	if healthy {
		if m.breaker.State() != StateClosed {
			m.breaker.Reset()
		}
		if !was && onUp != nil {
			go onUp()
		}
		return true
	}

	log.WithField("addr", m.addr).WithError(err).Debug("endpoint probe failed")
	if m.breaker.State() == StateHalfOpen {
		// The open period ran out; take the probe slot so the failure
		// reopens the breaker for a fresh period.
		m.breaker.Allow()
	}
	m.breaker.RecordFailure()
	if was && onDown != nil {
		go onDown()
	}
	return false
}

func (m *EndpointMonitor) dialProbe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Allow reports whether the endpoint is believed usable.
func (m *EndpointMonitor) Allow() bool {
	return m.breaker.State() != StateOpen
}

// Healthy reports the result of the last probe.
func (m *EndpointMonitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Addr returns the monitored address.
func (m *EndpointMonitor) Addr() string { return m.addr }

// MonitorStats is a snapshot of an EndpointMonitor.
type MonitorStats struct {
	Addr        string    `json:"addr"`
	Healthy     bool      `json:"healthy"`
	LastCheck   time.Time `json:"last_check,omitzero"`
	LastHealthy time.Time `json:"last_healthy,omitzero"`
	Breaker     Stats     `json:"breaker"`
}

// Stats returns a snapshot of the monitor.
func (m *EndpointMonitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStats{
		Addr:        m.addr,
		Healthy:     m.healthy,
		LastCheck:   m.lastCheck,
		LastHealthy: m.lastHealthy,
		Breaker:     m.breaker.Stats(),
	}
}
