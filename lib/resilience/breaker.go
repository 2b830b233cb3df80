// Package resilience guards connection attempts with circuit breakers.
//
// A Breaker watches the outcomes of connect attempts to one destination.
// After FailureThreshold consecutive failures it opens and rejects attempts
// until OpenTimeout has passed, then lets a few probe attempts through
// (half-open). Enough probe successes close it again; one probe failure
// reopens it.
//
//	Closed -> Open -> HalfOpen -> Closed
//	           ^          |
//	           +----------+ (probe failed)
package resilience

import (
	"sync"
	"time"
)

// State is a breaker state.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota
	// StateOpen rejects attempts.
	StateOpen
	// StateHalfOpen lets a limited number of probe attempts through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int `toml:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int `toml:"success_threshold"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `toml:"open_timeout"`
	// MaxHalfOpenRequests caps concurrent probe attempts.
	MaxHalfOpenRequests int `toml:"max_half_open_requests"`
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time `toml:"-"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = d.MaxHalfOpenRequests
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Breaker is a circuit breaker for one destination.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	name string

	state    State
	failures int
	// successes counts half-open successes.
	successes int
	probes    int

	lastFailure time.Time
	lastChange  time.Time
	openedAt    time.Time

	onChange func(name string, from, to State)
}

// NewBreaker returns a closed breaker.
func NewBreaker(name string, cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{
		cfg:        cfg,
		name:       name,
		lastChange: cfg.Now(),
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// without the breaker's lock held.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Name returns the destination the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether an attempt may start. Every allowed attempt must be
// followed by exactly one of RecordSuccess, RecordFailure or RecordCancel.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	allowed, from, to := b.allowLocked()
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
	if !allowed {
		BreakerRejections.Inc()
	}
	return allowed
}

func (b *Breaker) allowLocked() (bool, State, State) {
	from := b.state
	switch b.state {
	case StateClosed:
		return true, from, from
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false, from, from
		}
		b.transitionLocked(StateHalfOpen)
		b.probes = 1
		return true, from, b.state
	case StateHalfOpen:
		if b.probes < b.cfg.MaxHalfOpenRequests {
			b.probes++
			return true, from, from
		}
	}
	return false, from, from
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probes--
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.lastFailure = b.cfg.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
}

// RecordCancel returns the slot of an attempt that was abandoned before it
// produced an outcome.
func (b *Breaker) RecordCancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastChange = b.cfg.Now()

	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probes = 0
	case StateOpen:
		b.openedAt = b.lastChange
		b.successes = 0
		b.probes = 0
		BreakerTrips.Inc()
	case StateHalfOpen:
		b.successes = 0
		b.probes = 0
	}

	log.WithField("breaker", b.name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Info("circuit breaker state transition")
}

func (b *Breaker) notify(fn func(string, State, State), from, to State) {
	if fn != nil && from != to {
		fn(b.name, from, to)
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.openedAt = time.Time{}
	b.lastChange = b.cfg.Now()
}

// Stats is a snapshot of a breaker.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	LastChange  time.Time `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.name,
		State:       state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		LastChange:  b.lastChange,
	}
}
