// Package ratelimit limits how fast new connections are opened.
//
// A Limiter is a token bucket. A KeyedLimiter keeps one bucket per
// destination and forgets buckets that have been idle and full for a
// while.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket rate limiter.
type Limiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

// New returns a full bucket refilled at r tokens per second holding at
// most burst tokens.
func New(r float64, burst int) *Limiter {
	return newWithClock(r, burst, time.Now)
}

func newWithClock(r float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(r), burst), now: now}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN consumes n tokens if available.
func (l *Limiter) AllowN(n int) bool {
	return l.bucket.AllowN(l.now(), n)
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.bucket.TokensAt(l.now())
}

func (l *Limiter) full() bool {
	return l.Tokens() >= float64(l.bucket.Burst())
}

// KeyedConfig configures a KeyedLimiter.
type KeyedConfig struct {
	// Rate is the refill rate per key in tokens per second.
	Rate float64
	// Burst is the bucket size per key.
	Burst int
	// IdleTTL is how long a full, unused bucket is kept.
	IdleTTL time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// KeyedLimiter keeps one Limiter per key.
type KeyedLimiter struct {
	mu       sync.Mutex
	cfg      KeyedConfig
	limiters map[string]*Limiter
	lastUse  map[string]time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewKeyed returns a keyed limiter. Call Start to sweep idle buckets in the
// background, or Sweep directly.
func NewKeyed(cfg KeyedConfig) *KeyedLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		cfg:      cfg,
		limiters: make(map[string]*Limiter),
		lastUse:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Allow consumes a token from key's bucket.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	l, ok := kl.limiters[key]
	if !ok {
		l = newWithClock(kl.cfg.Rate, kl.cfg.Burst, kl.cfg.Now)
		kl.limiters[key] = l
	}
	kl.lastUse[key] = kl.cfg.Now()
	kl.mu.Unlock()

	if l.Allow() {
		return true
	}
	log.WithField("key", key).Debug("connect attempt rate limited")
	RateLimitRejections.Inc()
	return false
}

// Len returns the number of buckets held.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Sweep drops buckets that are full and unused for IdleTTL. It returns the
// number dropped.
func (kl *KeyedLimiter) Sweep() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := kl.cfg.Now().Add(-kl.cfg.IdleTTL)
	n := 0
	for key, l := range kl.limiters {
		if kl.lastUse[key].After(cutoff) || !l.full() {
			continue
		}
		delete(kl.limiters, key)
		delete(kl.lastUse, key)
		n++
	}
	return n
}

// Start sweeps every IdleTTL until Close.
func (kl *KeyedLimiter) Start() {
	go func() {
		ticker := time.NewTicker(kl.cfg.IdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-kl.stopCh:
				return
			case <-ticker.C:
				kl.Sweep()
			}
		}
	}()
}

// Close stops the background sweep.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}
