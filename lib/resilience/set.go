package resilience

import (
	"fmt"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-i2p/sockpool/lib/errors"
)

// DefaultSetSize bounds the number of destinations a BreakerSet tracks.
const DefaultSetSize = 4096

// BreakerSet holds one Breaker per destination. The least recently used
// destinations are forgotten once the set is full.
type BreakerSet struct {
	cfg      Config
	breakers *lru.Cache[string, *Breaker]
}

// NewBreakerSet returns a set creating breakers with cfg. size <= 0 means
// DefaultSetSize.
func NewBreakerSet(cfg Config, size int) (*BreakerSet, error) {
	if size <= 0 {
		size = DefaultSetSize
	}
	cache, err := lru.New[string, *Breaker](size)
	if err != nil {
		return nil, fmt.Errorf("resilience: breaker set: %w", err)
	}
	return &BreakerSet{cfg: cfg, breakers: cache}, nil
}

// Get returns the breaker for dest, creating it if needed.
func (s *BreakerSet) Get(dest string) *Breaker {
	if b, ok := s.breakers.Get(dest); ok {
		return b
	}
	b := NewBreaker(dest, s.cfg)
	b.OnStateChange(stateMetrics)
	if prev, ok, _ := s.breakers.PeekOrAdd(dest, b); ok {
		return prev
	}
	return b
}

// Allow returns an ErrCircuitOpen error when dest's breaker rejects the
// attempt.
func (s *BreakerSet) Allow(dest string) error {
	if s.Get(dest).Allow() {
		return nil
	}
	return fmt.Errorf("resilience: %s: %w", dest, errors.ErrCircuitOpen)
}

// Record feeds an attempt's outcome to dest's breaker. Cancellations do not
// count as failures.
func (s *BreakerSet) Record(dest string, err error) {
	b := s.Get(dest)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.IsCancelled(err):
		b.RecordCancel()
	default:
		b.RecordFailure()
	}
}

// Len returns the number of tracked destinations.
func (s *BreakerSet) Len() int { return s.breakers.Len() }

// Reset forgets every destination.
func (s *BreakerSet) Reset() { s.breakers.Purge() }

// Stats returns a snapshot of every breaker, sorted by destination.
func (s *BreakerSet) Stats() []Stats {
	out := make([]Stats, 0, s.breakers.Len())
	for _, b := range s.breakers.Values() {
		out = append(out, b.Stats())
	}
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Name, b.Name) })
	return out
}
