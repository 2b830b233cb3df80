package resilience

import (
	"github.com/go-i2p/sockpool/lib/metrics"
)

var (
	// BreakersOpen is the number of breakers currently open.
	BreakersOpen = metrics.NewGauge(
		"sockpool_breakers_open",
		"Number of circuit breakers currently open",
	)

	// BreakerTrips counts closed or half-open to open transitions.
	BreakerTrips = metrics.NewCounter(
		"sockpool_breaker_trips_total",
		"Total number of times circuit breakers have opened",
	)

	// BreakerRejections counts attempts rejected by a breaker.
	BreakerRejections = metrics.BreakerRejections
)

// stateMetrics keeps BreakersOpen current.
func stateMetrics(_ string, from, to State) {
	if to == StateOpen {
		BreakersOpen.Inc()
	}
	if from == StateOpen {
		BreakersOpen.Dec()
	}
}
