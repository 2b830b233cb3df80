package ratelimit

import "github.com/go-i2p/sockpool/lib/metrics"

// RateLimitRejections counts connect attempts refused by a KeyedLimiter.
var RateLimitRejections = metrics.RateLimitRejections
