// Package connectjob provides the connect jobs behind the socket pool.
//
// Each transport is a pool.JobFactory keyed by GroupKey scheme:
//
//	tcp     TCPFactory, direct TCP with cached host resolution
//	socks5  SOCKSFactory, TCP through a SOCKS5 proxy
//	i2p     GarlicFactory, I2P streaming through a SAM bridge
//	wg      Tunnel, TCP through an in-process WireGuard tunnel
//
// A Router dispatches on scheme and guards every attempt with a
// per-destination circuit breaker and rate limiter.
package connectjob
