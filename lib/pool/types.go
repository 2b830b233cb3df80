package pool

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-i2p/sockpool/lib/errors"
)

// Priority orders pending requests within a group. Higher values are served
// first; equal priorities are served in arrival order.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLowest:
		return "lowest"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHighest:
		return "highest"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority accepts a priority name or its number.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityIdle; p <= PriorityHighest; p++ {
		if s == p.String() {
			return p, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(PriorityIdle) || n > int(PriorityHighest) {
		return 0, fmt.Errorf("%w: unknown priority %q", errors.ErrInvalidInput, s)
	}
	return Priority(n), nil
}

// Status is the immediate outcome of RequestSocket or ConnectJob.Connect.
type Status int

const (
	// StatusComplete means the result is available now. No callback fires.
	StatusComplete Status = iota
	// StatusPending means the result will be delivered later, exactly once.
	StatusPending
)

func (s Status) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "complete"
}

// LoadState describes what a pending request is waiting on.
// Later states are considered further along.
type LoadState int

const (
	LoadStateIdle LoadState = iota
	LoadStateWaitingForAvailableSocket
	LoadStateResolvingHost
	LoadStateConnecting
)

func (s LoadState) String() string {
	switch s {
	case LoadStateIdle:
		return "idle"
	case LoadStateWaitingForAvailableSocket:
		return "waiting_for_available_socket"
	case LoadStateResolvingHost:
		return "resolving_host"
	case LoadStateConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// Socket is a connected transport handed out by the pool. The pool tracks
// sockets by identity, so implementations must be comparable, usually a
// pointer type. Liveness checks run under the pool's lock and must not
// block.
type Socket interface {
	io.ReadWriter

	// IsConnected reports whether the peer is still reachable.
	IsConnected() bool
	// IsConnectedAndIdle additionally requires that no unread data is pending,
	// so the socket can carry a fresh exchange.
	IsConnectedAndIdle() bool
	// Disconnect closes the socket.
	Disconnect() error
}

// ConnectJob establishes one socket for one group.
//
// Connect either completes synchronously, returning StatusComplete with a
// socket or an error, or returns StatusPending and later reports exactly once
// through its JobDelegate. The delegate may be called from any goroutine.
type ConnectJob interface {
	Connect() (Status, Socket, error)
	// Cancel abandons the attempt. A completion racing with Cancel is ignored
	// by the pool and its socket disconnected.
	Cancel()
	LoadState() LoadState
}

// JobDelegate receives the asynchronous result of a ConnectJob.
type JobDelegate interface {
	OnConnectJobComplete(sock Socket, err error)
}

// JobFactory creates connect jobs for the pool.
type JobFactory interface {
	NewConnectJob(key GroupKey, priority Priority, delegate JobDelegate) ConnectJob
}

// JobFactoryFunc adapts a function to JobFactory.
type JobFactoryFunc func(key GroupKey, priority Priority, delegate JobDelegate) ConnectJob

// NewConnectJob calls f.
func (f JobFactoryFunc) NewConnectJob(key GroupKey, priority Priority, delegate JobDelegate) ConnectJob {
	return f(key, priority, delegate)
}

// Callback receives the result of a pending request: nil on success, in which
// case the handle holds the socket.
type Callback func(err error)
