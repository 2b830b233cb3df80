package pool

import "time"

type handleState int

const (
	handleEmpty handleState = iota
	// handlePending covers both a queued request and a result whose
	// callback has not been delivered yet.
	handlePending
	handleReady
)

// Handle is the caller's token for one socket acquisition. The zero value
// is ready to use. A handle may be reused after Reset or after a failed
// request's callback has run.
//
// Accessors are meant to be read after RequestSocket returned StatusComplete
// or after the callback fired.
type Handle struct {
	pool       *Pool
	key        GroupKey
	id         uint64
	state      handleState
	socket     Socket
	reused     bool
	idleTime   time.Duration
	generation uint64
}

// Socket returns the acquired socket, or nil.
func (h *Handle) Socket() Socket { return h.socket }

// Key returns the group the handle was last requested for.
func (h *Handle) Key() GroupKey { return h.key }

// IsInitialized reports whether the handle holds a socket.
func (h *Handle) IsInitialized() bool { return h.socket != nil }

// IsReused reports whether the socket previously carried application data.
func (h *Handle) IsReused() bool { return h.reused }

// IdleTime is how long the socket sat idle before being handed out.
func (h *Handle) IdleTime() time.Duration { return h.idleTime }

// Generation is the pool generation the socket belongs to.
func (h *Handle) Generation() uint64 { return h.generation }

// LoadState reports the progress of a pending request.
func (h *Handle) LoadState() LoadState {
	if h.pool == nil {
		return LoadStateIdle
	}
	return h.pool.GetLoadState(h.key, h)
}

// Reset cancels a pending request or returns a held socket to the pool,
// leaving the handle empty.
func (h *Handle) Reset() {
	if h.pool == nil {
		return
	}
	h.pool.resetHandle(h)
}

// bind prepares h for a new request. Caller holds the pool lock.
func (h *Handle) bind(p *Pool, key GroupKey, id uint64) {
	h.pool = p
	h.key = key
	h.id = id
	h.state = handlePending
	h.socket = nil
	h.reused = false
	h.idleTime = 0
	h.generation = 0
}

// clear empties h. Caller holds the pool lock.
func (h *Handle) clear() {
	h.state = handleEmpty
	h.socket = nil
	h.reused = false
	h.idleTime = 0
}
