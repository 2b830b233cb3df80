package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/sockpool/lib/errors"
)

// Config configures a Pool.
type Config struct {
	// MaxSockets caps sockets across all groups: handed out, connecting and idle.
	MaxSockets int
	// MaxSocketsPerGroup caps sockets for a single GroupKey.
	MaxSocketsPerGroup int
	// UnusedIdleTimeout bounds how long a never-used socket may stay idle.
	UnusedIdleTimeout time.Duration
	// UsedIdleTimeout bounds how long a previously used socket may stay idle.
	UsedIdleTimeout time.Duration
	// CleanupInterval is the period of the idle socket sweep.
	CleanupInterval time.Duration
	// ConnectBackupJobs enables a second connect attempt for slow groups.
	ConnectBackupJobs bool
	// BackupJobDelay is how long the first attempt may run alone.
	BackupJobDelay time.Duration
	// AcquireTimeout bounds Acquire when its context has no deadline.
	AcquireTimeout time.Duration
	// Scheduler runs callbacks and timers. If nil the pool starts its own
	// EventLoop and stops it on Close.
	Scheduler Scheduler
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns defaults matching a typical browser pool.
func DefaultConfig() Config {
	return Config{
		MaxSockets:         256,
		MaxSocketsPerGroup: 6,
		UnusedIdleTimeout:  10 * time.Second,
		UsedIdleTimeout:    5 * time.Minute,
		CleanupInterval:    10 * time.Second,
		ConnectBackupJobs:  true,
		BackupJobDelay:     250 * time.Millisecond,
		AcquireTimeout:     30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxSockets <= 0 {
		c.MaxSockets = def.MaxSockets
	}
	if c.MaxSocketsPerGroup <= 0 {
		c.MaxSocketsPerGroup = min(def.MaxSocketsPerGroup, c.MaxSockets)
	}
	if c.UnusedIdleTimeout <= 0 {
		c.UnusedIdleTimeout = def.UnusedIdleTimeout
	}
	if c.UsedIdleTimeout <= 0 {
		c.UsedIdleTimeout = def.UsedIdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.BackupJobDelay <= 0 {
		c.BackupJobDelay = def.BackupJobDelay
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

var errNilSocket = fmt.Errorf("pool: connect job succeeded without a socket: %w", errors.ErrInternal)

// pendingCallback is a result posted to the scheduler but not yet delivered.
type pendingCallback struct {
	handle   *Handle
	callback Callback
	err      error
}

// Pool brokers connected sockets among callers under a global and a
// per-group limit.
//
// Every method is safe for concurrent use. Callbacks are always delivered
// through the Scheduler, never from inside a Pool method.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	factory JobFactory
	sched   Scheduler
	// loop is set when the pool owns its scheduler.
	loop *EventLoop

	groups map[GroupKey]*group

	handedOut  int
	connecting int
	idleCount  int
	generation uint64

	// nextID feeds both handle ids and request sequence numbers.
	nextID uint64

	mayHaveStalledGroup bool
	pendingCallbacks    map[uint64]*pendingCallback

	cleanupCancel func()
	cleanupToken  uint64
	backupSeq     uint64

	closed bool
}

// New creates a pool that opens sockets through factory.
func New(factory JobFactory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: nil job factory: %w", errors.ErrInvalidInput)
	}
	cfg.applyDefaults()
	if cfg.MaxSocketsPerGroup > cfg.MaxSockets {
		return nil, fmt.Errorf("pool: max sockets per group (%d) exceeds max sockets (%d): %w",
			cfg.MaxSocketsPerGroup, cfg.MaxSockets, errors.ErrConfiguration)
	}

	p := &Pool{
		cfg:              cfg,
		factory:          factory,
		sched:            cfg.Scheduler,
		groups:           make(map[GroupKey]*group),
		pendingCallbacks: make(map[uint64]*pendingCallback),
	}
	if p.sched == nil {
		p.loop = NewEventLoop()
		p.sched = p.loop
	}

	MaxSocketsGauge.Set(int64(cfg.MaxSockets))
	log.WithField("maxSockets", cfg.MaxSockets).
		WithField("maxSocketsPerGroup", cfg.MaxSocketsPerGroup).
		WithField("backupJobs", cfg.ConnectBackupJobs).
		Debug("socket pool created")
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) now() time.Time {
	return p.cfg.Now()
}

// RequestSocket asks for a socket for key on behalf of h.
//
// StatusComplete with a nil error means h now holds a socket. StatusComplete
// with an error means the attempt failed synchronously. StatusPending means
// cb will be called exactly once, unless the request is cancelled first.
func (p *Pool) RequestSocket(key GroupKey, priority Priority, h *Handle, cb Callback) (Status, error) {
	if err := key.Validate(); err != nil {
		return StatusComplete, err
	}
	if h == nil || cb == nil {
		return StatusComplete, fmt.Errorf("pool: handle and callback are required: %w", errors.ErrInvalidInput)
	}
	if priority < PriorityIdle {
		return StatusComplete, fmt.Errorf("pool: negative priority %d: %w", priority, errors.ErrInvalidInput)
	}
	RequestsTotal.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return StatusComplete, errors.ErrPoolClosed
	}
	if h.state != handleEmpty {
		return StatusComplete, errors.ErrHandleInUse
	}

	p.nextID++
	h.bind(p, key, p.nextID)
	req := &request{
		handle:   h,
		callback: cb,
		priority: priority,
		seq:      p.nextID,
		queuedAt: p.now(),
	}

	g, ok := p.groups[key]
	if !ok {
		g = newGroup(key)
		p.groups[key] = g
	}

	status, err := p.requestSocketLocked(g, req, false)
	switch {
	case status == StatusPending:
		g.pending.push(req)
	case err != nil:
		h.clear()
		RequestsFailed.Inc()
	}
	if g.isEmpty() {
		p.removeGroupLocked(g)
	}
	p.publishLocked()
	return status, err
}

// requestSocketLocked tries to serve req from an idle socket or a new job.
// queued reports whether req is already in the group's pending queue.
func (p *Pool) requestSocketLocked(g *group, req *request, queued bool) (Status, error) {
	if p.assignIdleSocketLocked(g, req.handle) {
		return StatusComplete, nil
	}

	if !g.hasAvailableSlot(p.cfg.MaxSocketsPerGroup) {
		StalledPerGroupTotal.Inc()
		log.WithField("group", g.key.String()).
			WithError(errors.ErrStalledMaxSocketsPerGroup).
			Debug("request queued")
		return StatusPending, nil
	}

	// Jobs already in flight will serve the queue in order.
	demand := g.pending.len()
	if !queued {
		demand++
	}
	if len(g.jobs) >= demand {
		return StatusPending, nil
	}

	if p.reachedMaxSocketsLimitLocked() {
		if p.idleCount == 0 {
			p.mayHaveStalledGroup = true
			StalledGlobalTotal.Inc()
			log.WithField("group", g.key.String()).
				WithError(errors.ErrStalledMaxSockets).
				Debug("request queued")
			return StatusPending, nil
		}
		p.closeOneIdleSocketLocked()
	}

	return p.startJobLocked(g, req)
}

func (p *Pool) startJobLocked(g *group, req *request) (Status, error) {
	fresh := g.numSockets() == 0
	e := p.newJobLocked(g.key, req.priority, false)

	status, sock, err := e.job.Connect()
	if status == StatusPending {
		p.addJobLocked(g, e)
		if fresh && p.cfg.ConnectBackupJobs {
			p.armBackupTimerLocked(g)
		}
		return StatusPending, nil
	}

	e.finished = true
	ConnectDuration.ObserveDuration(p.now().Sub(e.startedAt))
	if err == nil && sock == nil {
		err = errNilSocket
	}
	if err != nil {
		JobsFailed.Inc()
		if sock != nil {
			_ = sock.Disconnect()
		}
		log.WithField("group", g.key.String()).WithError(err).Debug("connect job failed synchronously")
		return StatusComplete, err
	}
	JobsSucceeded.Inc()
	p.handOutLocked(g, req.handle, sock, false, 0)
	return StatusComplete, nil
}

// handOutLocked gives sock to h and charges it to the group.
func (p *Pool) handOutLocked(g *group, h *Handle, sock Socket, reused bool, idleTime time.Duration) {
	h.socket = sock
	h.reused = reused
	h.idleTime = idleTime
	h.generation = p.generation
	h.state = handleReady
	g.active[sock] = struct{}{}
	p.handedOut++
}

func (p *Pool) reachedMaxSocketsLimitLocked() bool {
	return p.handedOut+p.connecting+p.idleCount >= p.cfg.MaxSockets
}

func (p *Pool) removeGroupLocked(g *group) {
	g.cancelBackupTimer()
	delete(p.groups, g.key)
}

// ReleaseSocket returns a socket obtained for key. It is parked for reuse
// when it is still connected and idle and generation is current; otherwise
// it is disconnected. Handle.Reset is the usual way to call this. A socket
// the pool is not tracking as handed out, including one already released,
// is left alone.
func (p *Pool) ReleaseSocket(key GroupKey, sock Socket, generation uint64) {
	if sock == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseSocketLocked(key, sock, generation)
	p.publishLocked()
}

func (p *Pool) releaseSocketLocked(key GroupKey, sock Socket, generation uint64) {
	g, ok := p.groups[key]
	if ok {
		_, ok = g.active[sock]
	}
	if !ok {
		log.WithField("group", key.String()).Warn("release of a socket the pool does not hold as handed out")
		return
	}
	ReleasesTotal.Inc()
	delete(g.active, sock)
	p.handedOut--

	if !p.closed && generation == p.generation && sock.IsConnectedAndIdle() {
		p.addIdleLocked(g, sock, true)
	} else {
		_ = sock.Disconnect()
	}

	p.onAvailableSocketSlotLocked(g)
	p.checkForStalledGroupsLocked()
}

// onAvailableSocketSlotLocked advances g after it gained capacity.
func (p *Pool) onAvailableSocketSlotLocked(g *group) {
	if g.isEmpty() {
		p.removeGroupLocked(g)
		return
	}
	if g.pending.len() > 0 {
		p.processPendingRequestLocked(g)
	}
}

// processPendingRequestLocked admits g's pending requests in order. When an
// admitted request's job fails synchronously the freed slot goes straight to
// the next request. It reports whether the slot ended up unused because
// every admitted request failed.
func (p *Pool) processPendingRequestLocked(g *group) (slotFree bool) {
	defer func() {
		if g.isEmpty() {
			p.removeGroupLocked(g)
		}
	}()
	for {
		req, ok := g.pending.head()
		if !ok {
			return slotFree
		}
		status, err := p.requestSocketLocked(g, req, true)
		if status == StatusPending {
			return false
		}
		g.pending.remove(req)
		p.invokeCallbackLaterLocked(req, err)
		if err == nil {
			return false
		}
		RequestsFailed.Inc()
		slotFree = true
	}
}

// checkForStalledGroupsLocked admits the head of the most urgent group that
// only the global limit is holding back. It admits one request per call;
// every later release or failure calls it again. A group whose requests all
// fail synchronously hands the slot on to the next stalled group.
func (p *Pool) checkForStalledGroupsLocked() {
	for p.mayHaveStalledGroup {
		g := p.findTopStalledGroupLocked()
		if g == nil {
			p.mayHaveStalledGroup = false
			return
		}
		if p.reachedMaxSocketsLimitLocked() {
			if p.idleCount == 0 {
				return
			}
			p.closeOneIdleSocketLocked()
		}
		if !p.processPendingRequestLocked(g) {
			return
		}
	}
}

// findTopStalledGroupLocked picks, among stalled groups, the one whose head
// request sorts first by priority then arrival. Arrival sequences are unique
// across the pool, so the choice does not depend on map order.
func (p *Pool) findTopStalledGroupLocked() *group {
	var (
		top     *group
		topHead *request
	)
	for _, g := range p.groups {
		if !g.isStalled(p.cfg.MaxSocketsPerGroup) {
			continue
		}
		head, _ := g.pending.head()
		if top == nil || requestLess(head, topHead) {
			top, topHead = g, head
		}
	}
	return top
}

// invokeCallbackLaterLocked records req's result and posts its delivery.
func (p *Pool) invokeCallbackLaterLocked(req *request, err error) {
	h := req.handle
	if err != nil {
		h.socket = nil
	}
	p.pendingCallbacks[h.id] = &pendingCallback{handle: h, callback: req.callback, err: err}
	id := h.id
	p.sched.Post(func() { p.invokeUserCallback(id) })
}

func (p *Pool) invokeUserCallback(id uint64) {
	p.mu.Lock()
	pc, ok := p.pendingCallbacks[id]
	if !ok {
		// Cancelled before delivery.
		p.mu.Unlock()
		return
	}
	delete(p.pendingCallbacks, id)
	if pc.err != nil {
		pc.handle.clear()
	}
	p.mu.Unlock()

	pc.callback(pc.err)
}

// CancelRequest abandons h's request. A queued request is dropped. A result
// that was posted but not yet delivered is suppressed, and its socket, if
// any, goes back to the pool. Cancelling a handle that holds a delivered
// socket, or an empty handle, does nothing.
//
// When dropping the request leaves more jobs than pending requests in the
// group while the pool is at its global limit, the newest surplus job is
// cancelled so a stalled group can use the slot. Below the limit the job
// runs on and its socket is parked idle.
func (p *Pool) CancelRequest(key GroupKey, h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelRequestLocked(key, h)
	p.publishLocked()
}

func (p *Pool) cancelRequestLocked(key GroupKey, h *Handle) {
	if pc, ok := p.pendingCallbacks[h.id]; ok && pc.handle == h {
		delete(p.pendingCallbacks, h.id)
		CancelsTotal.Inc()
		sock, generation := h.socket, h.generation
		h.clear()
		if sock != nil {
			p.releaseSocketLocked(h.key, sock, generation)
		}
		return
	}

	g, ok := p.groups[key]
	if !ok {
		return
	}
	if _, ok := g.pending.removeHandle(h); !ok {
		return
	}
	h.clear()
	CancelsTotal.Inc()
	log.WithField("group", key.String()).Debug("pending request cancelled")

	if len(g.jobs) > g.pending.len() && p.reachedMaxSocketsLimitLocked() {
		e := g.jobs[len(g.jobs)-1]
		e.job.Cancel()
		p.removeJobLocked(g, e)
		JobsCancelled.Inc()
		log.WithField("group", key.String()).
			WithField("job", e.id.String()).
			Debug("cancelled surplus connect job at global limit")
		if g.isEmpty() {
			p.removeGroupLocked(g)
		}
		p.checkForStalledGroupsLocked()
		return
	}
	if g.isEmpty() {
		p.removeGroupLocked(g)
	}
}

// resetHandle backs Handle.Reset.
func (p *Pool) resetHandle(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A ready handle may still have its success callback in flight.
	if h.state != handleEmpty {
		p.cancelRequestLocked(h.key, h)
	}
	if sock := h.socket; sock != nil {
		generation := h.generation
		h.clear()
		p.releaseSocketLocked(h.key, sock, generation)
	}
	h.clear()
	p.publishLocked()
}

// GetLoadState reports what h's request is waiting on.
func (p *Pool) GetLoadState(key GroupKey, h *Handle) LoadState {
	if h == nil {
		return LoadStateIdle
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.pendingCallbacks[h.id]; ok && pc.handle == h {
		// The result is in hand; only delivery is outstanding.
		return LoadStateConnecting
	}
	g, ok := p.groups[key]
	if !ok {
		return LoadStateIdle
	}
	pos := g.pending.position(h)
	switch {
	case pos < 0:
		return LoadStateIdle
	case pos < len(g.jobs):
		return g.maxJobLoadState()
	default:
		return LoadStateWaitingForAvailableSocket
	}
}

// HasGroup reports whether the pool tracks key.
func (p *Pool) HasGroup(key GroupKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.groups[key]
	return ok
}

// Acquire is a blocking form of RequestSocket. On success the returned
// handle holds a socket; call Reset on it to give the socket back.
// If ctx has no deadline, Config.AcquireTimeout applies.
func (p *Pool) Acquire(ctx context.Context, key GroupKey, priority Priority) (*Handle, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	start := p.now()

	h := &Handle{}
	done := make(chan error, 1)
	status, err := p.RequestSocket(key, priority, h, func(err error) { done <- err })
	if status == StatusPending {
		select {
		case err = <-done:
		case <-ctx.Done():
			h.Reset()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("pool: acquire %s: %w", key, errors.ErrTimeout)
			}
			return nil, fmt.Errorf("pool: acquire %s: %w: %w", key, errors.ErrCancelled, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	AcquireDuration.ObserveDuration(p.now().Sub(start))
	return h, nil
}

// OnNetworkChange flushes the pool. It is the hook for network change
// notifications.
func (p *Pool) OnNetworkChange() {
	log.Info("network change observed, flushing socket pool")
	p.Flush()
}

// Close fails every pending request with ErrPoolClosed, cancels running
// jobs and closes idle sockets. Sockets still handed out are disconnected
// when released. Later requests fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.ErrPoolClosed
	}
	p.closed = true

	for _, g := range p.groups {
		for _, e := range g.jobs {
			e.job.Cancel()
			e.finished = true
			p.connecting--
			JobsCancelled.Inc()
		}
		g.jobs = nil
		g.cancelBackupTimer()
		for _, req := range g.pending.drain() {
			p.invokeCallbackLaterLocked(req, errors.ErrPoolClosed)
		}
	}
	p.cleanupIdleSocketsLocked(true)
	p.stopCleanupTimerLocked()
	for _, g := range p.groups {
		if g.isEmpty() {
			p.removeGroupLocked(g)
		}
	}
	p.mayHaveStalledGroup = false
	p.publishLocked()
	p.mu.Unlock()

	log.Info("socket pool closed")
	if p.loop != nil {
		p.loop.Close()
	}
	return nil
}
