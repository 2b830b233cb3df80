package pool

import "time"

func (p *Pool) addIdleLocked(g *group, sock Socket, used bool) {
	g.idle = append(g.idle, idleSocket{
		socket:     sock,
		since:      p.now(),
		used:       used,
		generation: p.generation,
	})
	p.idleCount++
	if p.idleCount == 1 {
		p.startCleanupTimerLocked()
	}
}

func (p *Pool) decrementIdleLocked() {
	p.idleCount--
	if p.idleCount == 0 {
		p.stopCleanupTimerLocked()
	}
}

// assignIdleSocketLocked hands the most recently idled usable socket to h.
// Stale, expired and dead sockets met on the way are closed.
func (p *Pool) assignIdleSocketLocked(g *group, h *Handle) bool {
	now := p.now()
	for len(g.idle) > 0 {
		last := len(g.idle) - 1
		s := g.idle[last]
		g.idle[last] = idleSocket{}
		g.idle = g.idle[:last]
		p.decrementIdleLocked()

		if s.generation == p.generation && !p.idleExpired(s, now) && s.socket.IsConnectedAndIdle() {
			IdleReusedTotal.Inc()
			p.handOutLocked(g, h, s.socket, s.used, now.Sub(s.since))
			return true
		}
		IdleClosedTotal.Inc()
		_ = s.socket.Disconnect()
	}
	return false
}

func (p *Pool) idleTimeout(s idleSocket) time.Duration {
	if s.used {
		return p.cfg.UsedIdleTimeout
	}
	return p.cfg.UnusedIdleTimeout
}

func (p *Pool) idleExpired(s idleSocket, now time.Time) bool {
	return now.Sub(s.since) >= p.idleTimeout(s)
}

// shouldCleanup applies the sweep policy. A socket that never carried data
// only needs to be connected; a used one must also have no unread bytes.
func (p *Pool) shouldCleanup(s idleSocket, now time.Time) bool {
	if s.generation != p.generation || p.idleExpired(s, now) {
		return true
	}
	if s.used {
		return !s.socket.IsConnectedAndIdle()
	}
	return !s.socket.IsConnected()
}

// cleanupIdleSocketsLocked closes idle sockets that fail the sweep policy,
// or all of them when force is set.
func (p *Pool) cleanupIdleSocketsLocked(force bool) int {
	if p.idleCount == 0 {
		return 0
	}
	now := p.now()
	closed := 0
	for _, g := range p.groups {
		kept := g.idle[:0]
		for _, s := range g.idle {
			if force || p.shouldCleanup(s, now) {
				_ = s.socket.Disconnect()
				p.decrementIdleLocked()
				closed++
				continue
			}
			kept = append(kept, s)
		}
		clear(g.idle[len(kept):])
		g.idle = kept
		if g.isEmpty() {
			p.removeGroupLocked(g)
		}
	}
	IdleClosedTotal.Add(uint64(closed))
	return closed
}

// closeOneIdleSocketLocked frees one global slot by closing the oldest idle
// socket of the lowest-ordered group that has one.
func (p *Pool) closeOneIdleSocketLocked() bool {
	var victim *group
	for _, g := range p.groups {
		if len(g.idle) == 0 {
			continue
		}
		if victim == nil || g.key.Compare(victim.key) < 0 {
			victim = g
		}
	}
	if victim == nil {
		return false
	}

	s := victim.idle[0]
	victim.idle[0] = idleSocket{}
	victim.idle = victim.idle[1:]
	p.decrementIdleLocked()
	IdleClosedTotal.Inc()
	_ = s.socket.Disconnect()
	log.WithField("group", victim.key.String()).Debug("closed idle socket to make room under global limit")

	if victim.isEmpty() {
		p.removeGroupLocked(victim)
	}
	return true
}

func (p *Pool) startCleanupTimerLocked() {
	if p.cleanupCancel != nil || p.closed {
		return
	}
	p.cleanupToken++
	token := p.cleanupToken
	p.cleanupCancel = p.sched.PostDelayed(p.cfg.CleanupInterval, func() {
		p.onCleanupTimerFired(token)
	})
}

func (p *Pool) stopCleanupTimerLocked() {
	if p.cleanupCancel != nil {
		p.cleanupCancel()
		p.cleanupCancel = nil
	}
}

func (p *Pool) onCleanupTimerFired(token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token != p.cleanupToken || p.cleanupCancel == nil {
		return
	}
	p.cleanupCancel = nil

	if n := p.cleanupIdleSocketsLocked(false); n > 0 {
		log.WithField("closed", n).Debug("idle socket sweep")
		p.checkForStalledGroupsLocked()
	}
	if p.idleCount > 0 {
		p.startCleanupTimerLocked()
	}
	p.publishLocked()
}

// CloseIdleSockets closes every idle socket.
func (p *Pool) CloseIdleSockets() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cleanupIdleSocketsLocked(true) > 0 {
		p.checkForStalledGroupsLocked()
	}
	p.publishLocked()
}

// Flush starts a new generation and closes every idle socket. Sockets that
// are handed out now are closed instead of reused when they come back.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.generation++
	n := p.cleanupIdleSocketsLocked(true)
	FlushesTotal.Inc()
	log.WithField("generation", p.generation).WithField("closedIdle", n).Info("socket pool flushed")
	if n > 0 {
		p.checkForStalledGroupsLocked()
	}
	p.publishLocked()
}

// IdleSocketCount returns the number of idle sockets across all groups.
func (p *Pool) IdleSocketCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleCount
}

// IdleSocketCountInGroup returns the number of idle sockets for key.
func (p *Pool) IdleSocketCountInGroup(key GroupKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.groups[key]; ok {
		return len(g.idle)
	}
	return 0
}
