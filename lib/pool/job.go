package pool

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// jobEntry is the pool's record of one running ConnectJob. It is the job's
// delegate, so a completion names exactly the entry it belongs to.
type jobEntry struct {
	id        ulid.ULID
	key       GroupKey
	pool      *Pool
	job       ConnectJob
	backup    bool
	startedAt time.Time
	// finished is set under the pool lock once the entry leaves its group.
	// Completions arriving afterwards are discarded.
	finished bool
}

// OnConnectJobComplete implements JobDelegate.
func (e *jobEntry) OnConnectJobComplete(sock Socket, err error) {
	e.pool.onConnectJobComplete(e, sock, err)
}

// newJobLocked creates a job entry without starting or registering it.
func (p *Pool) newJobLocked(key GroupKey, priority Priority, backup bool) *jobEntry {
	e := &jobEntry{
		id:        ulid.Make(),
		key:       key,
		pool:      p,
		backup:    backup,
		startedAt: p.now(),
	}
	e.job = p.factory.NewConnectJob(key, priority, e)
	JobsStarted.Inc()
	if backup {
		BackupJobsStarted.Inc()
	}
	return e
}

func (p *Pool) addJobLocked(g *group, e *jobEntry) {
	g.jobs = append(g.jobs, e)
	p.connecting++
}

// removeJobLocked detaches e from its group and frees its connecting slot.
func (p *Pool) removeJobLocked(g *group, e *jobEntry) {
	e.finished = true
	if g.removeJob(e) {
		p.connecting--
	}
	if len(g.jobs) == 0 {
		g.cancelBackupTimer()
	}
}

func (p *Pool) onConnectJobComplete(e *jobEntry, sock Socket, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.finished {
		// Cancelled, or the pool was closed, while the job was completing.
		if sock != nil {
			_ = sock.Disconnect()
		}
		return
	}
	p.completeJobLocked(e, sock, err)
	p.publishLocked()
}

// completeJobLocked routes a finished job's result: the head request gets
// the socket or the error, and a socket nobody is waiting for goes idle.
func (p *Pool) completeJobLocked(e *jobEntry, sock Socket, err error) {
	g := p.groups[e.key]
	p.removeJobLocked(g, e)
	ConnectDuration.ObserveDuration(p.now().Sub(e.startedAt))

	if err == nil && sock == nil {
		err = errNilSocket
	}

	if err == nil {
		JobsSucceeded.Inc()
		if req, ok := g.pending.head(); ok {
			g.pending.remove(req)
			log.WithField("group", e.key.String()).
				WithField("job", e.id.String()).
				WithField("backup", e.backup).
				Debug("connect job served pending request")
			p.handOutLocked(g, req.handle, sock, false, 0)
			p.invokeCallbackLaterLocked(req, nil)
			return
		}
		log.WithField("group", e.key.String()).
			WithField("job", e.id.String()).
			Debug("connect job finished with no waiter, socket parked idle")
		p.addIdleLocked(g, sock, false)
		p.onAvailableSocketSlotLocked(g)
		p.checkForStalledGroupsLocked()
		return
	}

	JobsFailed.Inc()
	if sock != nil {
		_ = sock.Disconnect()
	}
	log.WithField("group", e.key.String()).
		WithField("job", e.id.String()).
		WithError(err).
		Debug("connect job failed")
	if req, ok := g.pending.head(); ok {
		g.pending.remove(req)
		p.invokeCallbackLaterLocked(req, err)
	}
	p.onAvailableSocketSlotLocked(g)
	p.checkForStalledGroupsLocked()
}
