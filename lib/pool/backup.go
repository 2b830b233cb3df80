package pool

// armBackupTimerLocked schedules a backup connect job for g.
func (p *Pool) armBackupTimerLocked(g *group) {
	if g.hasBackupTimer() || p.closed {
		return
	}
	p.backupSeq++
	token := p.backupSeq
	g.backupToken = token
	key := g.key
	g.backupCancel = p.sched.PostDelayed(p.cfg.BackupJobDelay, func() {
		p.onBackupTimerFired(key, token)
	})
}

// onBackupTimerFired starts one extra job for g's head request if the lead
// job is past host resolution and the limits leave room. Otherwise it
// waits another interval.
func (p *Pool) onBackupTimerFired(key GroupKey, token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[key]
	if !ok || g.backupToken != token || g.backupCancel == nil {
		return
	}
	g.backupCancel = nil

	if p.closed || len(g.jobs) == 0 || g.pending.len() == 0 {
		return
	}

	if p.reachedMaxSocketsLimitLocked() ||
		!g.hasAvailableSlot(p.cfg.MaxSocketsPerGroup) ||
		g.jobs[0].job.LoadState() == LoadStateResolvingHost {
		p.armBackupTimerLocked(g)
		return
	}

	req, _ := g.pending.head()
	e := p.newJobLocked(key, req.priority, true)
	log.WithField("group", key.String()).
		WithField("job", e.id.String()).
		Debug("starting backup connect job")

	status, sock, err := e.job.Connect()
	switch {
	case status == StatusPending:
		p.addJobLocked(g, e)
	case err != nil || sock == nil:
		// The lead job still owns the request; a backup that cannot even
		// start is dropped quietly.
		e.finished = true
		JobsFailed.Inc()
		if sock != nil {
			_ = sock.Disconnect()
		}
		log.WithField("group", key.String()).WithError(err).Debug("backup connect job failed synchronously")
	default:
		p.addJobLocked(g, e)
		p.completeJobLocked(e, sock, nil)
	}
	p.publishLocked()
}
