package pool

import (
	"slices"
	"time"

	"github.com/samber/lo"
)

// Stats is a snapshot of the pool's global counters.
type Stats struct {
	MaxSockets         int    `json:"max_sockets"`
	MaxSocketsPerGroup int    `json:"max_sockets_per_group"`
	HandedOut          int    `json:"handed_out"`
	Connecting         int    `json:"connecting"`
	Idle               int    `json:"idle"`
	Pending            int    `json:"pending"`
	Groups             int    `json:"groups"`
	Generation         uint64 `json:"generation"`
	Closed             bool   `json:"closed"`
}

// JobInfo describes one running connect job.
type JobInfo struct {
	ID        string        `json:"id"`
	Backup    bool          `json:"backup"`
	LoadState string        `json:"load_state"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// GroupInfo describes one group.
type GroupInfo struct {
	Key             string    `json:"key"`
	PendingRequests int       `json:"pending_requests"`
	TopPriority     *Priority `json:"top_pending_priority,omitempty"`
	ActiveSockets   int       `json:"active_socket_count"`
	IdleSockets     int       `json:"idle_socket_count"`
	ConnectJobs     []JobInfo `json:"connect_jobs"`
	IsStalled       bool      `json:"is_stalled"`
	BackupTimer     bool      `json:"backup_job_timer_is_running"`
}

// Info is a full snapshot of the pool for debugging.
type Info struct {
	Stats
	UnusedIdleTimeout time.Duration `json:"unused_idle_timeout_ns"`
	UsedIdleTimeout   time.Duration `json:"used_idle_timeout_ns"`
	Groups            []GroupInfo   `json:"groups"`
}

// Stats returns the global counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	pending := 0
	for _, g := range p.groups {
		pending += g.pending.len()
	}
	return Stats{
		MaxSockets:         p.cfg.MaxSockets,
		MaxSocketsPerGroup: p.cfg.MaxSocketsPerGroup,
		HandedOut:          p.handedOut,
		Connecting:         p.connecting,
		Idle:               p.idleCount,
		Pending:            pending,
		Groups:             len(p.groups),
		Generation:         p.generation,
		Closed:             p.closed,
	}
}

// Info returns the counters plus one entry per group, sorted by key.
func (p *Pool) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	keys := lo.Keys(p.groups)
	slices.SortFunc(keys, GroupKey.Compare)

	groups := lo.Map(keys, func(key GroupKey, _ int) GroupInfo {
		g := p.groups[key]
		gi := GroupInfo{
			Key:             key.String(),
			PendingRequests: g.pending.len(),
			ActiveSockets:   len(g.active),
			IdleSockets:     len(g.idle),
			IsStalled:       g.isStalled(p.cfg.MaxSocketsPerGroup),
			BackupTimer:     g.hasBackupTimer(),
			ConnectJobs: lo.Map(g.jobs, func(e *jobEntry, _ int) JobInfo {
				return JobInfo{
					ID:        e.id.String(),
					Backup:    e.backup,
					LoadState: e.job.LoadState().String(),
					Elapsed:   now.Sub(e.startedAt),
				}
			}),
		}
		if head, ok := g.pending.head(); ok {
			prio := head.priority
			gi.TopPriority = &prio
		}
		return gi
	})

	return Info{
		Stats:             p.statsLocked(),
		UnusedIdleTimeout: p.cfg.UnusedIdleTimeout,
		UsedIdleTimeout:   p.cfg.UsedIdleTimeout,
		Groups:            groups,
	}
}
