package pool

import (
	"slices"
	"time"
)

// idleSocket is a connected socket waiting for reuse.
type idleSocket struct {
	socket     Socket
	since      time.Time
	used       bool
	generation uint64
}

// group is the pool's bookkeeping for one GroupKey.
type group struct {
	key     GroupKey
	pending *requestQueue
	jobs    []*jobEntry
	// idle is ordered oldest first; reuse pops from the back.
	idle []idleSocket
	// active holds the sockets handed out and not yet released.
	active map[Socket]struct{}

	backupCancel func()
	backupToken  uint64
}

func newGroup(key GroupKey) *group {
	return &group{
		key:     key,
		pending: newRequestQueue(),
		active:  make(map[Socket]struct{}),
	}
}

func (g *group) isEmpty() bool {
	return len(g.active) == 0 && len(g.idle) == 0 && len(g.jobs) == 0 && g.pending.len() == 0
}

// numSockets counts everything charged against the group's limit.
func (g *group) numSockets() int {
	return len(g.active) + len(g.jobs) + len(g.idle)
}

func (g *group) hasAvailableSlot(maxPerGroup int) bool {
	return g.numSockets() < maxPerGroup
}

// isStalled reports whether the group has pending work that its own limit
// would admit but no job is covering, which means only the global limit
// is holding it back.
func (g *group) isStalled(maxPerGroup int) bool {
	return g.pending.len() > len(g.jobs) && g.hasAvailableSlot(maxPerGroup)
}

func (g *group) removeJob(e *jobEntry) bool {
	i := slices.Index(g.jobs, e)
	if i < 0 {
		return false
	}
	g.jobs = slices.Delete(g.jobs, i, i+1)
	return true
}

func (g *group) hasBackupTimer() bool {
	return g.backupCancel != nil
}

func (g *group) cancelBackupTimer() {
	if g.backupCancel != nil {
		g.backupCancel()
		g.backupCancel = nil
	}
}

// maxJobLoadState is the furthest load state among the group's jobs.
func (g *group) maxJobLoadState() LoadState {
	state := LoadStateIdle
	for _, e := range g.jobs {
		state = max(state, e.job.LoadState())
	}
	return state
}
