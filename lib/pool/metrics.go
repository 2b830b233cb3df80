package pool

import "github.com/go-i2p/sockpool/lib/metrics"

// Pool metrics
var (
	// MaxSocketsGauge is the configured global limit.
	MaxSocketsGauge = metrics.NewGauge(
		"sockpool_max_sockets",
		"Configured maximum number of sockets",
	)
	// HandedOutGauge is the number of sockets held by callers.
	HandedOutGauge = metrics.NewGauge(
		"sockpool_sockets_handed_out",
		"Number of sockets currently handed out",
	)
	// ConnectingGauge is the number of running connect jobs.
	ConnectingGauge = metrics.NewGauge(
		"sockpool_sockets_connecting",
		"Number of connect jobs in flight",
	)
	// IdleGauge is the number of idle sockets.
	IdleGauge = metrics.NewGauge(
		"sockpool_sockets_idle",
		"Number of idle sockets awaiting reuse",
	)
	// GroupsGauge is the number of tracked groups.
	GroupsGauge = metrics.NewGauge(
		"sockpool_groups",
		"Number of destination groups",
	)
	RequestsTotal = metrics.NewCounter(
		"sockpool_requests_total",
		"Total socket requests",
	)
	RequestsFailed = metrics.NewCounter(
		"sockpool_requests_failed_total",
		"Total socket requests that ended in an error",
	)
	CancelsTotal = metrics.NewCounter(
		"sockpool_requests_cancelled_total",
		"Total socket requests cancelled by callers",
	)
	ReleasesTotal = metrics.NewCounter(
		"sockpool_releases_total",
		"Total sockets returned to the pool",
	)
	IdleReusedTotal = metrics.NewCounter(
		"sockpool_idle_reused_total",
		"Total requests served from an idle socket",
	)
	IdleClosedTotal = metrics.NewCounter(
		"sockpool_idle_closed_total",
		"Total idle sockets closed",
	)
	JobsStarted = metrics.NewCounter(
		"sockpool_connect_jobs_started_total",
		"Total connect jobs started",
	)
	JobsSucceeded = metrics.NewCounter(
		"sockpool_connect_jobs_succeeded_total",
		"Total connect jobs that produced a socket",
	)
	JobsFailed = metrics.NewCounter(
		"sockpool_connect_jobs_failed_total",
		"Total connect jobs that failed",
	)
	JobsCancelled = metrics.NewCounter(
		"sockpool_connect_jobs_cancelled_total",
		"Total connect jobs cancelled by the pool",
	)
	BackupJobsStarted = metrics.NewCounter(
		"sockpool_backup_jobs_started_total",
		"Total backup connect jobs started",
	)
	StalledPerGroupTotal = metrics.NewCounter(
		"sockpool_stalled_max_sockets_per_group_total",
		"Total requests queued behind a group limit",
	)
	StalledGlobalTotal = metrics.NewCounter(
		"sockpool_stalled_max_sockets_total",
		"Total requests queued behind the global limit",
	)
	FlushesTotal = metrics.NewCounter(
		"sockpool_flushes_total",
		"Total generation flushes",
	)
	// ConnectDuration tracks connect job run time as seen by the pool.
	ConnectDuration = metrics.NewHistogram(
		"sockpool_connect_job_duration_seconds",
		"Time from starting a connect job to its completion",
		metrics.DefaultLatencyBuckets,
	)
	// AcquireDuration tracks time spent in Acquire.
	AcquireDuration = metrics.NewHistogram(
		"sockpool_acquire_duration_seconds",
		"Time spent acquiring a socket",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	MaxSocketsGauge.Set(int64(stats.MaxSockets))
	HandedOutGauge.Set(int64(stats.HandedOut))
	ConnectingGauge.Set(int64(stats.Connecting))
	IdleGauge.Set(int64(stats.Idle))
	GroupsGauge.Set(int64(stats.Groups))
}

func (p *Pool) publishLocked() {
	HandedOutGauge.Set(int64(p.handedOut))
	ConnectingGauge.Set(int64(p.connecting))
	IdleGauge.Set(int64(p.idleCount))
	GroupsGauge.Set(int64(len(p.groups)))
}
