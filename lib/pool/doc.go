// Package pool brokers connected sockets among many callers under a global
// limit and a per-destination limit.
//
// Sockets are partitioned by GroupKey. A request is served, in order, by the
// most recently idled socket of its group, by a new ConnectJob, or it waits
// in a priority queue. Waiting is not an error. Capacity freed by a release,
// a failed job or a closed idle socket is offered first to the releasing
// group and then to the most urgent group that only the global limit was
// holding back.
//
// # Basic Usage
//
//	p, err := pool.New(factory, pool.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	h, err := p.Acquire(ctx, pool.NewGroupKey("tcp", "example.com", 80), pool.PriorityMedium)
//	if err != nil {
//	    return err
//	}
//	defer h.Reset()
//
//	// Use h.Socket()...
//
// # Callback API
//
// RequestSocket never blocks. It returns StatusComplete when an idle socket
// or a synchronous connect job served the request, or StatusPending, in
// which case the callback runs exactly once on the Scheduler unless the
// request is cancelled first:
//
//	var h pool.Handle
//	status, err := p.RequestSocket(key, pool.PriorityLow, &h, func(err error) {
//	    // h.Socket() is valid when err is nil.
//	})
//
// # Backup Jobs
//
// When the first connect job of an empty group runs longer than
// Config.BackupJobDelay, a second job is started for the same request.
// Whichever finishes first serves it; the other's socket is parked idle.
//
// # Generations
//
// Flush, also reachable as OnNetworkChange, starts a new generation and
// closes idle sockets. Sockets from an older generation are never reused.
//
// # Metrics
//
// The pool publishes sockpool_* counters, gauges and histograms through the
// metrics package.
package pool
