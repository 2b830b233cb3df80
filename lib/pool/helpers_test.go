package pool_test

import (
	"testing"
	"time"

	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/testutil"
)

type testEnv struct {
	t       *testing.T
	sched   *testutil.ManualScheduler
	factory *testutil.MockJobFactory
	pool    *pool.Pool
	cfg     pool.Config
}

func newTestEnv(t *testing.T, maxSockets, maxPerGroup int, jt testutil.JobType, opts ...func(*pool.Config)) *testEnv {
	t.Helper()

	sched := testutil.NewManualScheduler()
	factory := testutil.NewMockJobFactory(sched, jt)
	cfg := pool.Config{
		MaxSockets:         maxSockets,
		MaxSocketsPerGroup: maxPerGroup,
		UnusedIdleTimeout:  10 * time.Second,
		UsedIdleTimeout:    5 * time.Minute,
		CleanupInterval:    10 * time.Second,
		BackupJobDelay:     250 * time.Millisecond,
		Scheduler:          sched,
		Now:                sched.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p, err := pool.New(factory, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	return &testEnv{t: t, sched: sched, factory: factory, pool: p, cfg: cfg}
}

func withBackupJobs(cfg *pool.Config) { cfg.ConnectBackupJobs = true }

func groupKey(name string) pool.GroupKey {
	return pool.NewGroupKey("tcp", name+".test", 80)
}

type testRequest struct {
	key    pool.GroupKey
	handle *pool.Handle
	status pool.Status
	err    error
	calls  int
	result error
}

func (r *testRequest) socket() *testutil.MockSocket {
	if s := r.handle.Socket(); s != nil {
		return s.(*testutil.MockSocket)
	}
	return nil
}

// request issues a request and records its callback into completed.
func (e *testEnv) request(name string, prio pool.Priority, completed *[]*testRequest) *testRequest {
	e.t.Helper()
	r := &testRequest{key: groupKey(name), handle: &pool.Handle{}}
	r.status, r.err = e.pool.RequestSocket(r.key, prio, r.handle, func(err error) {
		r.calls++
		r.result = err
		if completed != nil {
			*completed = append(*completed, r)
		}
	})
	e.checkInvariants()
	return r
}

func (e *testEnv) mustComplete(name string) *testRequest {
	e.t.Helper()
	r := e.request(name, pool.PriorityMedium, nil)
	if r.status != pool.StatusComplete || r.err != nil {
		e.t.Fatalf("Expected synchronous success for %s, got status=%v err=%v", name, r.status, r.err)
	}
	return r
}

func (e *testEnv) mustPend(name string, prio pool.Priority, completed *[]*testRequest) *testRequest {
	e.t.Helper()
	r := e.request(name, prio, completed)
	if r.status != pool.StatusPending || r.err != nil {
		e.t.Fatalf("Expected pending for %s, got status=%v err=%v", name, r.status, r.err)
	}
	return r
}

func (e *testEnv) release(r *testRequest) {
	e.t.Helper()
	r.handle.Reset()
	e.checkInvariants()
}

// checkInvariants asserts the global and per-group capacity limits.
func (e *testEnv) checkInvariants() {
	e.t.Helper()
	info := e.pool.Info()
	if total := info.HandedOut + info.Connecting + info.Idle; total > info.MaxSockets {
		e.t.Fatalf("global limit exceeded: handed=%d connecting=%d idle=%d max=%d",
			info.HandedOut, info.Connecting, info.Idle, info.MaxSockets)
	}
	for _, g := range info.Groups {
		if total := g.ActiveSockets + len(g.ConnectJobs) + g.IdleSockets; total > info.MaxSocketsPerGroup {
			e.t.Fatalf("group %s limit exceeded: active=%d jobs=%d idle=%d max=%d",
				g.Key, g.ActiveSockets, len(g.ConnectJobs), g.IdleSockets, info.MaxSocketsPerGroup)
		}
	}
}

func (e *testEnv) expectStats(handedOut, connecting, idle int) {
	e.t.Helper()
	s := e.pool.Stats()
	if s.HandedOut != handedOut || s.Connecting != connecting || s.Idle != idle {
		e.t.Errorf("Expected handed/connecting/idle %d/%d/%d, got %d/%d/%d",
			handedOut, connecting, idle, s.HandedOut, s.Connecting, s.Idle)
	}
}
