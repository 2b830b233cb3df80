package testutil

import (
	"fmt"
	"sync"

	"github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
)

// JobType selects how a MockJob behaves.
type JobType int

const (
	// JobSyncOK succeeds inside Connect.
	JobSyncOK JobType = iota
	// JobSyncFail fails inside Connect.
	JobSyncFail
	// JobPendingOK succeeds on the next scheduler turn.
	JobPendingOK
	// JobPendingFail fails on the next scheduler turn.
	JobPendingFail
	// JobWaiting stays in LoadStateConnecting until Complete is called.
	JobWaiting
	// JobResolving stays in LoadStateResolvingHost until Complete is called.
	JobResolving
)

// ErrMockConnect is the error failing mock jobs report.
var ErrMockConnect = fmt.Errorf("mock connect: %w", errors.ErrConnectionFailed)

// MockJobFactory builds MockJobs and remembers them.
type MockJobFactory struct {
	mu      sync.Mutex
	sched   pool.Scheduler
	jobType JobType
	queued  []JobType
	jobs    []*MockJob
}

// NewMockJobFactory returns a factory producing jobs of type jt. Pending job
// types complete through sched.
func NewMockJobFactory(sched pool.Scheduler, jt JobType) *MockJobFactory {
	return &MockJobFactory{sched: sched, jobType: jt}
}

// SetJobType changes the default type for new jobs.
func (f *MockJobFactory) SetJobType(jt JobType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobType = jt
}

// QueueJobTypes makes the next jobs use types in order before falling back
// to the default.
func (f *MockJobFactory) QueueJobTypes(types ...JobType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, types...)
}

// NewConnectJob implements pool.JobFactory.
func (f *MockJobFactory) NewConnectJob(key pool.GroupKey, priority pool.Priority, delegate pool.JobDelegate) pool.ConnectJob {
	f.mu.Lock()
	defer f.mu.Unlock()

	jt := f.jobType
	if len(f.queued) > 0 {
		jt = f.queued[0]
		f.queued = f.queued[1:]
	}
	j := &MockJob{
		factory:  f,
		key:      key,
		priority: priority,
		delegate: delegate,
		jobType:  jt,
	}
	f.jobs = append(f.jobs, j)
	return j
}

// Jobs returns every job created so far.
func (f *MockJobFactory) Jobs() []*MockJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockJob(nil), f.jobs...)
}

// JobCount returns the number of jobs created so far.
func (f *MockJobFactory) JobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// Job returns the i-th job created.
func (f *MockJobFactory) Job(i int) *MockJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[i]
}

// MockJob is a scripted pool.ConnectJob.
type MockJob struct {
	mu        sync.Mutex
	factory   *MockJobFactory
	key       pool.GroupKey
	priority  pool.Priority
	delegate  pool.JobDelegate
	jobType   JobType
	loadState pool.LoadState
	socket    *MockSocket
	started   bool
	cancelled bool
	done      bool
}

// Connect implements pool.ConnectJob.
func (j *MockJob) Connect() (pool.Status, pool.Socket, error) {
	j.mu.Lock()
	j.started = true
	jt := j.jobType
	j.mu.Unlock()

	switch jt {
	case JobSyncOK:
		j.markDone()
		return pool.StatusComplete, j.newSocket(), nil
	case JobSyncFail:
		j.markDone()
		return pool.StatusComplete, nil, ErrMockConnect
	case JobPendingOK, JobPendingFail:
		j.SetLoadState(pool.LoadStateConnecting)
		j.factory.sched.Post(func() { j.Complete(jt == JobPendingOK) })
	case JobWaiting:
		j.SetLoadState(pool.LoadStateConnecting)
	case JobResolving:
		j.SetLoadState(pool.LoadStateResolvingHost)
	}
	return pool.StatusPending, nil, nil
}

// Complete reports the job's result to the pool, unless it was cancelled or
// already reported. It returns whether the delegate was called.
func (j *MockJob) Complete(ok bool) bool {
	j.mu.Lock()
	if j.cancelled || j.done {
		j.mu.Unlock()
		return false
	}
	j.done = true
	j.mu.Unlock()

	if ok {
		j.delegate.OnConnectJobComplete(j.newSocket(), nil)
	} else {
		j.delegate.OnConnectJobComplete(nil, ErrMockConnect)
	}
	return true
}

// CompleteDespiteCancel reports success even after Cancel, simulating a
// completion racing with cancellation.
func (j *MockJob) CompleteDespiteCancel() *MockSocket {
	sock := j.newSocket()
	j.delegate.OnConnectJobComplete(sock, nil)
	return sock
}

func (j *MockJob) newSocket() *MockSocket {
	sock := NewMockSocket()
	j.mu.Lock()
	j.socket = sock
	j.mu.Unlock()
	return sock
}

func (j *MockJob) markDone() {
	j.mu.Lock()
	j.done = true
	j.mu.Unlock()
}

// Cancel implements pool.ConnectJob.
func (j *MockJob) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
}

// LoadState implements pool.ConnectJob.
func (j *MockJob) LoadState() pool.LoadState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadState
}

// SetLoadState changes what LoadState reports.
func (j *MockJob) SetLoadState(s pool.LoadState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.loadState = s
}

// Cancelled reports whether the pool cancelled the job.
func (j *MockJob) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Done reports whether the job has produced its result.
func (j *MockJob) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// Socket returns the socket the job produced, if any.
func (j *MockJob) Socket() *MockSocket {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.socket
}

// Key returns the group the job was created for.
func (j *MockJob) Key() pool.GroupKey { return j.key }

// Priority returns the priority the job was created with.
func (j *MockJob) Priority() pool.Priority { return j.priority }
