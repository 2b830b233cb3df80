package connectjob

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/metrics"
	"github.com/go-i2p/sockpool/lib/pool"
)

// DialFunc opens a connection for key. It calls report as it moves from
// host resolution to connecting.
type DialFunc func(ctx context.Context, key pool.GroupKey, report func(pool.LoadState)) (net.Conn, error)

var errJobStarted = errors.New("connectjob: job already started")

// Job runs a DialFunc on its own goroutine and reports the result to its
// delegate. It never completes synchronously.
type Job struct {
	key      pool.GroupKey
	delegate pool.JobDelegate
	dial     DialFunc
	timeout  time.Duration

	mu        sync.Mutex
	state     pool.LoadState
	cancel    context.CancelFunc
	started   bool
	cancelled bool
}

// NewJob returns a job for key. timeout <= 0 means no deadline.
func NewJob(key pool.GroupKey, delegate pool.JobDelegate, dial DialFunc, timeout time.Duration) *Job {
	return &Job{
		key:      key,
		delegate: delegate,
		dial:     dial,
		timeout:  timeout,
	}
}

// Connect implements pool.ConnectJob.
func (j *Job) Connect() (pool.Status, pool.Socket, error) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return pool.StatusComplete, nil, errJobStarted
	}
	j.started = true

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), j.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	j.cancel = cancel
	j.state = pool.LoadStateResolvingHost
	j.mu.Unlock()

	go j.run(ctx, cancel)
	return pool.StatusPending, nil, nil
}

func (j *Job) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	start := time.Now()

	conn, err := j.dial(ctx, j.key, j.setState)

	j.mu.Lock()
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		err = j.wrapError(ctx, err)
		log.WithField("group", j.key.String()).WithError(err).Debug("connect failed")
		j.delegate.OnConnectJobComplete(nil, err)
		return
	}
	if conn == nil {
		j.delegate.OnConnectJobComplete(nil, j.wrapError(ctx, errors.New("dial returned no connection")))
		return
	}

	metrics.ConnectLatency.ObserveDuration(time.Since(start))
	log.WithField("group", j.key.String()).
		WithField("elapsed", time.Since(start)).
		Debug("connected")
	j.delegate.OnConnectJobComplete(NewSocket(conn), nil)
}

func (j *Job) wrapError(ctx context.Context, err error) error {
	b := oops.In("connectjob").With("group", j.key.String())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return b.Code("connect_timeout").
			With("timeout", j.timeout).
			Wrapf(fmt.Errorf("%w: %w", poolerrors.ErrConnectionTimedOut, err), "connect %s", j.key)
	}
	return b.Code("connect_failed").
		Wrapf(fmt.Errorf("%w: %w", poolerrors.ErrConnectionFailed, err), "connect %s", j.key)
}

func (j *Job) setState(s pool.LoadState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

// Cancel implements pool.ConnectJob. The delegate is not called afterwards
// and a connection that still arrives is closed.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return
	}
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
}

// LoadState implements pool.ConnectJob.
func (j *Job) LoadState() pool.LoadState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// FailedJob is a ConnectJob that fails synchronously with Err.
type FailedJob struct {
	Err error
}

// Connect implements pool.ConnectJob.
func (f FailedJob) Connect() (pool.Status, pool.Socket, error) {
	return pool.StatusComplete, nil, f.Err
}

// Cancel implements pool.ConnectJob.
func (FailedJob) Cancel() {}

// LoadState implements pool.ConnectJob.
func (FailedJob) LoadState() pool.LoadState { return pool.LoadStateIdle }
