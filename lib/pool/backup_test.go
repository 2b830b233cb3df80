package pool_test

import (
	"testing"
	"time"

	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/testutil"
)

func TestBackupJobServesSlowGroup(t *testing.T) {
	env := newTestEnv(t, 10, 2, testutil.JobWaiting, withBackupJobs)

	r := env.mustPend("a", pool.PriorityMedium, nil)
	env.sched.Advance(249 * time.Millisecond)
	if env.factory.JobCount() != 1 {
		t.Fatal("Expected no backup before the delay")
	}

	env.sched.Advance(time.Millisecond)
	if env.factory.JobCount() != 2 {
		t.Fatalf("Expected a backup job after the delay, got %d jobs", env.factory.JobCount())
	}
	env.checkInvariants()

	env.factory.Job(1).Complete(true)
	env.sched.RunPending()
	if r.calls != 1 || r.result != nil {
		t.Fatalf("Expected the backup to serve the request, calls=%d err=%v", r.calls, r.result)
	}

	env.factory.Job(0).Complete(true)
	if env.pool.IdleSocketCountInGroup(r.key) != 1 {
		t.Error("Expected the slower job's socket to be parked idle")
	}
	env.expectStats(1, 0, 1)
}

func TestBackupTimerWaitsForHostResolution(t *testing.T) {
	env := newTestEnv(t, 10, 2, testutil.JobResolving, withBackupJobs)

	env.mustPend("a", pool.PriorityMedium, nil)
	env.sched.Advance(time.Second)
	if env.factory.JobCount() != 1 {
		t.Fatal("Expected no backup while the lead job resolves the host")
	}

	env.factory.Job(0).SetLoadState(pool.LoadStateConnecting)
	env.sched.Advance(250 * time.Millisecond)
	if env.factory.JobCount() != 2 {
		t.Errorf("Expected a backup once the lead job is connecting, got %d", env.factory.JobCount())
	}
}

func TestBackupTimerRespectsLimits(t *testing.T) {
	env := newTestEnv(t, 1, 1, testutil.JobWaiting, withBackupJobs)

	env.mustPend("a", pool.PriorityMedium, nil)
	env.sched.Advance(time.Second)
	if env.factory.JobCount() != 1 {
		t.Errorf("Expected no backup at the global limit, got %d jobs", env.factory.JobCount())
	}
	env.checkInvariants()
}

func TestBackupTimerCancelledOnCompletion(t *testing.T) {
	env := newTestEnv(t, 10, 2, testutil.JobWaiting, withBackupJobs)

	r := env.mustPend("a", pool.PriorityMedium, nil)
	env.factory.Job(0).Complete(true)
	env.sched.RunPending()
	if r.calls != 1 {
		t.Fatal("Expected the request to complete")
	}

	if env.sched.PendingTimers() != 0 {
		t.Errorf("Expected no timers once the group has no jobs, got %d", env.sched.PendingTimers())
	}
	env.sched.Advance(time.Second)
	if env.factory.JobCount() != 1 {
		t.Error("Expected no backup after completion")
	}
}

func TestBackupOnlyForFreshGroups(t *testing.T) {
	env := newTestEnv(t, 10, 3, testutil.JobSyncOK, withBackupJobs)

	held := env.mustComplete("a")
	env.factory.SetJobType(testutil.JobWaiting)
	env.mustPend("a", pool.PriorityMedium, nil)

	env.sched.Advance(time.Second)
	if env.factory.JobCount() != 2 {
		t.Errorf("Expected no backup for a group that already has a socket, got %d jobs", env.factory.JobCount())
	}
	env.release(held)
}

func TestBackupSyncFailureKeepsRequest(t *testing.T) {
	env := newTestEnv(t, 10, 2, testutil.JobWaiting, withBackupJobs)

	r := env.mustPend("a", pool.PriorityMedium, nil)
	env.factory.QueueJobTypes(testutil.JobSyncFail)
	env.sched.Advance(250 * time.Millisecond)
	env.sched.RunPending()

	if env.factory.JobCount() != 2 {
		t.Fatalf("Expected the backup to have been attempted, got %d jobs", env.factory.JobCount())
	}
	if r.calls != 0 {
		t.Fatal("Expected the lead job to keep the request")
	}
	env.expectStats(0, 1, 0)
}
