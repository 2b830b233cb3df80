package connectjob

import (
	"testing"
	"time"

	"github.com/go-i2p/sockpool/lib/pool"
)

type jobResult struct {
	sock pool.Socket
	err  error
}

// recorder is a JobDelegate that hands results to the test.
type recorder struct {
	ch chan jobResult
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan jobResult, 4)}
}

func (r *recorder) OnConnectJobComplete(sock pool.Socket, err error) {
	r.ch <- jobResult{sock, err}
}

func (r *recorder) wait(t *testing.T) jobResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job completion")
		return jobResult{}
	}
}

func (r *recorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case res := <-r.ch:
		t.Fatalf("Expected no completion, got sock=%v err=%v", res.sock, res.err)
	case <-time.After(within):
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
