package connectjob

import (
	"bufio"
	"context"
	"errors"
	"testing"
	"time"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/testutil"
)

func TestTCPFactoryThroughPool(t *testing.T) {
	srv, err := testutil.NewEchoServer()
	if err != nil {
		t.Fatalf("NewEchoServer() error = %v", err)
	}
	defer srv.Close()

	resolver := NewResolver(ResolverConfig{
		Lookup: func(context.Context, string) ([]string, error) { return []string{"127.0.0.1"}, nil },
	})
	router := NewRouter()
	router.Register(SchemeTCP, &TCPFactory{Resolver: resolver, Timeout: 2 * time.Second})

	cfg := pool.DefaultConfig()
	cfg.ConnectBackupJobs = false
	p, err := pool.New(router, cfg)
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	defer p.Close()

	key := pool.NewGroupKey(SchemeTCP, "echo.test", srv.Port())
	for round := 0; round < 2; round++ {
		h, err := p.Acquire(context.Background(), key, pool.PriorityMedium)
		if err != nil {
			t.Fatalf("round %d: Acquire() error = %v", round, err)
		}
		if h.IsReused() != (round == 1) {
			t.Errorf("round %d: Expected IsReused=%v", round, round == 1)
		}

		sock := h.Socket()
		if _, err := sock.Write([]byte("hello\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		line, err := bufio.NewReader(sock).ReadString('\n')
		if err != nil || line != "hello\n" {
			t.Fatalf("Expected echo, got %q err=%v", line, err)
		}
		h.Reset()
	}

	if srv.Accepted() != 1 {
		t.Errorf("Expected one TCP connection to be reused, got %d accepts", srv.Accepted())
	}
}

func TestTCPFactoryRefused(t *testing.T) {
	srv, err := testutil.NewEchoServer()
	if err != nil {
		t.Fatal(err)
	}
	port := srv.Port()
	srv.Close()

	f := &TCPFactory{Resolver: NewResolver(ResolverConfig{}), Timeout: time.Second}
	rec := newRecorder()
	f.NewConnectJob(pool.NewGroupKey(SchemeTCP, "127.0.0.1", port), pool.PriorityMedium, rec).Connect()

	res := rec.wait(t)
	if !errors.Is(res.err, poolerrors.ErrConnectionFailed) {
		t.Errorf("Expected ErrConnectionFailed, got %v", res.err)
	}
}
