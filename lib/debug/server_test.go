package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/ratelimit"
	"github.com/go-i2p/sockpool/lib/resilience"
	"github.com/go-i2p/sockpool/lib/testutil"
)

// newIdlePool returns a pool holding one idle socket for tcp://a.test:80.
func newIdlePool(t *testing.T) *pool.Pool {
	t.Helper()
	sched := testutil.NewManualScheduler()
	cfg := pool.DefaultConfig()
	cfg.Scheduler = sched
	cfg.Now = sched.Now
	cfg.ConnectBackupJobs = false

	p, err := pool.New(testutil.NewMockJobFactory(sched, testutil.JobSyncOK), cfg)
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	h := &pool.Handle{}
	status, err := p.RequestSocket(pool.NewGroupKey("tcp", "a.test", 80), pool.PriorityMedium, h, func(error) {})
	if status != pool.StatusComplete || err != nil {
		t.Fatalf("RequestSocket() = %v, %v", status, err)
	}
	h.Reset()
	return p
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding %s %s: %v", method, target, err)
		}
	}
	return rec, body
}

func TestNewRequiresPool(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, poolerrors.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	p := newIdlePool(t)
	down := resilience.NewEndpointMonitor("proxy", "127.0.0.1:1", resilience.DefaultMonitorConfig())
	down.Check(context.Background())
	s := newTestServer(t, Config{Pool: p, Monitors: []*resilience.EndpointMonitor{down}})

	rec, body := do(t, s.Handler(), http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["sockets"] != float64(1) {
		t.Errorf("Expected 1 socket, got %v", body["sockets"])
	}
	if body["status"] != "degraded" {
		t.Errorf("Expected degraded with a refused monitor, got %v", body["status"])
	}

	p.Close()
	rec, body = do(t, s.Handler(), http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "closed" {
		t.Errorf("Expected 503 closed, got %d %v", rec.Code, body)
	}
}

func TestPoolInfo(t *testing.T) {
	p := newIdlePool(t)
	breakers, err := resilience.NewBreakerSet(resilience.DefaultConfig(), 16)
	if err != nil {
		t.Fatalf("NewBreakerSet() error = %v", err)
	}
	breakers.Record("tcp://a.test:80", nil)

	s := newTestServer(t, Config{
		Pool:     p,
		Breakers: breakers,
		Schemes:  func() []string { return []string{"tcp"} },
	})

	rec, body := do(t, s.Handler(), http.MethodGet, "/debug/pool")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if body["idle"] != float64(1) {
		t.Errorf("Expected idle 1, got %v", body["idle"])
	}
	groups, _ := body["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %v", body["groups"])
	}
	if g := groups[0].(map[string]any); g["key"] != "tcp://a.test:80" || g["idle_socket_count"] != float64(1) {
		t.Errorf("Unexpected group %v", g)
	}
	if br, _ := body["breakers"].([]any); len(br) != 1 {
		t.Errorf("Expected 1 breaker, got %v", body["breakers"])
	}
	if sc, _ := body["schemes"].([]any); len(sc) != 1 || sc[0] != "tcp" {
		t.Errorf("Expected schemes [tcp], got %v", body["schemes"])
	}
}

func TestGroupLookup(t *testing.T) {
	s := newTestServer(t, Config{Pool: newIdlePool(t)})

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"escaped key", "/debug/pool/groups/tcp:%2F%2Fa.test:80", http.StatusOK},
		{"unknown group", "/debug/pool/groups/tcp:%2F%2Fb.test:80", http.StatusNotFound},
		{"bad key", "/debug/pool/groups/nonsense", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, s.Handler(), http.MethodGet, tt.target)
			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d: %s", tt.code, rec.Code, rec.Body)
			}
		})
	}
}

func TestActions(t *testing.T) {
	p := newIdlePool(t)
	s := newTestServer(t, Config{Pool: p})

	rec, body := do(t, s.Handler(), http.MethodPost, "/debug/pool/close-idle")
	if rec.Code != http.StatusOK || body["closed"] != float64(1) {
		t.Errorf("Expected 1 closed, got %d %v", rec.Code, body)
	}
	if p.IdleSocketCount() != 0 {
		t.Errorf("Expected no idle sockets, got %d", p.IdleSocketCount())
	}

	rec, body = do(t, s.Handler(), http.MethodPost, "/debug/pool/flush")
	if rec.Code != http.StatusOK || body["generation"] != float64(1) {
		t.Errorf("Expected generation 1, got %d %v", rec.Code, body)
	}

	rec, _ = do(t, s.Handler(), http.MethodGet, "/debug/pool/flush")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET flush, got %d", rec.Code)
	}
}

func TestActionRateLimit(t *testing.T) {
	limiter := ratelimit.NewKeyed(ratelimit.KeyedConfig{Rate: 0.001, Burst: 1})
	defer limiter.Close()
	s := newTestServer(t, Config{Pool: newIdlePool(t), ActionLimit: limiter})

	if rec, _ := do(t, s.Handler(), http.MethodPost, "/debug/pool/flush"); rec.Code != http.StatusOK {
		t.Fatalf("Expected first action allowed, got %d", rec.Code)
	}
	rec, _ := do(t, s.Handler(), http.MethodPost, "/debug/pool/flush")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/debug/pool"); rec.Code != http.StatusOK {
		t.Errorf("Expected reads unaffected by the action limit, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, Config{Pool: newIdlePool(t)})

	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sockpool_sockets_idle 1") {
		t.Errorf("Expected idle gauge in metrics output:\n%s", rec.Body)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t, Config{Pool: newIdlePool(t), Listen: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("Expected second Start to fail")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
