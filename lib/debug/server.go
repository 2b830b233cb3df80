// Package debug serves the pool's state and a few maintenance actions over
// HTTP. It is meant for a loopback listener.
package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/metrics"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/ratelimit"
	"github.com/go-i2p/sockpool/lib/resilience"
	"github.com/go-i2p/sockpool/version"
)

// Pool is the part of *pool.Pool the server reads and drives.
type Pool interface {
	Stats() pool.Stats
	Info() pool.Info
	Flush()
	CloseIdleSockets()
	IdleSocketCount() int
}

// Config holds debug server configuration.
type Config struct {
	// Listen is the address to listen on, e.g. "127.0.0.1:7680".
	Listen string
	Pool   Pool
	// Breakers and Monitors are optional.
	Breakers *resilience.BreakerSet
	Monitors []*resilience.EndpointMonitor
	// Schemes lists the registered connect-job schemes.
	Schemes func() []string
	// ActionLimit limits POST actions per client. Nil disables it.
	ActionLimit *ratelimit.KeyedLimiter
}

// Server is the debug HTTP server.
type Server struct {
	cfg        Config
	router     chi.Router
	httpServer *http.Server

	mu       sync.Mutex
	running  bool
	listener net.Listener
}

// poolReport is the body of GET /debug/pool.
type poolReport struct {
	pool.Info
	Schemes  []string                  `json:"schemes,omitempty"`
	Breakers []resilience.Stats        `json:"breakers,omitempty"`
	Monitors []resilience.MonitorStats `json:"monitors,omitempty"`
}

// New builds the server. It does not listen until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("debug: pool is required: %w", poolerrors.ErrConfiguration)
	}

	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metricsHandler())
	r.Route("/debug/pool", func(r chi.Router) {
		r.Get("/", s.handlePool)
		r.Get("/groups/{key}", s.handleGroup)
		r.Group(func(r chi.Router) {
			if cfg.ActionLimit != nil {
				r.Use(s.limitActions)
			}
			r.Post("/flush", s.handleFlush)
			r.Post("/close-idle", s.handleCloseIdle)
		})
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("debug: server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("debug: listen: %w", err)
	}
	s.listener = ln
	s.running = true
	log.WithField("addr", ln.Addr().String()).Info("debug server started")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("debug server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("debug: shutdown: %w", err)
	}
	log.Info("debug server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		w.Header().Set("X-Content-Type-Options", "nosniff")

		next.ServeHTTP(ww, r)

		log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			Debug("debug request")
	})
}

func (s *Server) limitActions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.cfg.ActionLimit.Allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, poolerrors.ErrRateLimited.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsHandler() http.Handler {
	h := metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pool.UpdateMetrics(s.cfg.Pool.Stats())
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Pool.Stats()
	if st.Closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closed"})
		return
	}

	unhealthy := lo.FilterMap(s.cfg.Monitors, func(m *resilience.EndpointMonitor, _ int) (string, bool) {
		return m.Addr(), !m.Healthy()
	})
	status := "ok"
	if len(unhealthy) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"unhealthy": unhealthy,
		"sockets":   st.HandedOut + st.Connecting + st.Idle,
		"version":   version.Full(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	rep := poolReport{Info: s.cfg.Pool.Info()}
	if s.cfg.Schemes != nil {
		rep.Schemes = s.cfg.Schemes()
	}
	if s.cfg.Breakers != nil {
		rep.Breakers = s.cfg.Breakers.Stats()
	}
	rep.Monitors = lo.Map(s.cfg.Monitors, func(m *resilience.EndpointMonitor, _ int) resilience.MonitorStats {
		return m.Stats()
	})
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := pool.ParseGroupKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	gi, ok := lo.Find(s.cfg.Pool.Info().Groups, func(g pool.GroupInfo) bool {
		return g.Key == key.String()
	})
	if !ok {
		writeError(w, http.StatusNotFound, "no such group: "+key.String())
		return
	}
	writeJSON(w, http.StatusOK, gi)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.cfg.Pool.Flush()
	log.Info("pool flushed from debug server")
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": s.cfg.Pool.Stats().Generation})
}

func (s *Server) handleCloseIdle(w http.ResponseWriter, r *http.Request) {
	before := s.cfg.Pool.IdleSocketCount()
	s.cfg.Pool.CloseIdleSockets()
	closed := before - s.cfg.Pool.IdleSocketCount()
	log.WithField("closed", closed).Info("idle sockets closed from debug server")
	writeJSON(w, http.StatusOK, map[string]int{"closed": max(closed, 0)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("json encode error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
