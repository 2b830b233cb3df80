// sockpool runs a socket connection pool with a debug server, or probes
// destinations through one.
//
// Usage:
//
//	sockpool [flags] serve
//	sockpool [flags] probe [--count N] [--priority P] <key>...
//	sockpool [flags] init-config <path>
//
// Keys have the form scheme://host[:port][#partition], for example
// tcp://example.com:443 or i2p://idk.i2p.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-i2p/sockpool/lib/core"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "sockpool", "config.toml")
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("sockpool", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)

	configPath := fs.StringP("config", "c", defaultConfigPath(), "Path to configuration file")
	verbose := fs.BoolP("verbose", "v", false, "Enable debug logging")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "sockpool - pooled connections over TCP, SOCKS5, I2P and WireGuard\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  sockpool [flags] serve               Run the pool and debug server\n")
		fmt.Fprintf(stderr, "  sockpool [flags] probe <key>...      Acquire and release through the pool\n")
		fmt.Fprintf(stderr, "  sockpool [flags] init-config <path>  Write a default configuration\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "sockpool version %s\n", version.Full())
		return 0
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	switch rest[0] {
	case "init-config":
		return handleInitConfig(rest[1:], logger)
	case "serve", "probe":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		return 1
	}

	if rest[0] == "serve" {
		return handleServe(cfg, logger)
	}
	return handleProbe(rest[1:], cfg, logger, stdout, stderr)
}

func handleInitConfig(args []string, logger *slog.Logger) int {
	if len(args) != 1 {
		logger.Error("init-config needs exactly one path")
		return 2
	}
	if _, err := os.Stat(args[0]); err == nil {
		logger.Error("refusing to overwrite existing file", "path", args[0])
		return 1
	}
	if err := core.SaveConfig(core.DefaultConfig(), args[0]); err != nil {
		logger.Error("failed to write config", "error", err)
		return 1
	}
	logger.Info("wrote default configuration", "path", args[0])
	return 0
}

func handleServe(cfg *core.Config, logger *slog.Logger) int {
	svc, err := core.NewService(cfg)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The service outlives the signal context so Stop can drain it.
	if err := svc.Start(context.Background()); err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	logger.Info("sockpool started",
		"version", version.Full(),
		"schemes", svc.Router().Schemes(),
		"debug", svc.DebugAddr(),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-svc.Done():
		logger.Info("service stopped unexpectedly")
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}
	logger.Info("sockpool stopped")
	return 0
}

// probeResult is one acquire/release round.
type probeResult struct {
	Key      string        `json:"key"`
	Round    int           `json:"round"`
	Reused   bool          `json:"reused"`
	IdleTime time.Duration `json:"idle_time_ns,omitempty"`
	Latency  time.Duration `json:"latency_ns"`
	Error    string        `json:"error,omitempty"`
}

func handleProbe(args []string, cfg *core.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.IntP("count", "n", 2, "Acquire/release rounds per key")
	prioName := fs.StringP("priority", "p", "medium", "Request priority (idle, lowest, low, medium, highest)")
	interval := fs.Duration("interval", 0, "Pause between rounds")
	asJSON := fs.Bool("json", false, "Print results as JSON lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 || *count < 1 {
		logger.Error("probe needs at least one key and a positive --count")
		return 2
	}
	prio, err := pool.ParsePriority(*prioName)
	if err != nil {
		logger.Error("bad priority", "error", err)
		return 2
	}
	keys := make([]pool.GroupKey, 0, fs.NArg())
	for _, s := range fs.Args() {
		k, err := pool.ParseGroupKey(s)
		if err != nil {
			logger.Error("bad key", "key", s, "error", err)
			return 2
		}
		keys = append(keys, k)
	}

	// A probe is short lived; no debug server or network watcher.
	cfg.Debug.Enabled = false
	cfg.Network.Watch = false
	svc, err := core.NewService(cfg)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := svc.Start(context.Background()); err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Stop(c)
	}()

	enc := json.NewEncoder(stdout)
	failed := 0
	for round := 1; round <= *count; round++ {
		for _, key := range keys {
			res := probeOnce(ctx, svc.Pool(), key, prio)
			res.Round = round
			if res.Error != "" {
				failed++
			}
			if *asJSON {
				enc.Encode(res)
			} else {
				printResult(stdout, res)
			}
		}
		if *interval > 0 && round < *count {
			select {
			case <-ctx.Done():
				return 1
			case <-time.After(*interval):
			}
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func probeOnce(ctx context.Context, p *pool.Pool, key pool.GroupKey, prio pool.Priority) probeResult {
	res := probeResult{Key: key.String()}
	start := time.Now()
	h, err := p.Acquire(ctx, key, prio)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Reused = h.IsReused()
	res.IdleTime = h.IdleTime()
	h.Reset()
	return res
}

func printResult(w io.Writer, r probeResult) {
	if r.Error != "" {
		fmt.Fprintf(w, "%-40s round %d  FAILED after %v: %s\n", r.Key, r.Round, r.Latency.Round(time.Millisecond), r.Error)
		return
	}
	how := "new"
	if r.Reused {
		how = fmt.Sprintf("reused (idle %v)", r.IdleTime.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "%-40s round %d  %-24s %v\n", r.Key, r.Round, how, r.Latency.Round(time.Microsecond))
}
