package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/go-i2p/sockpool/i2pbind"
	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/validation"
)

func genKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	return k
}

func tunnelConfig(t *testing.T) TunnelConfig {
	return TunnelConfig{
		Enabled:    true,
		PrivateKey: genKey(t).String(),
		Address:    "10.9.0.1",
		DNS:        []string{"10.9.0.53"},
		MTU:        DefaultTunnelMTU,
		Transport:  "udp",
		Peers: []TunnelPeerConfig{{
			PublicKey:  genKey(t).PublicKey().String(),
			Endpoint:   "192.0.2.1:51820",
			AllowedIPs: []string{"10.9.0.0/24"},
			KeepAlive:  Duration(25 * time.Second),
		}},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Pool.MaxSockets != 256 || cfg.Pool.MaxSocketsPerGroup != 6 {
		t.Errorf("Expected limits 256/6, got %d/%d", cfg.Pool.MaxSockets, cfg.Pool.MaxSocketsPerGroup)
	}
	if cfg.Pool.BackupJobDelay.D() != 250*time.Millisecond {
		t.Errorf("Expected backup delay 250ms, got %v", cfg.Pool.BackupJobDelay.D())
	}
	if cfg.I2P.SAMAddress != DefaultSAMAddress {
		t.Errorf("Expected SAM address %s, got %s", DefaultSAMAddress, cfg.I2P.SAMAddress)
	}
	if cfg.SOCKS.Enabled || cfg.I2P.Enabled || cfg.Tunnel.Enabled {
		t.Error("Expected optional transports disabled by default")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"zero max sockets", func(c *Config) { c.Pool.MaxSockets = 0 }, true},
		{"per group above max", func(c *Config) { c.Pool.MaxSocketsPerGroup = c.Pool.MaxSockets + 1 }, true},
		{"per group zero", func(c *Config) { c.Pool.MaxSocketsPerGroup = 0 }, true},
		{"backup delay too long", func(c *Config) { c.Pool.BackupJobDelay = Duration(time.Hour) }, true},
		{"zero backup delay means default", func(c *Config) { c.Pool.BackupJobDelay = 0 }, false},
		{"socks without proxy", func(c *Config) { c.SOCKS.Enabled = true }, true},
		{"socks with proxy", func(c *Config) { c.SOCKS.Enabled, c.SOCKS.ProxyAddr = true, "127.0.0.1:9050" }, false},
		{"i2p tunnel length too high", func(c *Config) { c.I2P.Enabled, c.I2P.TunnelLength = true, 9 }, true},
		{"i2p disabled ignores length", func(c *Config) { c.I2P.TunnelLength = 9 }, false},
		{"rate limit without rate", func(c *Config) { c.RateLimit.Enabled, c.RateLimit.Rate = true, 0 }, true},
		{"breaker zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, true},
		{"debug listen malformed", func(c *Config) { c.Debug.Listen = "localhost" }, true},
		{"poll interval too short", func(c *Config) { c.Network.PollInterval = Duration(time.Millisecond) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, poolerrors.ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestConfig_ValidateTunnel(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*TunnelConfig)
		wantErr error
	}{
		{"valid", func(tc *TunnelConfig) {}, nil},
		{"bad private key", func(tc *TunnelConfig) { tc.PrivateKey = "nope" }, validation.ErrInvalidFormat},
		{"bad address", func(tc *TunnelConfig) { tc.Address = "10.9.0" }, validation.ErrInvalidFormat},
		{"no peers", func(tc *TunnelConfig) { tc.Peers = nil }, validation.ErrRequired},
		{"bad transport", func(tc *TunnelConfig) { tc.Transport = "quic" }, validation.ErrInvalidFormat},
		{"bad allowed ip", func(tc *TunnelConfig) { tc.Peers[0].AllowedIPs = []string{"10.9.0.0"} }, validation.ErrInvalidFormat},
		{"i2p endpoint is not host:port", func(tc *TunnelConfig) {
			tc.Transport = "i2p"
			tc.Peers[0].Endpoint = "peer.b32.i2p"
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Tunnel = tunnelConfig(t)
			tt.modify(&cfg.Tunnel)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxSockets = 0
	cfg.Debug.Listen = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected an error")
	}
	for _, field := range []string{"pool.max_sockets", "debug.listen"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Expected %s in %q", field, err)
		}
	}
}

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig should not error on missing file: %v", err)
	}
	if cfg.Pool.MaxSockets != DefaultConfig().Pool.MaxSockets {
		t.Errorf("Expected default max sockets, got %d", cfg.Pool.MaxSockets)
	}
}

func TestLoadConfig_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sockpool.toml")
	data := `
[pool]
max_sockets = 32
max_sockets_per_group = 4
backup_job_delay = "500ms"
used_idle_timeout = "2m"

[socks]
enabled = true
proxy_address = "127.0.0.1:9050"

[ratelimit]
enabled = true
rate = 2.5
burst = 5
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	pc := cfg.PoolConfig()
	if pc.MaxSockets != 32 || pc.MaxSocketsPerGroup != 4 {
		t.Errorf("Expected limits 32/4, got %d/%d", pc.MaxSockets, pc.MaxSocketsPerGroup)
	}
	if pc.BackupJobDelay != 500*time.Millisecond {
		t.Errorf("Expected backup delay 500ms, got %v", pc.BackupJobDelay)
	}
	if pc.UsedIdleTimeout != 2*time.Minute {
		t.Errorf("Expected used idle timeout 2m, got %v", pc.UsedIdleTimeout)
	}
	if pc.UnusedIdleTimeout != 10*time.Second {
		t.Errorf("Expected untouched unused idle timeout 10s, got %v", pc.UnusedIdleTimeout)
	}
	if sc := cfg.SOCKSConfig(); sc.ProxyAddr != "127.0.0.1:9050" || sc.Timeout != 30*time.Second {
		t.Errorf("Unexpected SOCKS config %+v", sc)
	}
	if rl := cfg.RateLimitConfig(); rl.Rate != 2.5 || rl.Burst != 5 {
		t.Errorf("Unexpected rate limit config %+v", rl)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed toml", "this is not [valid toml"},
		{"bad duration", "[pool]\nbackup_job_delay = \"soon\"\n"},
		{"fails validation", "[pool]\nmax_sockets = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}
			_, err := LoadConfig(path)
			if !errors.Is(err, poolerrors.ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new", "nested", "config.toml")

	original := DefaultConfig()
	original.Pool.MaxSockets = 64
	original.Pool.UsedIdleTimeout = Duration(90 * time.Second)
	original.I2P.TunnelLength = 3
	original.Tunnel = tunnelConfig(t)

	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Pool.MaxSockets != 64 {
		t.Errorf("max sockets mismatch: got %d, want 64", loaded.Pool.MaxSockets)
	}
	if loaded.Pool.UsedIdleTimeout != original.Pool.UsedIdleTimeout {
		t.Errorf("used idle timeout mismatch: got %v, want %v", loaded.Pool.UsedIdleTimeout.D(), original.Pool.UsedIdleTimeout.D())
	}
	if loaded.I2P.TunnelLength != 3 {
		t.Errorf("tunnel length mismatch: got %d, want 3", loaded.I2P.TunnelLength)
	}
	if len(loaded.Tunnel.Peers) != 1 || loaded.Tunnel.Peers[0].PublicKey != original.Tunnel.Peers[0].PublicKey {
		t.Errorf("tunnel peers mismatch: got %+v", loaded.Tunnel.Peers)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SOCKPOOL_MAX_SOCKETS", "12")
	t.Setenv("SOCKPOOL_BACKUP_JOBS", "false")
	t.Setenv("SOCKPOOL_CONNECT_TIMEOUT", "5s")
	t.Setenv("SOCKPOOL_SOCKS_PROXY", "127.0.0.1:1080")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnvOverrides(); err != nil {
		t.Fatalf("ApplyEnvOverrides() error = %v", err)
	}
	if cfg.Pool.MaxSockets != 12 {
		t.Errorf("Pool.MaxSockets = %d, want 12", cfg.Pool.MaxSockets)
	}
	if cfg.Pool.ConnectBackupJobs {
		t.Error("Pool.ConnectBackupJobs = true, want false")
	}
	if cfg.Connect.Timeout.D() != 5*time.Second {
		t.Errorf("Connect.Timeout = %v, want 5s", cfg.Connect.Timeout.D())
	}
	if !cfg.SOCKS.Enabled || cfg.SOCKS.ProxyAddr != "127.0.0.1:1080" {
		t.Errorf("SOCKS = %+v, want enabled at 127.0.0.1:1080", cfg.SOCKS)
	}
}

func TestApplyEnvOverrides_Invalid(t *testing.T) {
	t.Setenv("SOCKPOOL_TUNNEL_LENGTH", "three")

	err := DefaultConfig().ApplyEnvOverrides()
	if !errors.Is(err, poolerrors.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration, got %v", err)
	}
}

func TestTunnelConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tunnel = tunnelConfig(t)

	tc, err := cfg.TunnelConfig()
	if err != nil {
		t.Fatalf("TunnelConfig() error = %v", err)
	}
	if tc.Address.String() != "10.9.0.1" || len(tc.DNS) != 1 {
		t.Errorf("Unexpected address/DNS %v %v", tc.Address, tc.DNS)
	}
	if tc.PrivateKey.String() != cfg.Tunnel.PrivateKey {
		t.Error("private key mismatch")
	}
	if len(tc.Peers) != 1 || tc.Peers[0].KeepAlive != 25*time.Second || len(tc.Peers[0].AllowedIPs) != 1 {
		t.Errorf("Unexpected peers %+v", tc.Peers)
	}
	if tc.Bind != nil {
		t.Error("Expected the UDP transport to leave Bind nil")
	}

	cfg.Tunnel.Transport = "i2p"
	tc, err = cfg.TunnelConfig()
	if err != nil {
		t.Fatalf("TunnelConfig() error = %v", err)
	}
	if _, ok := tc.Bind.(*i2pbind.Bind); !ok {
		t.Errorf("Expected an I2P bind, got %T", tc.Bind)
	}
}

func TestGarlicConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.I2P.TunnelLength = 1

	gc := cfg.GarlicConfig()
	want := map[string]bool{"inbound.length=1": true, "outbound.length=1": true}
	for _, o := range gc.Options {
		delete(want, o)
	}
	if len(want) != 0 {
		t.Errorf("Missing SAM options %v in %v", want, gc.Options)
	}
}
