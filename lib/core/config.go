// Package core loads the sockpool configuration and assembles a running
// Service from it: the pool, its connect-job router, the transports it
// dispatches to and the watchers around them.
package core

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/go-i2p/sockpool/i2pbind"
	"github.com/go-i2p/sockpool/lib/connectjob"
	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
	"github.com/go-i2p/sockpool/lib/ratelimit"
	"github.com/go-i2p/sockpool/lib/resilience"
	"github.com/go-i2p/sockpool/lib/validation"
)

// Default configuration values
const (
	DefaultSAMAddress   = "127.0.0.1:7656"
	DefaultTunnelLength = 2
	DefaultDebugListen  = "127.0.0.1:7680"
	DefaultPollInterval = 5 * time.Second
	DefaultTunnelMTU    = 1420
)

// Duration is a time.Duration written as "30s" or "5m" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds all configuration for a sockpool service.
type Config struct {
	Pool      PoolConfig      `toml:"pool"`
	Connect   ConnectConfig   `toml:"connect"`
	SOCKS     SOCKSConfig     `toml:"socks"`
	I2P       I2PConfig       `toml:"i2p"`
	Tunnel    TunnelConfig    `toml:"tunnel"`
	Breaker   BreakerConfig   `toml:"breaker"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Network   NetworkConfig   `toml:"network"`
	Debug     DebugConfig     `toml:"debug"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	MaxSockets         int      `toml:"max_sockets"`
	MaxSocketsPerGroup int      `toml:"max_sockets_per_group"`
	UnusedIdleTimeout  Duration `toml:"unused_idle_timeout"`
	UsedIdleTimeout    Duration `toml:"used_idle_timeout"`
	CleanupInterval    Duration `toml:"cleanup_interval"`
	ConnectBackupJobs  bool     `toml:"connect_backup_jobs"`
	BackupJobDelay     Duration `toml:"backup_job_delay"`
	AcquireTimeout     Duration `toml:"acquire_timeout"`
}

// ConnectConfig covers direct TCP connects and host resolution.
type ConnectConfig struct {
	Timeout           Duration `toml:"timeout"`
	KeepAlive         Duration `toml:"keep_alive"`
	ResolverCacheSize int      `toml:"resolver_cache_size"`
	ResolverTTL       Duration `toml:"resolver_ttl"`
}

// SOCKSConfig enables the socks5 scheme.
type SOCKSConfig struct {
	Enabled   bool   `toml:"enabled"`
	ProxyAddr string `toml:"proxy_address"`
	Username  string `toml:"username,omitempty"`
	Password  string `toml:"password,omitempty"`
}

// I2PConfig enables the i2p scheme and is shared by the tunnel's I2P bind.
type I2PConfig struct {
	Enabled    bool   `toml:"enabled"`
	Name       string `toml:"name"`
	SAMAddress string `toml:"sam_address"`
	// TunnelLength is the hop count for both directions.
	TunnelLength int `toml:"tunnel_length"`
}

// TunnelPeerConfig is one WireGuard peer.
type TunnelPeerConfig struct {
	PublicKey  string   `toml:"public_key"`
	Endpoint   string   `toml:"endpoint"`
	AllowedIPs []string `toml:"allowed_ips"`
	KeepAlive  Duration `toml:"keep_alive,omitempty"`
}

// TunnelConfig enables the wg scheme.
type TunnelConfig struct {
	Enabled    bool     `toml:"enabled"`
	PrivateKey string   `toml:"private_key"`
	Address    string   `toml:"address"`
	DNS        []string `toml:"dns,omitempty"`
	MTU        int      `toml:"mtu"`
	ListenPort int      `toml:"listen_port,omitempty"`
	// Transport is "udp" or "i2p".
	Transport string             `toml:"transport"`
	Peers     []TunnelPeerConfig `toml:"peers"`
}

// BreakerConfig configures the per-destination circuit breakers.
type BreakerConfig struct {
	Enabled             bool     `toml:"enabled"`
	FailureThreshold    int      `toml:"failure_threshold"`
	SuccessThreshold    int      `toml:"success_threshold"`
	OpenTimeout         Duration `toml:"open_timeout"`
	MaxHalfOpenRequests int      `toml:"max_half_open_requests"`
	Destinations        int      `toml:"destinations"`
	// CheckInterval paces the proxy and SAM health probes.
	CheckInterval Duration `toml:"check_interval"`
}

// RateLimitConfig configures per-group connect attempt limiting.
type RateLimitConfig struct {
	Enabled bool     `toml:"enabled"`
	Rate    float64  `toml:"rate"`
	Burst   int      `toml:"burst"`
	IdleTTL Duration `toml:"idle_ttl"`
}

// NetworkConfig configures the interface watcher.
type NetworkConfig struct {
	Watch        bool     `toml:"watch"`
	PollInterval Duration `toml:"poll_interval"`
}

// DebugConfig configures the debug HTTP server.
type DebugConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	p := pool.DefaultConfig()
	r := connectjob.DefaultResolverConfig()
	b := resilience.DefaultConfig()
	m := resilience.DefaultMonitorConfig()

	return &Config{
		Pool: PoolConfig{
			MaxSockets:         p.MaxSockets,
			MaxSocketsPerGroup: p.MaxSocketsPerGroup,
			UnusedIdleTimeout:  Duration(p.UnusedIdleTimeout),
			UsedIdleTimeout:    Duration(p.UsedIdleTimeout),
			CleanupInterval:    Duration(p.CleanupInterval),
			ConnectBackupJobs:  p.ConnectBackupJobs,
			BackupJobDelay:     Duration(p.BackupJobDelay),
			AcquireTimeout:     Duration(p.AcquireTimeout),
		},
		Connect: ConnectConfig{
			Timeout:           Duration(30 * time.Second),
			KeepAlive:         Duration(30 * time.Second),
			ResolverCacheSize: r.CacheSize,
			ResolverTTL:       Duration(r.TTL),
		},
		I2P: I2PConfig{
			Name:         "sockpool",
			SAMAddress:   DefaultSAMAddress,
			TunnelLength: DefaultTunnelLength,
		},
		Tunnel: TunnelConfig{
			MTU:       DefaultTunnelMTU,
			Transport: "udp",
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			FailureThreshold:    b.FailureThreshold,
			SuccessThreshold:    b.SuccessThreshold,
			OpenTimeout:         Duration(b.OpenTimeout),
			MaxHalfOpenRequests: b.MaxHalfOpenRequests,
			Destinations:        resilience.DefaultSetSize,
			CheckInterval:       Duration(m.CheckInterval),
		},
		RateLimit: RateLimitConfig{
			Rate:    10,
			Burst:   20,
			IdleTTL: Duration(10 * time.Minute),
		},
		Network: NetworkConfig{
			Watch:        true,
			PollInterval: Duration(DefaultPollInterval),
		},
		Debug: DebugConfig{
			Enabled: true,
			Listen:  DefaultDebugListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file, then applies environment
// overrides. A missing file means defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.WithField("path", path).Debug("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w: %w", poolerrors.ErrConfiguration, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides applies SOCKPOOL_* environment variables on top of the
// file values.
func (c *Config) ApplyEnvOverrides() error {
	for _, o := range []struct {
		env string
		set func(string) error
	}{
		{"SOCKPOOL_MAX_SOCKETS", intVar(&c.Pool.MaxSockets)},
		{"SOCKPOOL_MAX_SOCKETS_PER_GROUP", intVar(&c.Pool.MaxSocketsPerGroup)},
		{"SOCKPOOL_BACKUP_JOBS", boolVar(&c.Pool.ConnectBackupJobs)},
		{"SOCKPOOL_CONNECT_TIMEOUT", durationVar(&c.Connect.Timeout)},
		{"SOCKPOOL_SOCKS_PROXY", func(v string) error { c.SOCKS.ProxyAddr, c.SOCKS.Enabled = v, true; return nil }},
		{"SOCKPOOL_SAM_ADDRESS", stringVar(&c.I2P.SAMAddress)},
		{"SOCKPOOL_TUNNEL_LENGTH", intVar(&c.I2P.TunnelLength)},
		{"SOCKPOOL_DEBUG_LISTEN", stringVar(&c.Debug.Listen)},
	} {
		v, ok := os.LookupEnv(o.env)
		if !ok || v == "" {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%s=%q: %w: %w", o.env, v, poolerrors.ErrConfiguration, err)
		}
		log.WithField("env", o.env).Debug("config override from environment")
	}
	return nil
}

func stringVar(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*p = n
		}
		return err
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*p = b
		}
		return err
	}
}

func durationVar(p *Duration) func(string) error {
	return func(v string) error { return p.UnmarshalText([]byte(v)) }
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors. Every problem is reported,
// not only the first.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.Positive("pool.max_sockets", c.Pool.MaxSockets))
	errs.Add(validation.IntRange("pool.max_sockets_per_group", c.Pool.MaxSocketsPerGroup, 1, max(c.Pool.MaxSockets, 1)))
	errs.Add(validation.DurationRange("pool.backup_job_delay", c.Pool.BackupJobDelay.D(), time.Millisecond, time.Minute))
	errs.Add(validation.DurationRange("pool.cleanup_interval", c.Pool.CleanupInterval.D(), 100*time.Millisecond, time.Hour))
	errs.Add(validation.DurationRange("connect.timeout", c.Connect.Timeout.D(), 100*time.Millisecond, 10*time.Minute))
	errs.Add(validation.NonNegative("connect.resolver_cache_size", c.Connect.ResolverCacheSize))

	if c.SOCKS.Enabled {
		errs.Add(validation.HostPort("socks.proxy_address", c.SOCKS.ProxyAddr))
	}
	if c.I2P.Enabled || (c.Tunnel.Enabled && c.Tunnel.Transport == "i2p") {
		errs.Add(validation.Required("i2p.name", c.I2P.Name))
		errs.Add(validation.HostPort("i2p.sam_address", c.I2P.SAMAddress))
		errs.Add(validation.TunnelLength("i2p.tunnel_length", c.I2P.TunnelLength))
	}
	if c.Tunnel.Enabled {
		c.validateTunnel(&errs)
	}
	if c.Breaker.Enabled {
		errs.Add(validation.Positive("breaker.failure_threshold", c.Breaker.FailureThreshold))
		errs.Add(validation.Positive("breaker.destinations", c.Breaker.Destinations))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			errs.Add(validation.NewResult("ratelimit.rate", "must be positive", validation.ErrOutOfRange))
		}
		errs.Add(validation.Positive("ratelimit.burst", c.RateLimit.Burst))
	}
	if c.Network.Watch {
		errs.Add(validation.DurationRange("network.poll_interval", c.Network.PollInterval.D(), 100*time.Millisecond, time.Hour))
	}
	if c.Debug.Enabled {
		errs.Add(validation.HostPort("debug.listen", c.Debug.Listen))
	}

	if errs.HasErrors() {
		return fmt.Errorf("invalid config: %w: %w", poolerrors.ErrConfiguration, errs)
	}
	return nil
}

func (c *Config) validateTunnel(errs *validation.Errors) {
	t := c.Tunnel
	if _, err := wgtypes.ParseKey(t.PrivateKey); err != nil {
		errs.Add(validation.NewResult("tunnel.private_key", "must be a base64 WireGuard key", validation.ErrInvalidFormat))
	}
	errs.Add(validation.IPAddr("tunnel.address", t.Address))
	for i, dns := range t.DNS {
		errs.Add(validation.IPAddr(fmt.Sprintf("tunnel.dns[%d]", i), dns))
	}
	if t.ListenPort != 0 {
		errs.Add(validation.Port("tunnel.listen_port", t.ListenPort))
	}
	if t.Transport != "udp" && t.Transport != "i2p" {
		errs.Add(validation.NewResult("tunnel.transport", `must be "udp" or "i2p"`, validation.ErrInvalidFormat))
	}
	if len(t.Peers) == 0 {
		errs.Add(validation.NewResult("tunnel.peers", "at least one peer is required", validation.ErrRequired))
	}
	for i, p := range t.Peers {
		field := fmt.Sprintf("tunnel.peers[%d]", i)
		if _, err := wgtypes.ParseKey(p.PublicKey); err != nil {
			errs.Add(validation.NewResult(field+".public_key", "must be a base64 WireGuard key", validation.ErrInvalidFormat))
		}
		if t.Transport == "udp" && p.Endpoint != "" {
			errs.Add(validation.HostPort(field+".endpoint", p.Endpoint))
		}
		if len(p.AllowedIPs) == 0 {
			errs.Add(validation.NewResult(field+".allowed_ips", "is required", validation.ErrRequired))
		}
		for j, cidr := range p.AllowedIPs {
			errs.Add(validation.CIDR(fmt.Sprintf("%s.allowed_ips[%d]", field, j), cidr))
		}
	}
}

// PoolConfig maps the [pool] section onto pool.Config.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxSockets:         c.Pool.MaxSockets,
		MaxSocketsPerGroup: c.Pool.MaxSocketsPerGroup,
		UnusedIdleTimeout:  c.Pool.UnusedIdleTimeout.D(),
		UsedIdleTimeout:    c.Pool.UsedIdleTimeout.D(),
		CleanupInterval:    c.Pool.CleanupInterval.D(),
		ConnectBackupJobs:  c.Pool.ConnectBackupJobs,
		BackupJobDelay:     c.Pool.BackupJobDelay.D(),
		AcquireTimeout:     c.Pool.AcquireTimeout.D(),
	}
}

func (c *Config) ResolverConfig() connectjob.ResolverConfig {
	r := connectjob.DefaultResolverConfig()
	if c.Connect.ResolverCacheSize > 0 {
		r.CacheSize = c.Connect.ResolverCacheSize
	}
	if c.Connect.ResolverTTL > 0 {
		r.TTL = c.Connect.ResolverTTL.D()
	}
	return r
}

func (c *Config) SOCKSConfig() connectjob.SOCKSConfig {
	return connectjob.SOCKSConfig{
		ProxyAddr: c.SOCKS.ProxyAddr,
		Username:  c.SOCKS.Username,
		Password:  c.SOCKS.Password,
		Timeout:   c.Connect.Timeout.D(),
	}
}

// samOptions renders the tunnel length as SAM options.
func (c *Config) samOptions() []string {
	n := strconv.Itoa(c.I2P.TunnelLength)
	return []string{
		"inbound.length=" + n,
		"outbound.length=" + n,
		"inbound.quantity=2",
		"outbound.quantity=2",
	}
}

func (c *Config) GarlicConfig() connectjob.GarlicConfig {
	return connectjob.GarlicConfig{
		Name:    c.I2P.Name,
		SAMAddr: c.I2P.SAMAddress,
		Options: c.samOptions(),
		Timeout: c.Connect.Timeout.D(),
	}
}

func (c *Config) BreakerConfig() resilience.Config {
	return resilience.Config{
		FailureThreshold:    c.Breaker.FailureThreshold,
		SuccessThreshold:    c.Breaker.SuccessThreshold,
		OpenTimeout:         c.Breaker.OpenTimeout.D(),
		MaxHalfOpenRequests: c.Breaker.MaxHalfOpenRequests,
	}
}

func (c *Config) MonitorConfig() resilience.MonitorConfig {
	m := resilience.DefaultMonitorConfig()
	m.Breaker = c.BreakerConfig()
	if c.Breaker.CheckInterval > 0 {
		m.CheckInterval = c.Breaker.CheckInterval.D()
	}
	return m
}

func (c *Config) RateLimitConfig() ratelimit.KeyedConfig {
	return ratelimit.KeyedConfig{
		Rate:    c.RateLimit.Rate,
		Burst:   c.RateLimit.Burst,
		IdleTTL: c.RateLimit.IdleTTL.D(),
	}
}

// TunnelConfig parses the [tunnel] section. The I2P transport gets a bind
// sharing the [i2p] SAM settings.
func (c *Config) TunnelConfig() (connectjob.TunnelConfig, error) {
	t := c.Tunnel
	priv, err := wgtypes.ParseKey(t.PrivateKey)
	if err != nil {
		return connectjob.TunnelConfig{}, fmt.Errorf("tunnel.private_key: %w: %w", poolerrors.ErrConfiguration, err)
	}
	addr, err := netip.ParseAddr(t.Address)
	if err != nil {
		return connectjob.TunnelConfig{}, fmt.Errorf("tunnel.address: %w: %w", poolerrors.ErrConfiguration, err)
	}

	out := connectjob.TunnelConfig{
		PrivateKey: priv,
		Address:    addr,
		MTU:        t.MTU,
		ListenPort: uint16(t.ListenPort),
		Timeout:    c.Connect.Timeout.D(),
	}
	for _, s := range t.DNS {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return connectjob.TunnelConfig{}, fmt.Errorf("tunnel.dns: %w: %w", poolerrors.ErrConfiguration, err)
		}
		out.DNS = append(out.DNS, a)
	}
	for _, p := range t.Peers {
		pub, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return connectjob.TunnelConfig{}, fmt.Errorf("tunnel peer key: %w: %w", poolerrors.ErrConfiguration, err)
		}
		peer := connectjob.TunnelPeer{PublicKey: pub, Endpoint: p.Endpoint, KeepAlive: p.KeepAlive.D()}
		for _, s := range p.AllowedIPs {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return connectjob.TunnelConfig{}, fmt.Errorf("tunnel peer allowed_ips: %w: %w", poolerrors.ErrConfiguration, err)
			}
			peer.AllowedIPs = append(peer.AllowedIPs, pfx)
		}
		out.Peers = append(out.Peers, peer)
	}
	if t.Transport == "i2p" {
		out.Bind = i2pbind.New(i2pbind.Config{
			Name:    c.I2P.Name + "-wg",
			SAMAddr: c.I2P.SAMAddress,
			Options: c.samOptions(),
		})
	}
	return out, nil
}
