package connectjob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/pool"
)

// SchemeWireGuard is the scheme Tunnel serves.
const SchemeWireGuard = "wg"

// TunnelPeer is a WireGuard peer reachable through the tunnel.
type TunnelPeer struct {
	PublicKey wgtypes.Key
	// Endpoint is the peer's host:port, or an I2P destination when the
	// tunnel runs over an I2P bind.
	Endpoint   string
	AllowedIPs []netip.Prefix
	KeepAlive  time.Duration
}

// TunnelConfig configures a Tunnel.
type TunnelConfig struct {
	PrivateKey wgtypes.Key
	// Address is our address inside the tunnel.
	Address netip.Addr
	// DNS servers reachable through the tunnel, used for host names.
	DNS        []netip.Addr
	MTU        int
	ListenPort uint16
	Peers      []TunnelPeer
	// Bind carries the encrypted packets. Nil means UDP.
	Bind    conn.Bind
	Timeout time.Duration
}

// Tunnel is an in-process WireGuard interface on a userspace network stack.
// It builds jobs that dial TCP through the tunnel.
type Tunnel struct {
	mu     sync.RWMutex
	cfg    TunnelConfig
	dev    *device.Device
	net    *netstack.Net
	closed bool
}

func validateTunnelConfig(cfg *TunnelConfig) error {
	if cfg.MTU <= 0 {
		cfg.MTU = 1420
	}
	if !cfg.Address.IsValid() {
		return fmt.Errorf("tunnel: invalid address: %w", poolerrors.ErrConfiguration)
	}
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("tunnel: no peers: %w", poolerrors.ErrConfiguration)
	}
	for i, p := range cfg.Peers {
		if len(p.AllowedIPs) == 0 {
			return fmt.Errorf("tunnel: peer %d has no allowed IPs: %w", i, poolerrors.ErrConfiguration)
		}
	}
	return nil
}

// ipcConfig renders cfg in the wireguard-go UAPI format.
func ipcConfig(cfg TunnelConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hexKey(cfg.PrivateKey))
	if cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", cfg.ListenPort)
	}
	b.WriteString("replace_peers=true\n")
	for _, p := range cfg.Peers {
		fmt.Fprintf(&b, "public_key=%s\n", hexKey(p.PublicKey))
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.KeepAlive > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(p.KeepAlive/time.Second))
		}
		b.WriteString("replace_allowed_ips=true\n")
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", ip)
		}
	}
	return b.String()
}

func hexKey(k wgtypes.Key) string {
	return hex.EncodeToString(k[:])
}

// NewTunnel creates and brings up the interface.
func NewTunnel(cfg TunnelConfig) (*Tunnel, error) {
	if err := validateTunnelConfig(&cfg); err != nil {
		return nil, err
	}

	tdev, tnet, err := netstack.CreateNetTUN([]netip.Addr{cfg.Address}, cfg.DNS, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("tunnel: creating netstack TUN: %w", err)
	}

	bind := cfg.Bind
	if bind == nil {
		bind = conn.NewDefaultBind()
	}
	dev := device.NewDevice(tdev, bind, device.NewLogger(device.LogLevelSilent, ""))
	if err := dev.IpcSet(ipcConfig(cfg)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("tunnel: configuring device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("tunnel: bringing up device: %w", err)
	}

	log.WithField("address", cfg.Address).
		WithField("peers", len(cfg.Peers)).
		WithField("mtu", cfg.MTU).
		Info("WireGuard tunnel up")

	return &Tunnel{cfg: cfg, dev: dev, net: tnet}, nil
}

// NewConnectJob implements pool.JobFactory.
func (t *Tunnel) NewConnectJob(key pool.GroupKey, _ pool.Priority, delegate pool.JobDelegate) pool.ConnectJob {
	return NewJob(key, delegate, t.dial, t.cfg.Timeout)
}

func (t *Tunnel) dial(ctx context.Context, key pool.GroupKey, report func(pool.LoadState)) (net.Conn, error) {
	t.mu.RLock()
	tnet, closed := t.net, t.closed
	t.mu.RUnlock()
	if closed {
		return nil, poolerrors.ErrClosed
	}

	addrs := []string{key.Host}
	if _, err := netip.ParseAddr(key.Host); err != nil {
		report(pool.LoadStateResolvingHost)
		addrs, err = tnet.LookupContextHost(ctx, key.Host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s through tunnel: %w", key.Host, err)
		}
	}

	report(pool.LoadStateConnecting)
	port := strconv.Itoa(key.Port)
	var errs []error
	for _, addr := range addrs {
		c, err := tnet.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return c, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// Net returns the tunnel's network stack.
func (t *Tunnel) Net() *netstack.Net {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.net
}

// Address returns our address inside the tunnel.
func (t *Tunnel) Address() netip.Addr { return t.cfg.Address }

// PublicKey returns the tunnel's public key.
func (t *Tunnel) PublicKey() wgtypes.Key { return t.cfg.PrivateKey.PublicKey() }

// Close shuts the interface down.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.dev.Close()
	log.Info("WireGuard tunnel closed")
	return nil
}
