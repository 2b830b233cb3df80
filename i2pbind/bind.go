// Package i2pbind carries the encrypted packets of a WireGuard tunnel as I2P
// datagrams. Plug a Bind into connectjob.TunnelConfig.Bind to reach tunnel
// peers by I2P destination instead of UDP address.
//
// The default session needs a router with SAM enabled.
package i2pbind

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"
	"golang.zx2c4.com/wireguard/conn"

	poolerrors "github.com/go-i2p/sockpool/lib/errors"
)

// MaxDatagramSize is the largest payload one I2P datagram can carry.
const MaxDatagramSize = 31 * 1024

// DefaultSAMAddress is where the default session looks for the SAM bridge.
const DefaultSAMAddress = "127.0.0.1:7656"

var (
	// ErrDatagramTooLarge is returned by Send for packets over MaxDatagramSize.
	ErrDatagramTooLarge = fmt.Errorf("i2pbind: datagram exceeds %d bytes: %w", MaxDatagramSize, poolerrors.ErrInvalidInput)

	// ErrNotOpen is returned when the bind has no session.
	ErrNotOpen = fmt.Errorf("i2pbind: bind not open: %w", poolerrors.ErrClosed)

	_ conn.Bind     = (*Bind)(nil)
	_ conn.Endpoint = (*Endpoint)(nil)
)

// ListenFunc opens a datagram session. The returned closer, if any, is
// closed after the packet conn.
type ListenFunc func(cfg Config) (net.PacketConn, io.Closer, error)

// Config configures a Bind.
type Config struct {
	// Name keys the persistent I2P identity.
	Name    string
	SAMAddr string
	// Options are SAM tunnel options. Empty means onramp.OPT_DEFAULTS.
	Options []string
	// Listen replaces the onramp session, mostly for tests.
	Listen ListenFunc
}

func listenGarlic(cfg Config) (net.PacketConn, io.Closer, error) {
	opts := cfg.Options
	if len(opts) == 0 {
		opts = onramp.OPT_DEFAULTS
	}
	g, err := onramp.NewGarlic(cfg.Name, cfg.SAMAddr, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("i2pbind: SAM session at %s: %w", cfg.SAMAddr, err)
	}
	pc, err := g.ListenPacket()
	if err != nil {
		g.Close()
		return nil, nil, fmt.Errorf("i2pbind: datagram listener: %w", err)
	}
	return pc, g, nil
}

// Endpoint is a remote I2P destination.
type Endpoint struct {
	dest i2pkeys.I2PAddr
	src  i2pkeys.I2PAddr
}

// NewEndpoint returns an endpoint for dest.
func NewEndpoint(dest i2pkeys.I2PAddr) *Endpoint {
	return &Endpoint{dest: dest}
}

func (e *Endpoint) ClearSrc() { e.src = "" }

func (e *Endpoint) SrcToString() string {
	if e.src == "" {
		return ""
	}
	return e.src.Base32()
}

func (e *Endpoint) DstToString() string { return e.dest.Base32() }

// DstToBytes returns the 32-byte destination hash. WireGuard feeds it to
// the cookie MAC.
func (e *Endpoint) DstToBytes() []byte {
	h := e.dest.DestHash()
	return h[:]
}

// DstIP is always invalid; I2P destinations have no IP.
func (e *Endpoint) DstIP() netip.Addr { return netip.Addr{} }

func (e *Endpoint) SrcIP() netip.Addr { return netip.Addr{} }

// Destination returns the full destination.
func (e *Endpoint) Destination() i2pkeys.I2PAddr { return e.dest }

// Bind implements conn.Bind over an I2P datagram session.
type Bind struct {
	cfg Config

	mu     sync.Mutex
	pc     net.PacketConn
	closer io.Closer
}

// New returns an unopened Bind. WireGuard opens it when the device comes up.
func New(cfg Config) *Bind {
	if cfg.SAMAddr == "" {
		cfg.SAMAddr = DefaultSAMAddress
	}
	if cfg.Listen == nil {
		cfg.Listen = listenGarlic
	}
	return &Bind{cfg: cfg}
}

// Open starts the datagram session. The port is ignored and reported as 0.
func (b *Bind) Open(uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pc != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}

	pc, closer, err := b.cfg.Listen(b.cfg)
	if err != nil {
		log.WithField("name", b.cfg.Name).WithError(err).Warn("Failed to open I2P bind")
		return nil, 0, err
	}
	b.pc, b.closer = pc, closer
	log.WithField("name", b.cfg.Name).WithField("local", localName(pc.LocalAddr())).Info("I2P bind open")
	return []conn.ReceiveFunc{b.receive(pc)}, 0, nil
}

func (b *Bind) receive(pc net.PacketConn) conn.ReceiveFunc {
	return func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		if len(packets) == 0 {
			return 0, nil
		}
		for {
			n, from, err := pc.ReadFrom(packets[0])
			if err != nil {
				return 0, err
			}
			dest, err := asI2PAddr(from)
			if err != nil {
				DatagramsDropped.Inc()
				log.WithError(err).Debug("Dropping datagram from unparseable sender")
				continue
			}
			DatagramsReceived.Inc()
			sizes[0] = n
			eps[0] = &Endpoint{dest: dest}
			return 1, nil
		}
	}
}

func asI2PAddr(a net.Addr) (i2pkeys.I2PAddr, error) {
	if d, ok := a.(i2pkeys.I2PAddr); ok {
		return d, nil
	}
	return i2pkeys.NewI2PAddrFromString(a.String())
}

func localName(a net.Addr) string {
	if d, ok := a.(i2pkeys.I2PAddr); ok {
		return d.Base32()
	}
	return a.String()
}

// Send writes each buffer as one datagram to ep.
func (b *Bind) Send(bufs [][]byte, ep conn.Endpoint) error {
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return ErrNotOpen
	}
	dst, ok := ep.(*Endpoint)
	if !ok {
		return conn.ErrWrongEndpointType
	}
	for _, buf := range bufs {
		if len(buf) > MaxDatagramSize {
			DatagramsDropped.Inc()
			return ErrDatagramTooLarge
		}
		if _, err := pc.WriteTo(buf, dst.dest); err != nil {
			return err
		}
		DatagramsSent.Inc()
	}
	return nil
}

// ParseEndpoint accepts a base32 name or a full base64 destination.
func (b *Bind) ParseEndpoint(s string) (conn.Endpoint, error) {
	dest, err := i2pkeys.NewI2PAddrFromString(s)
	if err != nil {
		return nil, fmt.Errorf("i2pbind: endpoint %q: %w", s, poolerrors.ErrInvalidInput)
	}
	return &Endpoint{dest: dest}, nil
}

// Close ends the session. Open may be called again afterwards.
func (b *Bind) Close() error {
	b.mu.Lock()
	pc, closer := b.pc, b.closer
	b.pc, b.closer = nil, nil
	b.mu.Unlock()

	if pc == nil {
		return nil
	}
	var errs []error
	errs = append(errs, pc.Close())
	if closer != nil {
		errs = append(errs, closer.Close())
	}
	return poolerrors.Join(errs...)
}

func (b *Bind) SetMark(uint32) error { return nil }

func (b *Bind) BatchSize() int { return 1 }

// LocalDestination returns our destination while the bind is open.
func (b *Bind) LocalDestination() (i2pkeys.I2PAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pc == nil {
		return "", ErrNotOpen
	}
	return asI2PAddr(b.pc.LocalAddr())
}
