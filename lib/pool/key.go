package pool

import (
	"cmp"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-i2p/sockpool/lib/errors"
	"github.com/go-i2p/sockpool/lib/validation"
)

// SchemeI2P is the scheme whose destinations carry no port.
const SchemeI2P = "i2p"

// GroupKey identifies a destination. Requests, sockets and limits are
// partitioned by GroupKey.
type GroupKey struct {
	// Scheme selects the transport, e.g. "tcp", "socks5", "i2p" or "wg".
	Scheme string
	// Host is a hostname, IP literal or I2P destination.
	Host string
	// Port is the destination port. Zero only for I2P.
	Port int
	// Partition separates otherwise identical destinations, for example
	// per-tenant isolation.
	Partition string
}

// NewGroupKey returns a key without a partition.
func NewGroupKey(scheme, host string, port int) GroupKey {
	return GroupKey{Scheme: scheme, Host: host, Port: port}
}

// ParseGroupKey parses "scheme://host[:port][#partition]".
func ParseGroupKey(s string) (GroupKey, error) {
	u, err := url.Parse(s)
	if err != nil {
		return GroupKey{}, fmt.Errorf("%w: %v", errors.ErrInvalidGroupKey, err)
	}
	if u.Host == "" {
		return GroupKey{}, fmt.Errorf("%w: %q has no host", errors.ErrInvalidGroupKey, s)
	}

	key := GroupKey{
		Scheme:    u.Scheme,
		Host:      u.Hostname(),
		Partition: u.Fragment,
	}
	if p := u.Port(); p != "" {
		key.Port, err = strconv.Atoi(p)
		if err != nil {
			return GroupKey{}, fmt.Errorf("%w: bad port %q", errors.ErrInvalidGroupKey, p)
		}
	}
	if err := key.Validate(); err != nil {
		return GroupKey{}, err
	}
	return key, nil
}

// String renders the key in the form accepted by ParseGroupKey.
func (k GroupKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.Scheme)
	sb.WriteString("://")
	if k.Port == 0 {
		sb.WriteString(k.Host)
	} else {
		sb.WriteString(k.Address())
	}
	if k.Partition != "" {
		sb.WriteByte('#')
		sb.WriteString(k.Partition)
	}
	return sb.String()
}

// Address returns host:port, or the bare host when the port is zero.
func (k GroupKey) Address() string {
	if k.Port == 0 {
		return k.Host
	}
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// IsZero reports whether k is the zero key.
func (k GroupKey) IsZero() bool {
	return k == GroupKey{}
}

// Compare orders keys by scheme, host, port and partition.
func (k GroupKey) Compare(o GroupKey) int {
	return cmp.Or(
		strings.Compare(k.Scheme, o.Scheme),
		strings.Compare(k.Host, o.Host),
		cmp.Compare(k.Port, o.Port),
		strings.Compare(k.Partition, o.Partition),
	)
}

// Validate checks that the key names a reachable destination.
func (k GroupKey) Validate() error {
	var errs validation.Errors
	errs.Add(validation.Scheme("scheme", k.Scheme))
	if k.Scheme == SchemeI2P {
		errs.Add(validation.I2PHost("host", k.Host))
		if k.Port != 0 {
			errs.Add(validation.Port("port", k.Port))
		}
	} else {
		errs.Add(validation.Host("host", k.Host))
		errs.Add(validation.Port("port", k.Port))
	}
	errs.Add(validation.Partition("partition", k.Partition))

	if errs.HasErrors() {
		return fmt.Errorf("%w: %s", errors.ErrInvalidGroupKey, errs.Error())
	}
	return nil
}
