// Package validation provides reusable input validation functions for group keys
// and pool configuration. All validators return nil on success and a *Result
// describing the offending field on failure.
package validation

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")
)

// Constraints for group key fields.
const (
	// MaxHostLength is the maximum length of a DNS name.
	MaxHostLength = 253

	// MaxI2PHostLength bounds I2P hosts, which may be full base64 destinations.
	MaxI2PHostLength = 1024

	// MaxSchemeLength is the maximum length of a scheme.
	MaxSchemeLength = 16

	// MaxPartitionLength is the maximum length of a partition discriminator.
	MaxPartitionLength = 128
)

var (
	schemePattern    = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
	hostLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9_]([a-zA-Z0-9_-]*[a-zA-Z0-9_])?$`)
	i2pHostPattern   = regexp.MustCompile(`^[a-zA-Z0-9~=._-]+$`)
)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that an integer is positive (> 0).
func Positive(field string, value int) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that an integer is non-negative (>= 0).
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// DurationRange validates that d lies within [min, max]. Zero is accepted and
// means "use the default".
func DurationRange(field string, d, min, max time.Duration) error {
	if d == 0 {
		return nil
	}
	if d < min || d > max {
		return NewResult(field, fmt.Sprintf("must be between %s and %s", min, max), ErrOutOfRange)
	}
	return nil
}

// Scheme validates a lowercase URL-style scheme such as "tcp" or "socks5".
func Scheme(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxSchemeLength); err != nil {
		return err
	}
	if !schemePattern.MatchString(value) {
		return NewResult(field, "must be a lowercase scheme", ErrInvalidFormat)
	}
	return nil
}

// Host validates a DNS name or an IP literal.
func Host(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(value); err == nil {
		return nil
	}
	if err := MaxLength(field, value, MaxHostLength); err != nil {
		return err
	}
	for _, label := range strings.Split(strings.TrimSuffix(value, "."), ".") {
		if len(label) > 63 || !hostLabelPattern.MatchString(label) {
			return NewResult(field, "must be a hostname or IP address", ErrInvalidFormat)
		}
	}
	return nil
}

// I2PHost validates an I2P hostname, base32 address or base64 destination.
func I2PHost(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxI2PHostLength); err != nil {
		return err
	}
	if !i2pHostPattern.MatchString(value) {
		return NewResult(field, "must be an I2P hostname or destination", ErrInvalidFormat)
	}
	return nil
}

// Partition validates an optional partition discriminator.
func Partition(field, value string) error {
	if value == "" {
		return nil
	}
	if strings.ContainsAny(value, " \t\r\n#") {
		return NewResult(field, "must not contain whitespace or '#'", ErrInvalidFormat)
	}
	return MaxLength(field, value, MaxPartitionLength)
}

// Port validates a network port number.
func Port(field string, value int) error {
	if value < 1 || value > 65535 {
		return NewResult(field, "must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	_, _, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}

	return nil
}

// CIDR validates a CIDR notation string.
func CIDR(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	if _, err := netip.ParsePrefix(value); err != nil {
		return NewResult(field, "must be valid CIDR notation (e.g., 10.0.0.0/8)", ErrInvalidFormat)
	}

	return nil
}

// IPAddr validates a bare IP address.
func IPAddr(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(value); err != nil {
		return NewResult(field, "must be an IP address", ErrInvalidFormat)
	}
	return nil
}

// TunnelLength validates an I2P tunnel length.
func TunnelLength(field string, value int) error {
	if value < 0 || value > 7 {
		return NewResult(field, "must be between 0 and 7", ErrOutOfRange)
	}
	return nil
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}

// Err returns the collection as an error, or nil when it is empty.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error {
	return e
}
