// Package errors provides the error taxonomy of the socket pool.
//
// Connect failures originate in connect jobs and reach callers verbatim;
// the pool itself only adds the lifecycle and validation kinds below.
// This package provides:
//   - Sentinel errors for pool, connect job and configuration conditions
//   - Error codes for categorizing failures in logs and the debug API
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"
)

// Code categorizes an error for logs and the debug API.
type Code int

// Error codes. Zero is reserved for "no error".
const (
	CodeInternal Code = iota + 1
	CodeInvalidInput
	CodeNotFound
	CodeConnectionFailed
	CodeConnectionTimedOut
	CodeCancelled
	CodeStalled
	CodePoolClosed
	CodeCircuitOpen
	CodeRateLimited
	CodeTimeout
	CodeConfiguration
)

var codeNames = map[Code]string{
	CodeInternal:           "internal",
	CodeInvalidInput:       "invalid_input",
	CodeNotFound:           "not_found",
	CodeConnectionFailed:   "connection_failed",
	CodeConnectionTimedOut: "connection_timed_out",
	CodeCancelled:          "cancelled",
	CodeStalled:            "stalled",
	CodePoolClosed:         "pool_closed",
	CodeCircuitOpen:        "circuit_open",
	CodeRateLimited:        "rate_limited",
	CodeTimeout:            "timeout",
	CodeConfiguration:      "configuration",
}

// String returns the snake_case name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Connect job errors. These are delivered to the request that owned the job.
var (
	// ErrConnectionFailed indicates a connect job could not establish a socket.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionTimedOut indicates a connect job ran past its deadline.
	ErrConnectionTimedOut = fmt.Errorf("connection timed out: %w", ErrTimeout)

	// ErrUnsupportedScheme indicates no connect job factory serves a scheme.
	ErrUnsupportedScheme = fmt.Errorf("connectjob: unsupported scheme: %w", ErrInvalidInput)
)

// Pool errors
var (
	// ErrCancelled indicates a request was cancelled by its caller.
	ErrCancelled = errors.New("pool: request cancelled")

	// ErrStalledMaxSocketsPerGroup reports a request queued behind its group's limit.
	// It is informational: the request stays pending.
	ErrStalledMaxSocketsPerGroup = errors.New("pool: stalled on max sockets per group")

	// ErrStalledMaxSockets reports a request queued behind the global limit.
	// It is informational: the request stays pending.
	ErrStalledMaxSockets = errors.New("pool: stalled on max sockets")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrHandleInUse indicates a handle is already bound to a request or socket.
	ErrHandleInUse = fmt.Errorf("pool: handle already in use: %w", ErrInvalidInput)

	// ErrInvalidGroupKey indicates a group key failed validation.
	ErrInvalidGroupKey = fmt.Errorf("pool: invalid group key: %w", ErrInvalidInput)
)

// Error is a structured error with a code and message.
type Error struct {
	// Code is the error code for categorization
	Code Code `json:"code"`
	// Message is a user-facing error message
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code Code, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code.String()).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error,
// assigning the code that matches it.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeOf(err),
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf maps an error to its code. Nil maps to zero.
func CodeOf(err error) Code {
	var e *Error
	switch {
	case err == nil:
		return 0
	case errors.As(err, &e):
		return e.Code
	case errors.Is(err, ErrConnectionTimedOut):
		return CodeConnectionTimedOut
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrStalledMaxSockets), errors.Is(err, ErrStalledMaxSocketsPerGroup):
		return CodeStalled
	case errors.Is(err, ErrPoolClosed):
		return CodePoolClosed
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	default:
		return CodeInternal
	}
}

// IsConnectionFailed returns true if a connect job failed to establish a socket.
func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled returns true if the request was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsStalled returns true for the informational stall conditions.
func IsStalled(err error) bool {
	return errors.Is(err, ErrStalledMaxSockets) || errors.Is(err, ErrStalledMaxSocketsPerGroup)
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
