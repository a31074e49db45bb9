// Package fault defines the closed set of error kinds shared by the
// executor, the webhook dispatcher and the reconciliation engine.
//
// Every error carries an explicit Retryable flag set at construction, so
// callers decide retry eligibility by reading the flag rather than by
// inspecting concrete error types.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Kind identifies the error category.
type Kind string

const (
	// KindValidation indicates malformed input. Never retryable.
	KindValidation Kind = "VALIDATION"

	// KindRateLimit indicates a limiter rejected the call. Always retryable.
	KindRateLimit Kind = "RATE_LIMIT"

	// KindIntegration indicates an external dependency answered with a failure.
	// Retryable only for 5xx and 408 responses.
	KindIntegration Kind = "INTEGRATION"

	// KindCircuitOpen indicates the dependency's breaker is open.
	// Never retryable within the open window.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"

	// KindNetwork indicates a transport level failure (timeout, connection refused).
	KindNetwork Kind = "NETWORK"
)

// Error is the tagged error used across the core.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool

	// Dependency names the external service involved, if any.
	Dependency string

	// StatusCode is the HTTP status that produced an integration error.
	StatusCode int

	// RetryAfter is the rate limiter's hint for when to try again.
	RetryAfter time.Duration

	// Remaining is how long an open breaker stays open.
	Remaining time.Duration

	// Fields holds field-level validation messages.
	Fields map[string]string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + e.Fields[k]
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a non-retryable error carrying field-level messages.
func Validation(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// RateLimit returns a retryable error carrying a retry-after hint.
func RateLimit(key string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    fmt.Sprintf("rate limit exceeded for %s, retry after %s", key, retryAfter.Round(time.Millisecond)),
		Retryable:  true,
		Dependency: key,
		RetryAfter: retryAfter,
	}
}

// Integration returns an error for a failed response from dependency.
// The reason reported is "HTTP <status>".
func Integration(dependency string, status int) *Error {
	return &Error{
		Kind:       KindIntegration,
		Message:    fmt.Sprintf("HTTP %d", status),
		Retryable:  status >= 500 || status == 408,
		Dependency: dependency,
		StatusCode: status,
	}
}

// CircuitOpen returns a non-retryable error for a call refused by an open breaker.
func CircuitOpen(dependency string, remaining time.Duration) *Error {
	return &Error{
		Kind:       KindCircuitOpen,
		Message:    fmt.Sprintf("circuit open for %s (%s remaining)", dependency, remaining.Round(time.Millisecond)),
		Dependency: dependency,
		Remaining:  remaining,
	}
}

// Network wraps a transport failure talking to dependency. Transport
// failures are retryable unless they stem from the caller's own cancellation.
func Network(dependency string, err error) *Error {
	return &Error{
		Kind:       KindNetwork,
		Message:    "request to " + dependency + " failed",
		Retryable:  !errors.Is(err, context.Canceled),
		Dependency: dependency,
		Err:        err,
	}
}

// As returns the tagged error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == k
}

// IsRetryable reports whether err may be retried. Tagged errors answer with
// their Retryable flag; untagged errors are retryable only when they are
// network timeouts or refused connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := As(err); ok {
		return fe.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
