package resilience

import (
	"math"
	"time"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMultiplier = 2.0
	defaultJitter     = 0.3
)

// RetryConfig controls how many times and how far apart a failed call is retried.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	// Jitter is the upper bound of the random extra delay, as a fraction
	// of the exponential delay.
	Jitter float64

	// AttemptTimeout bounds each attempt separately from the caller's
	// deadline, leaving room to retry a hung call. Zero disables it.
	AttemptTimeout time.Duration

	// ShouldRetry decides whether a failed attempt (0-based) is retried.
	// When nil, only errors flagged retryable by fault.IsRetryable are.
	// MaxRetries is enforced regardless.
	ShouldRetry func(err error, attempt int) bool
}

// DefaultRetryConfig returns 3 retries starting at 1s, doubling, capped at 30s,
// with up to 30% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		Multiplier: defaultMultiplier,
		Jitter:     defaultJitter,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	return c
}

// Backoff returns the delay before the attempt following the failed attempt
// (0-based). r must be in [0, 1) and selects the jitter.
func (c RetryConfig) Backoff(attempt int, r float64) time.Duration {
	exp := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	d := exp + r*c.Jitter*exp
	if limit := float64(c.MaxDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}

func (c RetryConfig) retryable(err error, attempt int) bool {
	if attempt >= c.MaxRetries {
		return false
	}
	if c.ShouldRetry != nil {
		return c.ShouldRetry(err, attempt)
	}
	return fault.IsRetryable(err)
}

// CallOption overrides the executor's retry policy for a single call.
type CallOption func(*RetryConfig)

// WithMaxRetries overrides the number of retries.
func WithMaxRetries(n int) CallOption {
	return func(c *RetryConfig) { c.MaxRetries = n }
}

// WithShouldRetry overrides the retry predicate.
func WithShouldRetry(fn func(err error, attempt int) bool) CallOption {
	return func(c *RetryConfig) { c.ShouldRetry = fn }
}

// WithDelays overrides base and max delay.
func WithDelays(base, max time.Duration) CallOption {
	return func(c *RetryConfig) {
		c.BaseDelay = base
		c.MaxDelay = max
	}
}

// WithJitter overrides the jitter fraction.
func WithJitter(fraction float64) CallOption {
	return func(c *RetryConfig) { c.Jitter = fraction }
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) CallOption {
	return func(c *RetryConfig) { c.AttemptTimeout = d }
}
