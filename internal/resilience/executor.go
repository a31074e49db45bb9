// Package resilience wraps outbound calls to external services with
// retry/backoff, per-dependency circuit breaking and sliding-window rate
// limiting.
//
// Breakers and limiters are long-lived service objects created once at
// startup and shared by every call site through an Executor.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

// Operation is a single attempt at an outbound call.
type Operation[T any] func(ctx context.Context) (T, error)

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Attempt records one try at a call. It is handed to the executor's
// observer and logged; it never outlives the call.
type Attempt struct {
	Dependency string
	Index      int
	Outcome    Outcome
	Kind       fault.Kind
	Err        error
	At         time.Time
}

// Executor runs operations against named dependencies.
type Executor struct {
	breakers *BreakerRegistry
	limiter  *Limiter
	retry    RetryConfig
	logger   *slog.Logger
	random   func() float64
	sleep    func(ctx context.Context, d time.Duration) error
	observe  func(Attempt)
	now      Clock
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryConfig sets the default retry policy.
func WithRetryConfig(c RetryConfig) Option {
	return func(e *Executor) { e.retry = c }
}

// WithLimiter throttles outbound calls per dependency name.
func WithLimiter(l *Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithLogger sets the logger used for retry and attempt messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(e *Executor) { e.random = fn }
}

// WithObserver registers a callback invoked after every attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(e *Executor) { e.observe = fn }
}

// NewExecutor creates an Executor sharing the given breakers.
// A nil registry gets a private one with default settings.
func NewExecutor(breakers *BreakerRegistry, opts ...Option) *Executor {
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig(), nil)
	}
	e := &Executor{
		breakers: breakers,
		retry:    DefaultRetryConfig(),
		logger:   slog.Default(),
		random:   rand.Float64,
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry = e.retry.normalized()
	return e
}

// Breakers returns the registry shared by this executor.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// Execute runs op with retries and breaker protection. The final error is
// returned as produced by op; intermediate failures are only logged.
func (e *Executor) Execute(ctx context.Context, dependency string, op func(ctx context.Context) error, opts ...CallOption) error {
	_, err := Do(ctx, e, dependency, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Do runs op against dependency and returns its result.
//
// An open breaker fails the call immediately with fault.CircuitOpen, without
// invoking op and without retrying. A caller cancellation is never counted
// against the dependency's breaker; an expired deadline is.
func Do[T any](ctx context.Context, e *Executor, dependency string, op Operation[T], opts ...CallOption) (T, error) {
	cfg := e.retry
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.normalized()
	breaker := e.breakers.Breaker(dependency)

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runAttempt(ctx, e, breaker, dependency, attempt, cfg.AttemptTimeout, op)
		if err == nil {
			return result, nil
		}
		if fault.IsKind(err, fault.KindCircuitOpen) || ctx.Err() != nil {
			return zero, err
		}
		if !cfg.retryable(err, attempt) {
			return zero, err
		}

		delay := cfg.Backoff(attempt, e.random())
		if fe, ok := fault.As(err); ok && fe.RetryAfter > delay {
			delay = min(fe.RetryAfter, cfg.MaxDelay)
		}
		e.logger.Warn("call failed, retrying",
			"dependency", dependency,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func runAttempt[T any](ctx context.Context, e *Executor, b *Breaker, dependency string, index int, timeout time.Duration, op Operation[T]) (T, error) {
	var zero T
	if e.limiter != nil {
		if err := e.limiter.Allow(dependency); err != nil {
			e.record(dependency, index, OutcomeError, err)
			return zero, err
		}
	}
	gen, err := b.Allow()
	if err != nil {
		e.record(dependency, index, OutcomeError, err)
		return zero, err
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := op(actx)
	switch {
	case err == nil:
		b.RecordSuccess(gen)
		e.record(dependency, index, OutcomeSuccess, nil)
	case errors.Is(ctx.Err(), context.Canceled):
		b.Release(gen)
		e.record(dependency, index, OutcomeCancelled, err)
	case fault.IsKind(err, fault.KindValidation):
		b.Release(gen)
		e.record(dependency, index, OutcomeError, err)
	default:
		b.RecordFailure(gen)
		e.record(dependency, index, OutcomeError, err)
	}
	return result, err
}

func (e *Executor) record(dependency string, index int, outcome Outcome, err error) {
	a := Attempt{
		Dependency: dependency,
		Index:      index,
		Outcome:    outcome,
		Err:        err,
		At:         e.now(),
	}
	if fe, ok := fault.As(err); ok {
		a.Kind = fe.Kind
	}
	if outcome != OutcomeSuccess {
		e.logger.Debug("call attempt", "dependency", dependency, "attempt", index, "outcome", outcome, "kind", a.Kind, "error", err)
	}
	if e.observe != nil {
		e.observe(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
