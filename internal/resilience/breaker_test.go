package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newManualClock()
	reg := NewBreakerRegistry(DefaultBreakerConfig(), clock.Now)
	e := NewExecutor(reg, WithSleep(func(context.Context, time.Duration) error { return nil }))

	var calls atomic.Int32
	failing := func(ctx context.Context) error {
		calls.Add(1)
		return fault.Integration("ledger", 500)
	}

	for range 5 {
		err := e.Execute(context.Background(), "ledger", failing, WithMaxRetries(0))
		require.True(t, fault.IsKind(err, fault.KindIntegration))
	}
	assert.Equal(t, StateOpen, reg.Breaker("ledger").Snapshot().State)

	clock.Advance(30 * time.Second)
	err := e.Execute(context.Background(), "ledger", failing)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindCircuitOpen, fe.Kind)
	assert.False(t, fe.Retryable)
	assert.Equal(t, 30*time.Second, fe.Remaining)
	assert.Equal(t, int32(5), calls.Load(), "open breaker must not invoke the operation")
}

// failN reports n failures, each admitted by Allow.
func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for range n {
		gen, err := b.Allow()
		require.NoError(t, err)
		b.RecordFailure(gen)
	}
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	clock := newManualClock()
	reg := NewBreakerRegistry(DefaultBreakerConfig(), clock.Now)
	b := reg.Breaker("bank")
	failN(t, b, 5)
	_, err := b.Allow()
	require.Error(t, err)

	clock.Advance(60 * time.Second)
	trial, err := b.Allow()
	require.NoError(t, err, "first call after the timeout is the trial")
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)

	_, err = b.Allow()
	assert.True(t, fault.IsKind(err, fault.KindCircuitOpen), "second concurrent call must be refused")

	b.RecordSuccess(trial)
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	clock := newManualClock()
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, OpenTimeout: 10 * time.Second}, clock.Now)
	b := reg.Breaker("bank")
	failN(t, b, 2)

	clock.Advance(10 * time.Second)
	failN(t, b, 1)

	assert.Equal(t, StateOpen, b.Snapshot().State)
	_, err := b.Allow()
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, fe.Remaining, "failed trial restarts the open window")
}

func TestBreakerReleaseReturnsTrialSlot(t *testing.T) {
	clock := newManualClock()
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second}, clock.Now)
	b := reg.Breaker("bank")
	failN(t, b, 1)
	clock.Advance(time.Second)

	trial, err := b.Allow()
	require.NoError(t, err)
	b.Release(trial)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreakerIgnoresOutcomesFromEarlierState(t *testing.T) {
	clock := newManualClock()
	reg := NewBreakerRegistry(DefaultBreakerConfig(), clock.Now)
	b := reg.Breaker("ledger")

	slow, err := b.Allow()
	require.NoError(t, err)
	failN(t, b, 5)
	require.Equal(t, StateOpen, b.Snapshot().State)

	b.RecordSuccess(slow)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State, "a call admitted while closed must not close an open breaker")
	assert.Equal(t, 5, snap.Failures)

	clock.Advance(60 * time.Second)
	_, err = b.Allow()
	require.NoError(t, err)

	b.RecordFailure(slow)
	b.Release(slow)
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	_, err = b.Allow()
	assert.True(t, fault.IsKind(err, fault.KindCircuitOpen), "stale outcomes must not free the trial slot")
}

func TestCancellationIsNotABreakerFailure(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)
	e := NewExecutor(reg)

	for range 5 {
		ctx, cancel := context.WithCancel(context.Background())
		err := e.Execute(ctx, "bank", func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	}

	snap := reg.Breaker("bank").Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.Failures)
}

func TestValidationErrorsDoNotTripBreaker(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute}, nil)
	e := NewExecutor(reg)

	for range 3 {
		err := e.Execute(context.Background(), "bank", func(ctx context.Context) error {
			return fault.Validation("bad payload", nil)
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, reg.Breaker("bank").Snapshot().State)
}

func TestBreakersAreIndependentPerDependency(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}, nil)
	e := NewExecutor(reg, WithRetryConfig(RetryConfig{MaxRetries: 0}))

	_ = e.Execute(context.Background(), "down", func(ctx context.Context) error {
		return fault.Integration("down", 503)
	})
	require.Equal(t, StateOpen, reg.Breaker("down").Snapshot().State)

	err := e.Execute(context.Background(), "up", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBreakerConcurrentFailures(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1000, OpenTimeout: time.Minute}, nil)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := reg.Breaker("shared")
			if gen, err := b.Allow(); err == nil {
				b.RecordFailure(gen)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, reg.Breaker("shared").Snapshot().Failures)
}

func TestSnapshotsSortedByDependency(t *testing.T) {
	reg := NewBreakerRegistry(DefaultBreakerConfig(), nil)
	reg.Breaker("ledger")
	reg.Breaker("bank")
	reg.Breaker("evidence")

	snaps := reg.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "bank", snaps[0].Dependency)
	assert.Equal(t, "evidence", snaps[1].Dependency)
	assert.Equal(t, "ledger", snaps[2].Dependency)
}

func TestStateText(t *testing.T) {
	b, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half-open", string(b))
	assert.Equal(t, "open", StateOpen.String())
}
