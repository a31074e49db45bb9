package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

func TestLimiterRejectsFourthCallInWindow(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 3, Window: 60 * time.Second}, clock.Now)

	for i := range 3 {
		d := l.Check("10.0.0.1")
		require.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(5 * time.Second)
	}

	d := l.Check("10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 45*time.Second, d.RetryAfter, "oldest request leaves the window 60s after it was made")

	clock.Advance(60 * time.Second)
	assert.True(t, l.Check("10.0.0.1").Allowed)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxRequests: 1, Window: time.Minute}, newManualClock().Now)

	assert.True(t, l.Check("a").Allowed)
	assert.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestLimiterAllowReturnsRateLimitError(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxRequests: 1, Window: time.Minute}, newManualClock().Now)
	require.NoError(t, l.Allow("bank"))

	err := l.Allow("bank")
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindRateLimit, fe.Kind)
	assert.True(t, fe.Retryable)
	assert.Equal(t, time.Minute, fe.RetryAfter)
}

func TestLimiterSweepDropsIdleKeys(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 5, Window: time.Minute}, clock.Now)

	l.Check("old")
	clock.Advance(30 * time.Second)
	l.Check("recent")
	clock.Advance(40 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	// A swept key starts over with a fresh window.
	assert.True(t, l.Check("old").Allowed)
	assert.Equal(t, 2, l.Len())
}

func TestLimiterConcurrentSameKey(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxRequests: 10, Window: time.Minute}, nil)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestLimiterConcurrentSweep(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 1000, Window: time.Second}, clock.Now)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				l.Sweep()
			}
		}()
	}
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("k").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(200), allowed.Load())
}
