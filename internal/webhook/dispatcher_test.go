package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyapps/chittyfinance/internal/resilience"
	"github.com/chittyapps/chittyfinance/internal/storage"
)

// memStore is an in-memory IdempotencyStore and FailureRecorder.
type memStore struct {
	mu       sync.Mutex
	seen     map[string]storage.IdempotencyRecord
	failures map[string][]string
	err      error
}

func newMemStore() *memStore {
	return &memStore{seen: map[string]storage.IdempotencyRecord{}, failures: map[string][]string{}}
}

func (m *memStore) RecordEvent(_ context.Context, rec storage.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.seen[rec.Key]; ok {
		return false, nil
	}
	m.seen[rec.Key] = rec
	return true, nil
}

func (m *memStore) RecordOrchestrationFailures(_ context.Context, key string, failures []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], failures...)
	return nil
}

// funcConsumer adapts a function to Consumer.
type funcConsumer struct {
	name    string
	filter  KindFilter
	deliver func(ctx context.Context, env Envelope) error
	calls   atomic.Int32
}

func (f *funcConsumer) Name() string             { return f.name }
func (f *funcConsumer) Accepts(kind string) bool { return f.filter.Match(kind) }
func (f *funcConsumer) Deliver(ctx context.Context, env Envelope) error {
	f.calls.Add(1)
	if f.deliver == nil {
		return nil
	}
	return f.deliver(ctx, env)
}

func okConsumer(name string) *funcConsumer { return &funcConsumer{name: name} }

func testEnvelope(t *testing.T, id, kind string) Envelope {
	t.Helper()
	env, err := Parse("bank", http.Header{"X-Event-Id": {id}}, []byte(`{"type":"`+kind+`"}`), received)
	require.NoError(t, err)
	return env
}

func TestIngestAllConsumersSucceed(t *testing.T) {
	store := newMemStore()
	a, b := okConsumer("evidence"), okConsumer("chronicle")
	d := NewDispatcher(store, []Consumer{a, b})

	res, err := d.Ingest(context.Background(), testEnvelope(t, "evt_1", "transaction.created"))
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.False(t, res.Duplicate)
	assert.Empty(t, res.Errors)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())

	rec := store.seen["bank:evt_1"]
	assert.Equal(t, "transaction.created", rec.Kind)
	assert.True(t, rec.FirstSeen.Equal(received))
}

func TestIngestDuplicateHasNoSideEffects(t *testing.T) {
	store := newMemStore()
	failing := &funcConsumer{name: "A", deliver: func(context.Context, Envelope) error { return errors.New("boom") }}
	d := NewDispatcher(store, []Consumer{failing}, WithFailureRecorder(store))
	env := testEnvelope(t, "evt_1", "invoice.paid")

	first, err := d.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"A: boom"}, first.Errors)

	second, err := d.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, second.Acknowledged)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.Errors)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, []string{"A: boom"}, store.failures["bank:evt_1"])
}

func TestIngestConcurrentDuplicatesDeliverOnce(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	c := okConsumer("ledger")
	d := NewDispatcher(store, []Consumer{c})
	env := testEnvelope(t, "evt_dup", "transaction.created")

	var duplicates atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Ingest(context.Background(), env)
			if assert.NoError(t, err) {
				assert.True(t, res.Acknowledged)
				if res.Duplicate {
					duplicates.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, int32(9), duplicates.Load())
}

func TestIngestStoreFailureIsNotAcknowledged(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk full")
	c := okConsumer("evidence")
	d := NewDispatcher(store, []Consumer{c})

	res, err := d.Ingest(context.Background(), testEnvelope(t, "evt_1", "x"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, res.Acknowledged)
	assert.Equal(t, int32(0), c.calls.Load())
}

func TestIngestCollectsHTTPFailuresInConsumerOrder(t *testing.T) {
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fail.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	exec := resilience.NewExecutor(nil, resilience.WithSleep(noSleep))
	reg := Registry{Consumers: []ConsumerSpec{
		{Name: "A", URL: fail.URL, Dependency: "a"},
		{Name: "B", URL: ok.URL, Dependency: "b"},
		{Name: "C", URL: fail.URL, Dependency: "c"},
	}}
	consumers, err := reg.Build(exec, nil)
	require.NoError(t, err)

	store := newMemStore()
	d := NewDispatcher(store, consumers, WithFailureRecorder(store))

	res, err := d.Ingest(context.Background(), testEnvelope(t, "evt_1", "invoice.paid"))
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.Equal(t, []string{"A: HTTP 500", "C: HTTP 500"}, res.Errors)
	assert.Equal(t, res.Errors, store.failures["bank:evt_1"])
}

func TestIngestSkipsConsumersByKind(t *testing.T) {
	filter, err := NewKindFilter([]string{"transaction*"})
	require.NoError(t, err)
	evidence := okConsumer("evidence")
	ledger := &funcConsumer{name: "ledger", filter: filter}
	d := NewDispatcher(newMemStore(), []Consumer{evidence, ledger})

	res, err := d.Ingest(context.Background(), testEnvelope(t, "evt_1", "invoice.paid"))
	require.NoError(t, err)
	assert.Empty(t, res.Errors, "skipped consumers are not errors")
	assert.Equal(t, int32(0), ledger.calls.Load())

	_, err = d.Ingest(context.Background(), testEnvelope(t, "evt_2", "transaction.created"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), ledger.calls.Load())
	assert.Equal(t, int32(2), evidence.calls.Load())
}

func TestIngestSlowConsumerTimesOut(t *testing.T) {
	slow := &funcConsumer{name: "slow", deliver: func(ctx context.Context, _ Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	fast := okConsumer("fast")
	d := NewDispatcher(newMemStore(), []Consumer{slow, fast}, WithConsumerTimeout(50*time.Millisecond))

	start := time.Now()
	res, err := d.Ingest(context.Background(), testEnvelope(t, "evt_1", "x"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"slow: context deadline exceeded"}, res.Errors)
	assert.Equal(t, int32(1), fast.calls.Load())
}

func TestIngestDetachesFromCallerCancellation(t *testing.T) {
	var sawCancel atomic.Bool
	c := &funcConsumer{name: "evidence", deliver: func(ctx context.Context, _ Envelope) error {
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}}
	d := NewDispatcher(newMemStore(), []Consumer{c})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Ingest(ctx, testEnvelope(t, "evt_1", "x"))
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.False(t, sawCancel.Load())
}

func TestIngestHungConsumerOpensItsBreaker(t *testing.T) {
	done := make(chan struct{})
	var requests atomic.Int32
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	defer hung.Close()
	defer close(done)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute}, nil)
	exec := resilience.NewExecutor(breakers, resilience.WithSleep(noSleep))
	consumers, err := Registry{Consumers: []ConsumerSpec{
		{Name: "ledger", URL: hung.URL, Dependency: "ledger"},
	}}.Build(exec, nil)
	require.NoError(t, err)
	d := NewDispatcher(newMemStore(), consumers, WithConsumerTimeout(50*time.Millisecond))

	for i := range 3 {
		res, err := d.Ingest(context.Background(), testEnvelope(t, fmt.Sprintf("evt_%d", i), "transaction.created"))
		require.NoError(t, err)
		require.Len(t, res.Errors, 1)
	}
	snap := breakers.Breaker("ledger").Snapshot()
	assert.Equal(t, resilience.StateOpen, snap.State)
	assert.Equal(t, 3, snap.Failures)

	res, err := d.Ingest(context.Background(), testEnvelope(t, "evt_next", "transaction.created"))
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "circuit open")
	assert.Equal(t, int32(3), requests.Load(), "an open breaker fails fast without calling the consumer")
}
