package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chittyapps/chittyfinance/internal/storage"
)

// DefaultConsumerTimeout bounds a single consumer delivery, retries included.
const DefaultConsumerTimeout = 30 * time.Second

// IdempotencyStore records events atomically. RecordEvent must report
// inserted=false, not an error, when the key already exists.
type IdempotencyStore interface {
	RecordEvent(ctx context.Context, rec storage.IdempotencyRecord) (inserted bool, err error)
}

// FailureRecorder persists consumer errors for out-of-band alerting.
type FailureRecorder interface {
	RecordOrchestrationFailures(ctx context.Context, key string, failures []string) error
}

// Result is the outcome of one Ingest call.
type Result struct {
	Acknowledged bool     `json:"received"`
	Duplicate    bool     `json:"duplicate,omitempty"`
	Errors       []string `json:"orchestrationErrors,omitempty"`
}

// Dispatcher deduplicates envelopes and fans new ones out to consumers.
type Dispatcher struct {
	store     IdempotencyStore
	consumers []Consumer
	failures  FailureRecorder
	timeout   time.Duration
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConsumerTimeout sets the per-consumer deadline.
func WithConsumerTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithFailureRecorder persists orchestration errors through r.
func WithFailureRecorder(r FailureRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.failures = r }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher calling consumers in the given order.
func NewDispatcher(store IdempotencyStore, consumers []Consumer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		consumers: consumers,
		timeout:   DefaultConsumerTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Consumers returns the configured consumers in call order.
func (d *Dispatcher) Consumers() []Consumer {
	return d.consumers
}

// Ingest records env and, if it has not been seen before, delivers it to
// every consumer that accepts its kind.
//
// The only error returned is a failure to record the event; the sender
// should redeliver in that case. Consumer failures never fail Ingest and
// are reported in Result.Errors.
func (d *Dispatcher) Ingest(ctx context.Context, env Envelope) (Result, error) {
	key := env.IdempotencyKey()
	inserted, err := d.store.RecordEvent(ctx, storage.IdempotencyRecord{
		Key:       key,
		Source:    env.Source,
		EventID:   env.EventID,
		Kind:      env.Kind,
		FirstSeen: env.ReceivedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("recording event %s: %w", key, err)
	}
	if !inserted {
		d.logger.Info("duplicate webhook ignored", "key", key, "kind", env.Kind)
		return Result{Acknowledged: true, Duplicate: true}, nil
	}

	errs := d.orchestrate(ctx, env)
	if len(errs) > 0 {
		d.logger.Error("orchestration failed", "key", key, "kind", env.Kind, "errors", errs)
		if d.failures != nil {
			if err := d.failures.RecordOrchestrationFailures(context.WithoutCancel(ctx), key, errs); err != nil {
				d.logger.Error("recording orchestration failures", "key", key, "error", err)
			}
		}
	} else {
		d.logger.Debug("webhook orchestrated", "key", key, "kind", env.Kind)
	}
	return Result{Acknowledged: true, Errors: errs}, nil
}

// orchestrate calls all accepting consumers concurrently and returns their
// errors in consumer order. Deliveries are detached from ctx so an inbound
// request that goes away does not abort them; each gets its own deadline.
func (d *Dispatcher) orchestrate(ctx context.Context, env Envelope) []string {
	base := context.WithoutCancel(ctx)
	reasons := make([]string, len(d.consumers))

	var g errgroup.Group
	for i, c := range d.consumers {
		if !c.Accepts(env.Kind) {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			start := time.Now()
			if err := c.Deliver(cctx, env); err != nil {
				reasons[i] = c.Name() + ": " + err.Error()
				d.logger.Warn("consumer failed", "consumer", c.Name(), "key", env.IdempotencyKey(), "elapsed", time.Since(start), "error", err)
			}
			return nil
		})
	}
	g.Wait()

	var errs []string
	for _, r := range reasons {
		if r != "" {
			errs = append(errs, r)
		}
	}
	return errs
}
