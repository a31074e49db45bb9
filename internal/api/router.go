package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chittyapps/chittyfinance/internal/fault"
	"github.com/chittyapps/chittyfinance/internal/reconcile"
	"github.com/chittyapps/chittyfinance/internal/resilience"
	"github.com/chittyapps/chittyfinance/internal/storage"
	"github.com/chittyapps/chittyfinance/internal/webhook"
)

const maxRequestBodySize = 1 << 20    // 1MB
const maxReconcileBodySize = 10 << 20 // 10MB

// Ingester accepts webhook envelopes.
type Ingester interface {
	Ingest(ctx context.Context, env webhook.Envelope) (webhook.Result, error)
}

// FailureLister lists recorded orchestration failures, newest first.
type FailureLister interface {
	ListOrchestrationFailures(ctx context.Context, limit int) ([]storage.OrchestrationFailure, error)
}

// EventLookup reads recorded webhook events.
type EventLookup interface {
	GetEvent(ctx context.Context, key string) (storage.IdempotencyRecord, error)
	CountEvents(ctx context.Context) (int, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AppDeps struct {
	Dispatcher Ingester
	Failures   FailureLister
	Events     EventLookup // optional
	Health     Pinger      // optional
	Breakers   *resilience.BreakerRegistry
	Engine     *reconcile.Engine
	Inbound    *resilience.Limiter // optional; nil disables inbound rate limiting
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d AppDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Get("/resilience/breakers", handleBreakers(deps))
	r.Get("/webhooks/failures", handleListFailures(deps))
	r.Get("/webhooks/events/{source}/{eventID}", handleGetEvent(deps))
	r.With(RateLimit(deps.Inbound)).Post("/webhooks/{source}", handleWebhook(deps))
	r.Post("/reconcile", handleReconcile(deps))
	r.Post("/reconcile/suggestions", handleSuggestions(deps))

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Ping(ctx); err != nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
				return
			}
		}
		resp := map[string]any{"status": "ok"}
		if deps.Events != nil {
			if n, err := deps.Events.CountEvents(r.Context()); err == nil {
				resp["events"] = n
			} else {
				deps.logger().Warn("counting events", "error", err)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleBreakers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := []resilience.BreakerState{}
		if deps.Breakers != nil {
			states = append(states, deps.Breakers.Snapshots()...)
		}
		writeJSON(w, http.StatusOK, states)
	}
}

func handleListFailures(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		failures, err := deps.Failures.ListOrchestrationFailures(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list failures: %v", err)
			return
		}
		if failures == nil {
			failures = []storage.OrchestrationFailure{}
		}
		writeJSON(w, http.StatusOK, failures)
	}
}

// handleGetEvent reports whether an event was recorded, and when.
func handleGetEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			httpError(w, http.StatusNotFound, "not_found", "event lookup is not configured")
			return
		}
		env := webhook.Envelope{Source: chi.URLParam(r, "source"), EventID: chi.URLParam(r, "eventID")}
		rec, err := deps.Events.GetEvent(r.Context(), env.IdempotencyKey())
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "event %s not recorded", env.IdempotencyKey())
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read event: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// faultError renders a tagged error with the status its kind implies.
func faultError(w http.ResponseWriter, err error) {
	fe, ok := fault.As(err)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	switch fe.Kind {
	case fault.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", fe.Error())
	case fault.KindRateLimit:
		setRetryAfter(w, fe.RetryAfter)
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%s", fe.Error())
	case fault.KindCircuitOpen:
		setRetryAfter(w, fe.Remaining)
		httpError(w, http.StatusServiceUnavailable, "circuit_open_error", "%s", fe.Error())
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%s", fe.Error())
	}
}

// setRetryAfter writes d as whole seconds, rounded up.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
