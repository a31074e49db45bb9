package api

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chittyapps/chittyfinance/internal/fault"
	"github.com/chittyapps/chittyfinance/internal/resilience"
	"github.com/chittyapps/chittyfinance/internal/webhook"
)

type webhookResponse struct {
	Received            bool     `json:"received"`
	OrchestrationErrors []string `json:"orchestrationErrors,omitempty"`
}

// handleWebhook acknowledges a delivery once it is recorded. Consumer
// failures are reported in the body but never change the status code, so
// senders do not redeliver an event that was already fanned out.
func handleWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "body exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		env, err := webhook.Parse(chi.URLParam(r, "source"), r.Header, body, deps.now())
		if err != nil {
			faultError(w, err)
			return
		}

		res, err := deps.Dispatcher.Ingest(r.Context(), env)
		if err != nil {
			deps.logger().Error("webhook not recorded", "source", env.Source, "event_id", env.EventID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record event")
			return
		}

		if res.Duplicate {
			w.Header().Set("X-Webhook-Duplicate", "true")
		}
		writeJSON(w, http.StatusOK, webhookResponse{
			Received:            res.Acknowledged,
			OrchestrationErrors: res.Errors,
		})
	}
}

// RateLimit rejects requests from a client IP that exceeds l with 429 and a
// Retry-After header. It expects middleware.RealIP to have run first. A nil
// limiter disables the check.
func RateLimit(l *resilience.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			d := l.Check(key)
			if !d.Allowed {
				faultError(w, fault.RateLimit(key, d.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
