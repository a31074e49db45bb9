package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chittyapps/chittyfinance/internal/reconcile"
	"github.com/chittyapps/chittyfinance/internal/resilience"
	"github.com/chittyapps/chittyfinance/internal/storage"
	"github.com/chittyapps/chittyfinance/internal/webhook"
)

type testApp struct {
	handler  http.Handler
	store    *storage.Store
	breakers *resilience.BreakerRegistry
}

// setupApp wires the handler to a :memory: store and consumers backed by
// the given test servers, in order.
func setupApp(t *testing.T, inbound *resilience.Limiter, consumerURLs map[string]string, order ...string) testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), nil)
	exec := resilience.NewExecutor(breakers,
		resilience.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	var reg webhook.Registry
	for _, name := range order {
		reg.Consumers = append(reg.Consumers, webhook.ConsumerSpec{Name: name, URL: consumerURLs[name], Dependency: name})
	}
	consumers, err := reg.Build(exec, nil)
	if err != nil {
		t.Fatalf("building consumers: %v", err)
	}

	handler := NewAppHandler(AppDeps{
		Dispatcher: webhook.NewDispatcher(store, consumers, webhook.WithFailureRecorder(store)),
		Failures:   store,
		Events:     store,
		Health:     store,
		Breakers:   breakers,
		Engine:     reconcile.NewEngine(reconcile.Config{}),
		Inbound:    inbound,
	})
	return testApp{handler: handler, store: store, breakers: breakers}
}

func statusServer(t *testing.T, status int, calls *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func postWebhook(h http.Handler, source, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+source, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeWebhookResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestWebhookAcknowledgesAndDeduplicates(t *testing.T) {
	var calls atomic.Int32
	app := setupApp(t, nil, map[string]string{"evidence": statusServer(t, http.StatusOK, &calls)}, "evidence")

	rec := postWebhook(app.handler, "stripe", `{"id":"evt_1","type":"charge.succeeded"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"received":true}` {
		t.Fatalf("unexpected body: %s", got)
	}

	rec = postWebhook(app.handler, "stripe", `{"id":"evt_1","type":"charge.succeeded"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"received":true}` {
		t.Fatalf("unexpected duplicate body: %s", got)
	}
	if rec.Header().Get("X-Webhook-Duplicate") != "true" {
		t.Fatal("expected duplicate header")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected consumer to be called once, got %d", n)
	}

	// Same event id from another source is a different event.
	postWebhook(app.handler, "plaid", `{"id":"evt_1"}`, nil)
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 consumer calls, got %d", n)
	}
}

func TestEventLookupAndCount(t *testing.T) {
	app := setupApp(t, nil, nil)
	postWebhook(app.handler, "stripe", `{"id":"evt_1","type":"charge.succeeded"}`, nil)
	postWebhook(app.handler, "stripe", `{"id":"evt_1","type":"charge.succeeded"}`, nil)
	postWebhook(app.handler, "plaid", `{"id":"evt_9"}`, nil)

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/events/stripe/evt_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got storage.IdempotencyRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if got.Key != "stripe:evt_1" || got.Kind != "charge.succeeded" || got.FirstSeen.IsZero() {
		t.Fatalf("unexpected event record: %+v", got)
	}

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/events/stripe/evt_404", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unseen event, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health struct {
		Status string `json:"status"`
		Events int    `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" || health.Events != 2 {
		t.Fatalf("health = %+v, want ok with 2 events", health)
	}
}

func TestWebhookReportsOrchestrationErrors(t *testing.T) {
	app := setupApp(t, nil, map[string]string{
		"A": statusServer(t, http.StatusInternalServerError, nil),
		"B": statusServer(t, http.StatusOK, nil),
	}, "A", "B")

	rec := postWebhook(app.handler, "bank", `{"type":"transaction.posted"}`, map[string]string{"X-Event-Id": "evt_42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("consumer failures must not change the status, got %d", rec.Code)
	}
	body := decodeWebhookResponse(t, rec)
	if body["received"] != true {
		t.Fatalf("expected received=true, got %v", body["received"])
	}
	errs, ok := body["orchestrationErrors"].([]any)
	if !ok || len(errs) != 1 || errs[0] != "A: HTTP 500" {
		t.Fatalf("unexpected orchestrationErrors: %v", body["orchestrationErrors"])
	}

	// The failure is logged and visible on the failures endpoint.
	req := httptest.NewRequest(http.MethodGet, "/webhooks/failures?limit=10", nil)
	frec := httptest.NewRecorder()
	app.handler.ServeHTTP(frec, req)
	var failures []storage.OrchestrationFailure
	if err := json.NewDecoder(frec.Body).Decode(&failures); err != nil {
		t.Fatalf("decoding failures: %v", err)
	}
	if len(failures) != 1 || failures[0].IdempotencyKey != "bank:evt_42" || failures[0].Error != "A: HTTP 500" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func TestWebhookRejectsNonJSON(t *testing.T) {
	app := setupApp(t, nil, nil)

	rec := postWebhook(app.handler, "bank", `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_request_error") {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	app := setupApp(t, nil, nil)

	big := `{"pad":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	rec := postWebhook(app.handler, "bank", big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWebhookRateLimitedPerClientIP(t *testing.T) {
	limiter := resilience.NewLimiter(resilience.LimiterConfig{MaxRequests: 2, Window: time.Minute}, nil)
	app := setupApp(t, limiter, nil)

	ip := map[string]string{"X-Real-IP": "203.0.113.7"}
	for i, id := range []string{"a", "b"} {
		if rec := postWebhook(app.handler, "bank", `{"id":"`+id+`"}`, ip); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := postWebhook(app.handler, "bank", `{"id":"c"}`, ip)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("expected positive Retry-After, got %q", ra)
	}

	other := postWebhook(app.handler, "bank", `{"id":"c"}`, map[string]string{"X-Real-IP": "198.51.100.1"})
	if other.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", other.Code)
	}
}

type failingIngester struct{}

func (failingIngester) Ingest(context.Context, webhook.Envelope) (webhook.Result, error) {
	return webhook.Result{}, errors.New("database is locked")
}

func TestWebhookStoreFailureReturns500(t *testing.T) {
	h := NewAppHandler(AppDeps{Dispatcher: failingIngester{}})

	rec := postWebhook(h, "bank", `{"id":"x"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "received") {
		t.Fatalf("unrecorded events must not be acknowledged: %s", rec.Body.String())
	}
}

func TestHealthAndBreakers(t *testing.T) {
	app := setupApp(t, nil, nil)
	b := app.breakers.Breaker("ledger")
	for range 5 {
		gen, _ := b.Allow()
		b.RecordFailure(gen)
	}

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resilience/breakers", nil))
	var states []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&states); err != nil {
		t.Fatalf("decoding breakers: %v", err)
	}
	if len(states) != 1 || states[0]["dependency"] != "ledger" || states[0]["state"] != "open" {
		t.Fatalf("unexpected breaker states: %v", states)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	app := setupApp(t, nil, nil)

	body := `{
		"accountId": "acct-1",
		"statementBalance": "5000.00",
		"periodStart": "2024-01-01",
		"periodEnd": "2024-01-31",
		"ledgerTransactions": [
			{"id":"l1","date":"2024-01-10","amount":"100.00","description":"RENT JAN"},
			{"id":"l2","date":"2024-01-20","amount":"4700.00","description":"Payroll"}
		],
		"statementTransactions": [
			{"id":"ext1","date":"2024-01-11","amount":"100.00","description":"Rent January payment"}
		]
	}`
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report reconcile.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if !report.Summary.Difference.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected difference 200, got %s", report.Summary.Difference)
	}
	if report.Summary.MatchedCount != 1 || len(report.Matches) != 1 || report.Matches[0].Confidence != 0.95 {
		t.Fatalf("unexpected matches: %+v", report.Matches)
	}
	if report.Summary.RunID == "" {
		t.Fatal("expected run id")
	}
}

func TestReconcileEndpointValidation(t *testing.T) {
	app := setupApp(t, nil, nil)

	for name, body := range map[string]string{
		"missing account": `{"periodStart":"2024-01-01","periodEnd":"2024-01-31"}`,
		"malformed":       `{"accountId":`,
		"bad date":        `{"accountId":"a","periodStart":"soon"}`,
	} {
		rec := httptest.NewRecorder()
		app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestSuggestionsEndpoint(t *testing.T) {
	app := setupApp(t, nil, nil)

	body := `{
		"ledgerTransactions": [{"id":"l1","date":"2024-01-05","amount":"75.00","description":"Internet service"}],
		"statementTransactions": [{"id":"s1","date":"2024-01-09","amount":"80.00","description":"INTERNET SVC"}]
	}`
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile/suggestions", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp suggestionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.MatchedCount != 0 || len(resp.Suggestions) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Suggestions[0].Ledger.ID != "l1" || resp.Suggestions[0].Statement.ID != "s1" {
		t.Fatalf("unexpected suggestion: %+v", resp.Suggestions[0])
	}
}

func TestParseIntParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=900&bad=-1", nil)
	if got := parseIntParam(req, "limit", 50, 500); got != 500 {
		t.Fatalf("expected cap 500, got %d", got)
	}
	if got := parseIntParam(req, "bad", 50, 500); got != 50 {
		t.Fatalf("expected default, got %d", got)
	}
	if got := parseIntParam(req, "missing", 7, 0); got != 7 {
		t.Fatalf("expected default, got %d", got)
	}
}
