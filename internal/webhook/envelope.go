// Package webhook deduplicates inbound webhook deliveries and fans each new
// event out to the downstream consumers.
package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

// UnknownKind is used when a delivery does not name its event type.
const UnknownKind = "unknown"

// eventIDHeaders are checked in order for a sender-assigned event id.
var eventIDHeaders = []string{"X-Event-Id", "X-Webhook-Id", "Webhook-Id"}

// Envelope is one inbound delivery. It is built once by Parse and never modified.
type Envelope struct {
	Source     string          `json:"source"`
	EventID    string          `json:"eventId"`
	Kind       string          `json:"kind"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// IdempotencyKey identifies the logical event across redeliveries.
func (e Envelope) IdempotencyKey() string {
	return e.Source + ":" + e.EventID
}

// Parse normalizes a delivery body into an Envelope. The event id comes from
// the first non-empty id header, then the body "id" or "event_id" field, and
// is generated when none is present. The kind comes from the body "type" field.
func Parse(source string, header http.Header, body []byte, receivedAt time.Time) (Envelope, error) {
	if source == "" {
		return Envelope{}, fault.Validation("webhook source is required", nil)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return Envelope{}, fault.Validation("webhook body must be valid JSON", nil)
	}

	// Non-object bodies are accepted; they simply carry no id or type.
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(body, &fields)

	env := Envelope{
		Source:     source,
		ReceivedAt: receivedAt.UTC(),
		Payload:    json.RawMessage(body),
	}

	for _, h := range eventIDHeaders {
		if v := strings.TrimSpace(header.Get(h)); v != "" {
			env.EventID = v
			break
		}
	}
	if env.EventID == "" {
		env.EventID = scalar(fields["id"])
	}
	if env.EventID == "" {
		env.EventID = scalar(fields["event_id"])
	}
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}

	env.Kind = scalar(fields["type"])
	if env.Kind == "" {
		env.Kind = UnknownKind
	}
	return env, nil
}

// scalar returns a JSON string or number as text, and "" for anything else.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
