package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gobwas/glob"

	"github.com/chittyapps/chittyfinance/internal/fault"
	"github.com/chittyapps/chittyfinance/internal/resilience"
)

// Consumer is a downstream sink that receives every new event it accepts.
type Consumer interface {
	Name() string
	Accepts(kind string) bool
	Deliver(ctx context.Context, env Envelope) error
}

// KindFilter matches event kinds against glob patterns. An empty filter
// accepts every kind.
type KindFilter struct {
	patterns []string
	globs    []glob.Glob
}

// NewKindFilter compiles patterns such as "transaction*".
func NewKindFilter(patterns []string) (KindFilter, error) {
	f := KindFilter{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return KindFilter{}, fmt.Errorf("compiling kind pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether kind is accepted.
func (f KindFilter) Match(kind string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(kind) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns.
func (f KindFilter) Patterns() []string {
	return f.patterns
}

// HTTPConsumer POSTs the envelope as JSON to a downstream service. Every
// request goes through the executor under the consumer's dependency name.
type HTTPConsumer struct {
	name       string
	url        string
	dependency string
	filter     KindFilter
	client     *http.Client
	exec       *resilience.Executor
}

// NewHTTPConsumer creates a consumer posting to rawURL. An empty dependency
// uses the URL's hostname, so consumers on the same host share a breaker.
func NewHTTPConsumer(name, rawURL, dependency string, filter KindFilter, exec *resilience.Executor, client *http.Client) (*HTTPConsumer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: parsing url: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("consumer %s: url %q must be http or https", name, rawURL)
	}
	if dependency == "" {
		dependency = u.Hostname()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConsumer{
		name:       name,
		url:        rawURL,
		dependency: dependency,
		filter:     filter,
		client:     client,
		exec:       exec,
	}, nil
}

func (c *HTTPConsumer) Name() string { return c.name }

// Dependency returns the breaker key used for this consumer's calls.
func (c *HTTPConsumer) Dependency() string { return c.dependency }

func (c *HTTPConsumer) Accepts(kind string) bool { return c.filter.Match(kind) }

// Deliver posts env. A non-2xx response becomes a fault.Integration error
// and a transport failure a fault.Network error.
func (c *HTTPConsumer) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	return c.exec.Execute(ctx, c.dependency, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return fault.Validation("building request: "+err.Error(), nil)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Id", env.EventID)
		req.Header.Set("X-Event-Source", env.Source)
		req.Header.Set("Idempotency-Key", env.IdempotencyKey())

		resp, err := c.client.Do(req)
		if err != nil {
			return fault.Network(c.dependency, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fault.Integration(c.dependency, resp.StatusCode)
		}
		return nil
	})
}
