package webhook

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chittyapps/chittyfinance/internal/resilience"
)

//go:embed consumers.yaml
var defaultRegistry []byte

// ConsumerSpec describes one downstream consumer.
type ConsumerSpec struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	// Dependency is the breaker key; defaults to the URL hostname.
	Dependency string   `yaml:"dependency,omitempty" json:"dependency,omitempty"`
	Kinds      []string `yaml:"kinds,omitempty" json:"kinds,omitempty"`
}

// Registry is the ordered consumer list.
type Registry struct {
	Consumers []ConsumerSpec `yaml:"consumers" json:"consumers"`
}

// DefaultRegistry returns the built-in consumer list.
func DefaultRegistry() (Registry, error) {
	return ParseRegistry(defaultRegistry)
}

// LoadRegistry reads a registry file, or the built-in one when path is empty.
func LoadRegistry(path string) (Registry, error) {
	if path == "" {
		return DefaultRegistry()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, fmt.Errorf("reading consumer registry: %w", err)
	}
	r, err := ParseRegistry(data)
	if err != nil {
		return Registry{}, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ParseRegistry decodes and validates registry YAML. Environment variables
// in urls are expanded.
func ParseRegistry(data []byte) (Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Registry{}, fmt.Errorf("parsing consumer registry: %w", err)
	}

	seen := make(map[string]bool, len(r.Consumers))
	for i := range r.Consumers {
		c := &r.Consumers[i]
		c.Name = strings.TrimSpace(c.Name)
		c.URL = strings.TrimSpace(os.ExpandEnv(c.URL))
		if c.Name == "" {
			return Registry{}, fmt.Errorf("consumer %d: name is required", i)
		}
		if seen[c.Name] {
			return Registry{}, fmt.Errorf("consumer %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if c.URL == "" {
			return Registry{}, fmt.Errorf("consumer %q: url is required", c.Name)
		}
		if _, err := NewKindFilter(c.Kinds); err != nil {
			return Registry{}, fmt.Errorf("consumer %q: %w", c.Name, err)
		}
	}
	return r, nil
}

// Build creates an HTTPConsumer for every entry, preserving order.
func (r Registry) Build(exec *resilience.Executor, client *http.Client) ([]Consumer, error) {
	consumers := make([]Consumer, 0, len(r.Consumers))
	for _, spec := range r.Consumers {
		filter, err := NewKindFilter(spec.Kinds)
		if err != nil {
			return nil, fmt.Errorf("consumer %q: %w", spec.Name, err)
		}
		c, err := NewHTTPConsumer(spec.Name, spec.URL, spec.Dependency, filter, exec, client)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, c)
	}
	return consumers, nil
}
