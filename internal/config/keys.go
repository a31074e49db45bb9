package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

const envPrefix = "CHITTYFIN_"

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: envPrefix + "SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: envPrefix + "SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: envPrefix + "SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: envPrefix + "SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "storage.data_dir", typ: kString, env: envPrefix + "STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: envPrefix + "LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: envPrefix + "LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "retry.max_retries", typ: kInt, env: envPrefix + "RETRY_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxRetries },
	},
	{
		key: "retry.base_delay", typ: kString, env: envPrefix + "RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.max_delay", typ: kString, env: envPrefix + "RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
	},
	{
		key: "retry.jitter", typ: kFloat, env: envPrefix + "RETRY_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Retry.Jitter = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retry.Jitter },
	},
	{
		key: "retry.attempt_timeout", typ: kString, env: envPrefix + "RETRY_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retry.AttemptTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.AttemptTimeout },
	},
	{
		key: "breaker.failure_threshold", typ: kInt, env: envPrefix + "BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.open_timeout", typ: kString, env: envPrefix + "BREAKER_OPEN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.OpenTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Breaker.OpenTimeout },
	},
	{
		key: "ratelimit.inbound_max", typ: kInt, env: envPrefix + "RATELIMIT_INBOUND_MAX",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.InboundMax = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.InboundMax },
	},
	{
		key: "ratelimit.inbound_window", typ: kString, env: envPrefix + "RATELIMIT_INBOUND_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.InboundWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.InboundWindow },
	},
	{
		key: "ratelimit.outbound_max", typ: kInt, env: envPrefix + "RATELIMIT_OUTBOUND_MAX",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.OutboundMax = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.OutboundMax },
	},
	{
		key: "ratelimit.outbound_window", typ: kString, env: envPrefix + "RATELIMIT_OUTBOUND_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.OutboundWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.OutboundWindow },
	},
	{
		key: "ratelimit.sweep_interval", typ: kString, env: envPrefix + "RATELIMIT_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.SweepInterval },
	},
	{
		key: "webhook.consumers_file", typ: kString, env: envPrefix + "WEBHOOK_CONSUMERS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Webhook.ConsumersFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.ConsumersFile },
	},
	{
		key: "webhook.consumer_timeout", typ: kString, env: envPrefix + "WEBHOOK_CONSUMER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Webhook.ConsumerTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.ConsumerTimeout },
	},
	{
		key: "reconcile.amount_tolerance", typ: kString, env: envPrefix + "RECONCILE_AMOUNT_TOLERANCE",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.AmountTolerance = v.(string) },
		extract: func(cfg Config) any { return cfg.Reconcile.AmountTolerance },
	},
	{
		key: "reconcile.exact_window", typ: kString, env: envPrefix + "RECONCILE_EXACT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.ExactWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Reconcile.ExactWindow },
	},
	{
		key: "reconcile.fuzzy_window", typ: kString, env: envPrefix + "RECONCILE_FUZZY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.FuzzyWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Reconcile.FuzzyWindow },
	},
	{
		key: "reconcile.fuzzy_threshold", typ: kFloat, env: envPrefix + "RECONCILE_FUZZY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.FuzzyThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Reconcile.FuzzyThreshold },
	},
	{
		key: "reconcile.suggest_threshold", typ: kFloat, env: envPrefix + "RECONCILE_SUGGEST_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.SuggestThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Reconcile.SuggestThreshold },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type of s.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			slog.Warn("could not parse config key, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
