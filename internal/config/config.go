package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	MCPStdio       bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// RetryConfig is the default outbound retry policy. Delays are Go duration
// strings such as "1s" or "250ms".
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      string
	MaxDelay       string
	Jitter         float64
	AttemptTimeout string
}

type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      string
}

// RateLimitConfig holds the inbound (per client IP) and outbound (per
// dependency) sliding window limits. A max of zero disables the limiter.
type RateLimitConfig struct {
	InboundMax     int
	InboundWindow  string
	OutboundMax    int
	OutboundWindow string
	SweepInterval  string
}

type WebhookConfig struct {
	// ConsumersFile is a YAML consumer registry; empty uses the built-in one.
	ConsumersFile   string
	ConsumerTimeout string
}

type ReconcileConfig struct {
	AmountTolerance  string
	ExactWindow      string
	FuzzyWindow      string
	FuzzyThreshold   float64
	SuggestThreshold float64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           4000,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BaseDelay:      "1s",
			MaxDelay:       "30s",
			Jitter:         0.3,
			AttemptTimeout: "10s",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      "60s",
		},
		RateLimit: RateLimitConfig{
			InboundMax:     100,
			InboundWindow:  "1m",
			OutboundMax:    0,
			OutboundWindow: "1m",
			SweepInterval:  "5m",
		},
		Webhook: WebhookConfig{
			ConsumerTimeout: "30s",
		},
		Reconcile: ReconcileConfig{
			AmountTolerance:  "0.01",
			ExactWindow:      "48h",
			FuzzyWindow:      "120h",
			FuzzyThreshold:   0.6,
			SuggestThreshold: 0.4,
		},
	}
}

// Load reads configuration from the JSON file at FilePath, then applies
// CHITTYFIN_* environment variable overrides. Missing keys keep their
// defaults.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("invalid config: log.format %q (want text, json or tint)", cfg.Log.Format)
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// Duration parses raw as a time.Duration. An empty, invalid or non-positive
// value is logged under key and replaced by fallback.
func Duration(key, raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback, "error", err)
		return fallback
	}
	return d
}
