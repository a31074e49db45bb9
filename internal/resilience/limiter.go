package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

// LimiterConfig allows MaxRequests per key within any trailing Window.
type LimiterConfig struct {
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a sliding-window rate limiter keyed by caller (client IP,
// dependency name, ...). Keys are independent and locked separately.
type Limiter struct {
	cfg LimiterConfig
	now Clock

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set once Sweep has dropped the window from the map.
	dead bool
}

// NewLimiter creates a limiter. MaxRequests below 1 is treated as 1.
func NewLimiter(cfg LimiterConfig, now Clock) *Limiter {
	if cfg.MaxRequests < 1 {
		cfg.MaxRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     now.orDefault(),
		windows: make(map[string]*window),
	}
}

// Check prunes expired timestamps for key and either records a new request
// or rejects it with an estimate of when the oldest request leaves the window.
func (l *Limiter) Check(key string) Decision {
	for {
		w := l.window(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := w.check(l.now(), l.cfg)
		w.mu.Unlock()
		return d
	}
}

// Allow is Check expressed as an error: nil when allowed, fault.RateLimit otherwise.
func (l *Limiter) Allow(key string) error {
	d := l.Check(key)
	if d.Allowed {
		return nil
	}
	return fault.RateLimit(key, d.RetryAfter)
}

func (l *Limiter) window(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

func (w *window) check(now time.Time, cfg LimiterConfig) Decision {
	w.prune(now.Add(-cfg.Window))
	if len(w.stamps) >= cfg.MaxRequests {
		return Decision{RetryAfter: w.stamps[0].Add(cfg.Window).Sub(now)}
	}
	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Remaining: cfg.MaxRequests - len(w.stamps)}
}

// prune drops timestamps at or before cutoff. Stamps are appended in order.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Sweep removes keys with no timestamps left in the window and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.stamps) == 0 {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps every interval until ctx is cancelled.
// If interval is <= 0, it defaults to the limiter window.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logger.Debug("rate limiter swept idle keys", "removed", n, "remaining", l.Len())
			}
		}
	}
}
