package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/chittyapps/chittyfinance/internal/fault"
)

// Clock returns the current time. A nil Clock means time.Now.
type Clock func() time.Time

func (c Clock) orDefault() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig configures every breaker created by a registry.
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// BreakerState is a point-in-time view of one breaker.
type BreakerState struct {
	Dependency  string    `json:"dependency"`
	State       State     `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Generation identifies the breaker state a call was admitted under.
// Outcomes reported with a stale generation are ignored, so a call that
// started before a state change cannot move the breaker afterwards.
type Generation uint64

// Breaker guards a single dependency.
//
// While open, Allow refuses calls until OpenTimeout has elapsed since the
// last failure. The breaker then turns half-open and admits exactly one
// trial call whose outcome closes or reopens it.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  Clock

	mu          sync.Mutex
	state       State
	generation  Generation
	failures    int
	lastFailure time.Time
	trial       bool
}

func newBreaker(name string, cfg BreakerConfig, now Clock) *Breaker {
	return &Breaker{name: name, cfg: cfg, now: now.orDefault()}
}

// setState moves to s and starts a new generation.
func (b *Breaker) setState(s State) {
	b.state = s
	b.generation++
	b.trial = false
}

// Allow reports whether a call may proceed and returns the generation its
// outcome must be reported with. A refused call gets a fault.CircuitOpen
// error carrying the remaining open duration.
func (b *Breaker) Allow() (Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cfg.OpenTimeout {
			return b.generation, fault.CircuitOpen(b.name, b.cfg.OpenTimeout-elapsed)
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return b.generation, nil
	default:
		if b.trial {
			return b.generation, fault.CircuitOpen(b.name, 0)
		}
		b.trial = true
		return b.generation, nil
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess(gen Generation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	b.failures = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure counts a dependency failure. A failed half-open trial
// reopens the breaker and restarts the open timeout.
func (b *Breaker) RecordFailure(gen Generation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	}
}

// Release ends a call that says nothing about the dependency's health,
// such as a caller cancellation. A half-open trial slot is handed back.
func (b *Breaker) Release(gen Generation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == StateHalfOpen {
		b.trial = false
	}
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Dependency:  b.name,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// BreakerRegistry hands out one breaker per dependency name.
// Each breaker has its own lock, so a busy or open breaker never
// blocks calls to other dependencies.
type BreakerRegistry struct {
	cfg BreakerConfig
	now Clock

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry. Zero config fields fall back
// to DefaultBreakerConfig.
func NewBreakerRegistry(cfg BreakerConfig, now Clock) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &BreakerRegistry{
		cfg:      cfg,
		now:      now.orDefault(),
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for dependency, creating it on first use.
func (r *BreakerRegistry) Breaker(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b = newBreaker(dependency, r.cfg, r.now)
	r.breakers[dependency] = b
	return b
}

// Snapshots returns the state of every known breaker, sorted by dependency.
func (r *BreakerRegistry) Snapshots() []BreakerState {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	states := make([]BreakerState, len(list))
	for i, b := range list {
		states[i] = b.Snapshot()
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Dependency < states[j].Dependency
	})
	return states
}
