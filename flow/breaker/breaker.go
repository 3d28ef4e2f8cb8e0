// Package breaker implements the per-node circuit breaker that
// isolates repeatedly failing nodes. Each breaker is an independent,
// in-memory state machine; the executor keeps one per (workflow, node)
// in a Registry.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's position in the closed/open/half-open
// machine.
type State string

const (
	// Closed admits every call. Failures accumulate; reaching the
	// failure threshold trips the breaker to Open.
	Closed State = "closed"

	// Open rejects every call until ResetTimeout has elapsed since the
	// transition, after which the next admitted call moves to HalfOpen.
	Open State = "open"

	// HalfOpen admits a bounded number of concurrent probes. Reaching
	// SuccessThreshold consecutive successes closes the breaker; any
	// failure reopens it.
	HalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid breaker config")

// Config parameterizes one breaker. The zero value is not valid; use
// DefaultConfig or set every field.
type Config struct {
	// FailureThreshold is the consecutive-failure count in Closed that
	// trips the breaker. Must be >= 1.
	FailureThreshold int

	// ResetTimeout is how long Open lasts before a probe is admitted.
	// Must be > 0.
	ResetTimeout time.Duration

	// SuccessThreshold is the consecutive successes required in HalfOpen
	// to close. Defaults to 1.
	SuccessThreshold int

	// HalfOpenMax bounds concurrent probes in HalfOpen. Defaults to 1.
	HalfOpenMax int
}

// DefaultConfig returns the conventional settings: trip after 5
// failures, 30s reset, one successful probe to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 || c.ResetTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.SuccessThreshold < 0 || c.HalfOpenMax < 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.HalfOpenMax == 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	State             State
	Failures          int
	Successes         int
	LastStateChangeAt time.Time
	HalfOpenInFlight  int
}

// Breaker is one node's failure-isolation state machine. All methods
// are safe for concurrent use; operations on one breaker are
// serialized, different breakers are independent.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state            State
	failures         int
	successes        int
	lastChange       time.Time
	halfOpenInFlight int

	// onTransition, when set, observes state changes (metrics hook).
	onTransition func(from, to State)
}

// New creates a breaker. now may be nil (wall clock).
func New(cfg Config, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	return &Breaker{cfg: cfg, now: now, state: Closed, lastChange: now()}
}

// OnTransition registers a state-change observer. Must be called
// before the breaker is shared.
func (b *Breaker) OnTransition(fn func(from, to State)) { b.onTransition = fn }

// Allow gates one call. It returns nil when the call may proceed and
// ErrOpen when the breaker rejects it. Callers that proceed must pair
// the call with exactly one Success or Failure.
//
// While Open, the first Allow after ResetTimeout has elapsed
// transitions to HalfOpen and admits the caller as a probe. In
// HalfOpen, at most HalfOpenMax probes may be in flight at once;
// excess callers are rejected with ErrOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.lastChange) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.halfOpenInFlight = 1
		return nil
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return ErrOpen
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

// Success records a successful call admitted by Allow.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

// Failure records a failed call admitted by Allow.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transition(Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters and state.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:             b.state,
		Failures:          b.failures,
		Successes:         b.successes,
		LastStateChangeAt: b.lastChange,
		HalfOpenInFlight:  b.halfOpenInFlight,
	}
}

// transition moves to a new state, resetting the counters that belong
// to the state being left. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastChange = b.now()
	switch to {
	case Closed:
		b.failures = 0
		b.successes = 0
		b.halfOpenInFlight = 0
	case Open:
		b.successes = 0
		b.halfOpenInFlight = 0
	case HalfOpen:
		b.successes = 0
	}
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// Registry keeps one breaker per node name, creating them lazily with
// a per-node configuration.
type Registry struct {
	mu       sync.Mutex
	now      func() time.Time
	breakers map[string]*Breaker

	// OnTransition, when set before use, is installed on every breaker
	// the registry creates, with the node name prepended.
	OnTransition func(node string, from, to State)
}

// NewRegistry creates an empty registry. now may be nil.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{now: now, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for node, creating it with cfg on first use.
// Later calls ignore cfg; a node's breaker configuration is fixed for
// the registry's lifetime.
func (r *Registry) Get(node string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[node]; ok {
		return b
	}
	b := New(cfg, r.now)
	if r.OnTransition != nil {
		name := node
		b.OnTransition(func(from, to State) { r.OnTransition(name, from, to) })
	}
	r.breakers[node] = b
	return b
}

// Snapshot returns stats for every breaker in the registry.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
