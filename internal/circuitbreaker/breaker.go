// Package circuitbreaker protects calls to the token cost oracle and the
// settlement network from cascading failures. An open circuit fails fast
// and surfaces to callers as UPSTREAM_UNAVAILABLE.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned without invoking the upstream at all.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests            uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

// Config tunes one breaker.
type Config struct {
	Name string
	// FailureThreshold trips the breaker after this many consecutive
	// failures in the closed state.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is how many trial requests half-open admits.
	HalfOpenProbes uint32
}

// DefaultConfig returns the standard tuning for upstream clients.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker is a single circuit breaker.
type Breaker struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   uint32
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 2
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		logger: log.New(log.Writer(), "[Breaker:"+cfg.Name+"] ", log.LstdFlags),
	}
}

// State returns the current state, applying the open->half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.currentState() {
	case StateOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	if success {
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.probes = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if to == StateClosed {
		b.counts = Counts{}
	}
	b.logger.Printf("state change: %s -> %s", from, to)
}

// Snapshot returns the current counts for metrics and admin endpoints.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}
