// Package breaker implements the per-provider failure-detection state
// machine. A breaker is CLOSED until failureThreshold consecutive failures,
// OPEN while the provider cools down, and HALF_OPEN while a bounded number of
// probe requests test whether the provider recovered.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is the breaker's discrete state. A breaker holds exactly one state at
// a time.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config tunes a breaker.
type Config struct {
	// Consecutive failures before the breaker opens.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// How long the breaker stays open before probing again.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Maximum probe requests allowed through while half-open.
	HalfOpenMaxRequests int `yaml:"half_open_max_requests" json:"half_open_max_requests"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 3
	}
	return c
}

// Breaker is one provider's failure detector. Safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	config        Config
	clock         clock.Clock
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenTried int
	onStateChange func(from State, to State)
}

// New creates a breaker using the wall clock.
func New(config Config) *Breaker {
	return NewWithClock(config, clock.New())
}

// NewWithClock creates a breaker with an injected clock for tests.
func NewWithClock(config Config, clk clock.Clock) *Breaker {
	return &Breaker{
		config: config.withDefaults(),
		clock:  clk,
		state:  StateClosed,
	}
}

// OnStateChange registers a hook called on every transition. The hook runs
// under the breaker's lock; keep it cheap.
func (b *Breaker) OnStateChange(hook func(from State, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = hook
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.halfOpenTried = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// Allow reports whether a request may be attempted right now. While open, it
// flips to half-open once the cooldown elapsed; while half-open, it admits at
// most HalfOpenMaxRequests probes. Repeated calls are idempotent with respect
// to availability: they never change the answer for the same instant except
// by consuming probe slots.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) > b.config.Timeout {
			b.transition(StateHalfOpen)
			b.halfOpenTried++
			return true
		}
		return false
	default: // StateHalfOpen
		if b.halfOpenTried >= b.config.HalfOpenMaxRequests {
			return false
		}
		b.halfOpenTried++
		return true
	}
}

// RecordSuccess reports a successful call. A half-open probe success closes
// the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	if b.state == StateClosed {
		b.failures = 0
	}
}

// RecordFailure reports a failed call. Reaching the threshold while closed
// opens the breaker; any half-open probe failure reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
