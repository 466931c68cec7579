// Package resilience shields the broker from flapping LLM backends: a
// three-state circuit breaker and a failover chain that moves traffic to the
// next healthy backend when the preferred one trips.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrBreakerOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether to close again.
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

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// FailureLimit is the number of consecutive failures that trips the
	// breaker. Default 5.
	FailureLimit int

	// CoolDown is how long a tripped breaker rejects calls before probing.
	// Default 30s.
	CoolDown time.Duration

	// ProbeBudget is the number of half-open probe calls that must succeed
	// to close the breaker again. Default 3.
	ProbeBudget int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureLimit <= 0 {
		c.FailureLimit = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.ProbeBudget <= 0 {
		c.ProbeBudget = 3
	}
	return c
}

// Breaker is a three-state circuit breaker (closed → open → half-open).
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	failures   int
	trippedAt  time.Time
	probes     int
	probeFails int
}

// NewBreaker builds a Breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Do runs fn unless the breaker rejects the call. A rejection returns
// [ErrBreakerOpen] without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	probe, ok := b.admit()
	if !ok {
		return ErrBreakerOpen
	}

	err := fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a
// half-open probe.
func (b *Breaker) admit() (probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.trippedAt) < b.cfg.CoolDown {
			return false, false
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("breaker probing after cool-down", "name", b.cfg.Name)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.ProbeBudget {
			return false, false
		}
		b.probes++
		return true, true
	default:
		return false, true
	}
}

// settle records the call outcome.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if probe {
			if b.probes-b.probeFails >= b.cfg.ProbeBudget {
				b.state = StateClosed
				b.failures = 0
				slog.Info("breaker closed after successful probes", "name", b.cfg.Name)
			}
			return
		}
		b.failures = 0
		return
	}

	b.trippedAt = time.Now()
	if probe {
		// One failed probe re-opens immediately.
		b.probeFails++
		b.state = StateOpen
		b.failures = b.cfg.FailureLimit
		slog.Warn("breaker re-opened from probe failure", "name", b.cfg.Name)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.FailureLimit {
		b.state = StateOpen
		slog.Warn("breaker opened", "name", b.cfg.Name, "failures", b.failures)
	}
}

// State reports the breaker's mode. An open breaker whose cool-down has
// elapsed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.trippedAt) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
