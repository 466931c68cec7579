package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsFailed is returned when every chain entry failed or sat
// behind an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds ordered backends of one type, each guarded by its own breaker.
// Entries are tried in registration order; an entry with an open breaker is
// skipped without a call.
//
// Register every entry before first use; Add is not safe concurrently with
// Try.
type Chain[T any] struct {
	entries    []chainEntry[T]
	breakerCfg BreakerConfig
}

// NewChain builds an empty Chain whose entries share the breaker tuning cfg.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{breakerCfg: cfg}
}

// Add appends a named backend to the chain.
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.breakerCfg
	cfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Len reports the number of registered entries.
func (c *Chain[T]) Len() int { return len(c.entries) }

// First returns the preferred entry's value. The second return is false for
// an empty chain.
func (c *Chain[T]) First() (T, bool) {
	if len(c.entries) == 0 {
		var zero T
		return zero, false
	}
	return c.entries[0].value, true
}

// Try runs fn against each entry in order until one succeeds. A
// package-level function because Go has no method-level type parameters.
func Try[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping backend, breaker open", "backend", entry.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
