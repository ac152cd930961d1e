package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend in a [Chain] failed or was
// skipped because its breaker is open.
var ErrExhausted = errors.New("resilience: all backends exhausted")

type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds backends of one capability type in preference order, each
// guarded by its own [Breaker]. Calls go to the first backend whose
// breaker admits them; on failure the next backend is tried.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     BreakerConfig
}

// NewChain creates a [Chain] whose per-backend breakers start from cfg
// (the Name field is overridden per backend).
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. The first Add registers the primary.
func (c *Chain[T]) Add(name string, backend T) *Chain[T] {
	bcfg := c.cfg
	bcfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   backend,
		breaker: NewBreaker(bcfg),
	})
	return c
}

// Len returns the number of registered backends.
func (c *Chain[T]) Len() int {
	return len(c.entries)
}

// Run is the result-free form of [RunResult].
func (c *Chain[T]) Run(fn func(T) error) error {
	_, err := RunResult(c, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// RunResult tries fn against each backend in order until one succeeds.
// It is a package-level function because Go methods cannot introduce
// type parameters.
func RunResult[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	if len(c.entries) == 0 {
		return zero, fmt.Errorf("%w: no backends registered", ErrExhausted)
	}
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
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
