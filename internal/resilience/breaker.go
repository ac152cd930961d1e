// Package resilience keeps slow or failing capability backends from taking
// the whole call pipeline down with them. A [Breaker] stops calling a
// backend after repeated failures; a [Chain] tries backends in preference
// order, skipping any whose breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is refusing calls.
var ErrOpen = errors.New("resilience: breaker open")

// Breaker is a three-state circuit breaker. Closed passes every call
// through. After Threshold consecutive failures it opens and rejects calls
// for the Cooldown period, then admits a single probe: a successful probe
// closes the breaker, a failed one re-opens it for another cooldown.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
	probing  bool
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults: Threshold 5,
// Cooldown 30s.
type BreakerConfig struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Do runs fn if the breaker admits the call, otherwise returns [ErrOpen]
// without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, claiming the probe slot when
// transitioning out of cooldown.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return ErrOpen
	}
	if b.probing {
		// Another goroutine already holds the probe slot.
		return ErrOpen
	}
	b.probing = true
	slog.Info("breaker probing", "name", b.name)
	return nil
}

// settle records the call outcome.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if err == nil {
		if wasProbe {
			slog.Info("breaker closed after successful probe", "name", b.name)
		}
		b.open = false
		b.failures = 0
		return
	}

	if wasProbe {
		b.open = true
		b.openedAt = b.now()
		slog.Warn("breaker re-opened after failed probe", "name", b.name)
		return
	}

	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		slog.Warn("breaker opened", "name", b.name, "failures", b.failures)
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < b.cooldown
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.probing = false
	b.failures = 0
	slog.Info("breaker reset", "name", b.name)
}
