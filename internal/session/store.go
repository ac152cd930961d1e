// Package session provides keyed, TTL-bounded storage for per-call state.
//
// The central abstraction is [Store], a key-value store whose Update operation
// is atomic per key: concurrent updates to the same call id serialize, updates
// to different call ids run in parallel. This single primitive is what
// guarantees at-most-one-writer-per-call across the webhook handlers — no
// other locking is required by callers.
//
// Two implementations are provided: [MemStore] for single-process deployments
// and tests, and [RedisStore] for multi-process deployments, which also hosts
// the rate limiter and event publisher that share its connection.
//
// Typed access on top of the raw byte store goes through [Keyspace].
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or its TTL has expired.
var ErrNotFound = errors.New("session: key not found")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers must treat it as retryable exactly once with backoff, then surface
// a failure — never fabricate state.
var ErrUnavailable = errors.New("session: store unavailable")

// ErrConflict is returned by Update when the per-key write race could not be
// resolved within the store's retry budget.
var ErrConflict = errors.New("session: concurrent update conflict")

// Store is a key-value store with per-key TTLs and an atomic read-modify-write
// primitive.
//
// TTLs are renewed only by explicit writes (Put or a committed Update), never
// by reads. Expired keys behave exactly like absent keys.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or [ErrNotFound] if the key is
	// absent or expired. Get never extends the key's TTL.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key with the given TTL, replacing any previous
	// value and restarting the expiry clock.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically applies mutate to the current value of key and stores
	// the result with the given TTL. mutate receives nil when the key is absent
	// or expired. Updates to the same key serialize; updates to distinct keys
	// may run in parallel.
	//
	// If mutate returns an error, nothing is written and that error is returned
	// unwrapped. Returns the stored value on success.
	Update(ctx context.Context, key string, ttl time.Duration, mutate func(current []byte) ([]byte, error)) ([]byte, error)
}
