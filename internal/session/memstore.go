package session

import (
	"context"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// memEntry holds one key's value together with the mutex that serializes
// updates to it. The entry mutex outlives individual values so that an
// expired-and-recreated key still serializes against in-flight updates.
type memEntry struct {
	mu        sync.Mutex
	value     []byte
	expiresAt time.Time
	present   bool
}

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for single-process deployments and testing.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// MemOption is a functional option for [NewMemStore].
type MemOption func(*MemStore)

// WithClock replaces the time source. Tests use this to control expiry
// without sleeping.
func WithClock(now func() time.Time) MemOption {
	return func(s *MemStore) {
		s.now = now
	}
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// entry returns the entry record for key, creating it if needed.
func (s *MemStore) entry(key string) *memEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &memEntry{}
		s.entries[key] = e
	}
	return e
}

// lockEntry returns the entry for key with its mutex held. Between looking
// the entry up and locking it, Sweep may have removed it from the map; a
// write into such an orphaned record would be lost, so re-check the mapping
// under s.mu and start over on a mismatch.
func (s *MemStore) lockEntry(key string) *memEntry {
	for {
		e := s.entry(key)
		e.mu.Lock()
		s.mu.Lock()
		current := s.entries[key]
		s.mu.Unlock()
		if current == e {
			return e
		}
		e.mu.Unlock()
	}
}

// live reports whether e currently holds an unexpired value.
// Must be called with e.mu held.
func (s *MemStore) live(e *memEntry) bool {
	if !e.present {
		return false
	}
	if s.now().After(e.expiresAt) {
		// Lazy expiry: drop the value but keep the entry record so that
		// concurrent updates keep serializing on the same mutex.
		e.present = false
		e.value = nil
		return false
	}
	return true
}

// Get implements [Store.Get]. It never renews the TTL.
func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := s.lockEntry(key)
	defer e.mu.Unlock()

	if !s.live(e) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Put implements [Store.Put].
func (s *MemStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.lockEntry(key)
	defer e.mu.Unlock()

	e.value = make([]byte, len(value))
	copy(e.value, value)
	e.expiresAt = s.now().Add(ttl)
	e.present = true
	return nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.lockEntry(key)
	defer e.mu.Unlock()

	e.present = false
	e.value = nil
	return nil
}

// Update implements [Store.Update]. The mutate callback runs while holding the
// key's mutex, so concurrent updates to the same key serialize and no write is
// ever lost. Updates to distinct keys proceed in parallel.
func (s *MemStore) Update(ctx context.Context, key string, ttl time.Duration, mutate func(current []byte) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := s.lockEntry(key)
	defer e.mu.Unlock()

	var current []byte
	if s.live(e) {
		current = make([]byte, len(e.value))
		copy(current, e.value)
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	e.value = make([]byte, len(next))
	copy(e.value, next)
	e.expiresAt = s.now().Add(ttl)
	e.present = true
	return next, nil
}

// Sweep removes expired entries eagerly. Call periodically to bound memory on
// long-running processes with many abandoned calls; correctness does not
// depend on it because expiry is also checked lazily on access.
func (s *MemStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for key, e := range s.entries {
		if !e.mu.TryLock() {
			continue // an in-flight update will refresh or expire it
		}
		if !e.present || now.After(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}
