package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Keyspace is a typed view over a [Store] with a fixed key prefix and TTL.
// CallSession and ConversationState records live in separate keyspaces with
// independent retention windows even though they share call ids.
//
// Values are stored as JSON. The zero value is not usable; construct with
// [NewKeyspace].
type Keyspace[T any] struct {
	store  Store
	prefix string
	ttl    time.Duration
}

// NewKeyspace creates a typed keyspace. Keys are stored as prefix + ":" + id.
func NewKeyspace[T any](store Store, prefix string, ttl time.Duration) Keyspace[T] {
	return Keyspace[T]{store: store, prefix: prefix, ttl: ttl}
}

// TTL returns the retention window applied on every write.
func (ks Keyspace[T]) TTL() time.Duration {
	return ks.ttl
}

func (ks Keyspace[T]) key(id string) string {
	return ks.prefix + ":" + id
}

// Get returns the value stored under id. Returns [ErrNotFound] when absent or
// expired.
func (ks Keyspace[T]) Get(ctx context.Context, id string) (T, error) {
	var v T
	raw, err := ks.store.Get(ctx, ks.key(id))
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("session: decode %q: %w", ks.key(id), err)
	}
	return v, nil
}

// Put stores v under id, restarting the TTL clock.
func (ks Keyspace[T]) Put(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", ks.key(id), err)
	}
	return ks.store.Put(ctx, ks.key(id), raw, ks.ttl)
}

// Delete removes id from the keyspace.
func (ks Keyspace[T]) Delete(ctx context.Context, id string) error {
	return ks.store.Delete(ctx, ks.key(id))
}

// Update atomically applies mutate to the value under id. mutate receives the
// zero value and exists=false when the key is absent or expired. The returned
// value is what was stored.
//
// Errors returned by mutate abort the update and pass through unchanged.
func (ks Keyspace[T]) Update(ctx context.Context, id string, mutate func(v T, exists bool) (T, error)) (T, error) {
	var result T
	_, err := ks.store.Update(ctx, ks.key(id), ks.ttl, func(current []byte) ([]byte, error) {
		var v T
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("session: decode %q: %w", ks.key(id), err)
			}
		}
		next, err := mutate(v, exists)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("session: encode %q: %w", ks.key(id), err)
		}
		result = next
		return raw, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
