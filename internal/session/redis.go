package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that RedisStore satisfies the Store interface.
var _ Store = (*RedisStore)(nil)

// defaultUpdateAttempts is how many times Update retries an optimistic
// transaction that lost the WATCH race before returning [ErrConflict].
const defaultUpdateAttempts = 4

// RedisStore is a Redis-backed implementation of [Store]. Per-key update
// atomicity comes from optimistic WATCH/MULTI transactions: a losing writer
// retries with fresh state, so no increment or field write is ever lost.
type RedisStore struct {
	client         *redis.Client
	updateAttempts int
}

// RedisOption is a functional option for [NewRedisStore].
type RedisOption func(*RedisStore)

// WithUpdateAttempts sets the optimistic transaction retry budget.
func WithUpdateAttempts(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.updateAttempts = n
		}
	}
}

// NewRedisStore creates a [RedisStore] from a Redis connection URL
// (e.g., "redis://localhost:6379/0") and verifies connectivity with a ping.
func NewRedisStore(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}

	s := &RedisStore{
		client:         redis.NewClient(ropts),
		updateAttempts: defaultUpdateAttempts,
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return s, nil
}

// Client exposes the underlying connection for sibling utilities
// ([RateLimiter], [EventPublisher]) that share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping probes connectivity. Used by the readiness endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get implements [Store.Get]. Redis expires keys itself, so an expired key
// simply reads as absent; the TTL is never touched on read.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	return raw, nil
}

// Put implements [Store.Put].
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Delete implements [Store.Delete].
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Update implements [Store.Update] using WATCH-based optimistic concurrency.
// A transaction that loses the race is retried with freshly read state up to
// the configured attempt budget, after which [ErrConflict] is returned.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, mutate func(current []byte) ([]byte, error)) ([]byte, error) {
	var (
		stored  []byte
		mutErr  error
		lastErr error
	)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := mutate(current)
		if err != nil {
			// Remember the caller's error so it passes through unwrapped.
			mutErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		if err == nil {
			stored = next
		}
		return err
	}

	for attempt := 0; attempt < s.updateAttempts; attempt++ {
		mutErr = nil
		err := s.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return stored, nil
		case mutErr != nil:
			return nil, mutErr
		case errors.Is(err, redis.TxFailedErr):
			lastErr = err
			continue // lost the WATCH race; retry with fresh state
		default:
			return nil, fmt.Errorf("%w: update %q: %v", ErrUnavailable, key, err)
		}
	}
	return nil, fmt.Errorf("%w: update %q after %d attempts: %v", ErrConflict, key, s.updateAttempts, lastErr)
}
