package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds the number of events accepted per key within a rolling
// window, using Redis INCR + EXPIRE. Webhook handlers use it to shed abusive
// or misconfigured carrier retries before any state is touched.
//
// On store errors the limiter fails open: a broken limiter must not take the
// phone line down with it.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit events per window per key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow reports whether another event for key fits in the current window.
// The window is fixed, not sliding: the TTL is set when the counter is
// created and never refreshed, so a steady caller gets a fresh allowance
// every window instead of being locked out indefinitely.
func (l *RateLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := "ratelimit:" + key

	incr := l.client.Incr(ctx, redisKey)
	if incr.Err() != nil {
		return true // fail open
	}
	n := incr.Val()
	if n == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return true
		}
	}
	return n <= int64(l.limit)
}

// EventPublisher broadcasts call lifecycle events on a Redis pub/sub channel
// for external read-only consumers (dashboards, reconciliation jobs). Publish
// failures are reported but must never fail the webhook that triggered them.
type EventPublisher struct {
	client  *redis.Client
	channel string
}

// NewEventPublisher creates a publisher for the named channel.
func NewEventPublisher(client *redis.Client, channel string) *EventPublisher {
	return &EventPublisher{client: client, channel: channel}
}

// Publish sends payload (already serialized) to the channel.
func (p *EventPublisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("session: publish to %q: %w", p.channel, err)
	}
	return nil
}
