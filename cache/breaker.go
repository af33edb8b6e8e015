// Package cache implements the Redis-backed circuit breaker placed in front
// of each LLM connection, plus a mirror of active dispatch tasks used by the
// Monitoring Surface.
//
// Grounded on the teacher's queue/redis/queue.go, which tracks in-flight
// work as a Redis sorted set (ZAdd/ZRem/ZScore) keyed by deadline; the
// breaker reuses that sliding-window sorted-set shape to track recent
// failure timestamps per connection instead.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is a circuit breaker's current disposition.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	failureWindow    = 60 * time.Second
	failureThreshold = 5
	openDuration     = 60 * time.Second
)

// Breaker is a per-connection circuit breaker backed by Redis sorted sets.
type Breaker struct {
	client *redis.Client
	prefix string
}

// NewBreaker wraps an existing Redis client. prefix namespaces keys, mirroring
// the teacher's queue key-prefix convention.
func NewBreaker(client *redis.Client, prefix string) *Breaker {
	if prefix == "" {
		prefix = "breaker:"
	}
	return &Breaker{client: client, prefix: prefix}
}

func (b *Breaker) failuresKey(connectionID uint) string {
	return fmt.Sprintf("%sfailures:%d", b.prefix, connectionID)
}

func (b *Breaker) openedKey(connectionID uint) string {
	return fmt.Sprintf("%sopened:%d", b.prefix, connectionID)
}

// RecordFailure appends a failure timestamp to the connection's sliding
// window and opens the breaker once the window holds >= failureThreshold
// entries.
func (b *Breaker) RecordFailure(ctx context.Context, connectionID uint) error {
	now := time.Now()
	key := b.failuresKey(connectionID)

	if err := b.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()}).Err(); err != nil {
		return fmt.Errorf("cache: record failure: %w", err)
	}
	cutoff := float64(now.Add(-failureWindow).UnixNano())
	if err := b.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff)).Err(); err != nil {
		return fmt.Errorf("cache: trim failure window: %w", err)
	}
	b.client.Expire(ctx, key, failureWindow)

	count, err := b.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cache: count failures: %w", err)
	}
	if count >= failureThreshold {
		if err := b.client.Set(ctx, b.openedKey(connectionID), now.Unix(), openDuration).Err(); err != nil {
			return fmt.Errorf("cache: open breaker: %w", err)
		}
	}
	return nil
}

// RecordSuccess clears a connection's failure window, used after a
// half-open probe succeeds or any normal completion.
func (b *Breaker) RecordSuccess(ctx context.Context, connectionID uint) error {
	if err := b.client.Del(ctx, b.failuresKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("cache: clear failures: %w", err)
	}
	if err := b.client.Del(ctx, b.openedKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("cache: clear open marker: %w", err)
	}
	return nil
}

// Allow reports the breaker's current state and whether a dispatch is
// allowed through. A half-open breaker allows exactly the probe the caller
// is about to make; it is the caller's responsibility to call RecordSuccess
// or RecordFailure with the probe's outcome.
func (b *Breaker) Allow(ctx context.Context, connectionID uint) (State, bool, error) {
	openedAt, err := b.client.Get(ctx, b.openedKey(connectionID)).Int64()
	if err == redis.Nil {
		return StateClosed, true, nil
	}
	if err != nil {
		return StateClosed, false, fmt.Errorf("cache: read open marker: %w", err)
	}

	if time.Since(time.Unix(openedAt, 0)) >= openDuration {
		return StateHalfOpen, true, nil
	}
	return StateOpen, false, nil
}
