package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActiveTasks mirrors in-flight dispatch tasks in a Redis sorted set keyed
// by deadline, exactly as the teacher's queue/redis/queue.go MarkProcessing/
// CompleteJob/IsProcessing trio does. The Work store's responses table
// remains authoritative; this mirror exists so the Monitoring Surface can
// report an active-task count without a Postgres round trip on every scrape.
type ActiveTasks struct {
	client *redis.Client
	key    string
}

// NewActiveTasks wraps an existing Redis client.
func NewActiveTasks(client *redis.Client, prefix string) *ActiveTasks {
	if prefix == "" {
		prefix = "breaker:"
	}
	return &ActiveTasks{client: client, key: prefix + "active_tasks"}
}

// Mark records a task as dispatched with the given timeout deadline.
func (a *ActiveTasks) Mark(ctx context.Context, taskID string, deadline time.Time) error {
	return a.client.ZAdd(ctx, a.key, redis.Z{Score: float64(deadline.Unix()), Member: taskID}).Err()
}

// Clear removes a task from the active set once it reaches a terminal status.
func (a *ActiveTasks) Clear(ctx context.Context, taskID string) error {
	return a.client.ZRem(ctx, a.key, taskID).Err()
}

// Count returns the number of currently-marked active tasks.
func (a *ActiveTasks) Count(ctx context.Context) (int64, error) {
	n, err := a.client.ZCard(ctx, a.key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: count active tasks: %w", err)
	}
	return n, nil
}

// Overdue returns task ids whose deadline has already passed, a cheap
// pre-filter the stuck-task reaper can use before it pays for the
// authoritative Postgres sweep.
func (a *ActiveTasks) Overdue(ctx context.Context, asOf time.Time) ([]string, error) {
	return a.client.ZRangeByScore(ctx, a.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", asOf.Unix()),
	}).Result()
}
