package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const attemptKeyPrefix = "reconcile:orphan-attempts:"

// AttemptCounter tracks failures per key with a sliding expiry, so a key that
// keeps failing is skipped until its counter expires.
type AttemptCounter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAttemptCounter creates a counter whose entries expire ttl after the last failure.
func NewAttemptCounter(client *redis.Client, ttl time.Duration) *AttemptCounter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AttemptCounter{client: client, ttl: ttl}
}

// Failures returns the current failure count for key.
func (a *AttemptCounter) Failures(ctx context.Context, key string) (int, error) {
	n, err := a.client.Get(ctx, attemptKeyPrefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get attempts: %w", err)
	}
	return n, nil
}

// RecordFailure increments the counter for key and returns the new count.
func (a *AttemptCounter) RecordFailure(ctx context.Context, key string) (int, error) {
	pipe := a.client.TxPipeline()
	incr := pipe.Incr(ctx, attemptKeyPrefix+key)
	pipe.Expire(ctx, attemptKeyPrefix+key, a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr attempts: %w", err)
	}
	return int(incr.Val()), nil
}

// Clear forgets key.
func (a *AttemptCounter) Clear(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, attemptKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("del attempts: %w", err)
	}
	return nil
}
