// Package history records per-test wall-clock durations and serves them
// back as the duration map the LPT scheduler consumes, so LPT scheduling
// can improve across runs rather than only within one.
package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes and TTL for duration records, mirroring the event store's
// key-namespacing convention.
const (
	durationKeyPrefix  = "offload:duration:"
	defaultDurationTTL = 30 * 24 * time.Hour
)

// Store records and retrieves per-test duration history.
type Store interface {
	RecordDuration(ctx context.Context, testID string, d time.Duration) error
	DurationMap(ctx context.Context, testIDs []string) (map[string]float64, error)
}

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. ttl <= 0 uses the default.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultDurationTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// RecordDuration stores the most recent observed duration (in seconds)
// for testID.
func (s *RedisStore) RecordDuration(ctx context.Context, testID string, d time.Duration) error {
	key := durationKeyPrefix + testID
	secs := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if err := s.client.Set(ctx, key, secs, s.ttl).Err(); err != nil {
		return fmt.Errorf("set duration: %w", err)
	}
	return nil
}

// DurationMap returns a map of test identifier to its last observed
// duration in seconds, for the identifiers that have a recorded history.
// Identifiers with no history are simply absent from the result, letting
// the scheduler fall through to its suffix-match or default behavior.
func (s *RedisStore) DurationMap(ctx context.Context, testIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(testIDs))
	if len(testIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(testIDs))
	for i, id := range testIDs {
		keys[i] = durationKeyPrefix + id
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget durations: %w", err)
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		secs, parseErr := strconv.ParseFloat(str, 64)
		if parseErr != nil {
			continue
		}
		out[testIDs[i]] = secs
	}
	return out, nil
}
