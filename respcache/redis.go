package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys are prefixed with "reelpipe:respcache:" to avoid collisions.
const redisKeyPrefix = "reelpipe:respcache:"

// RedisStore is a Redis-backed response cache for sharing idempotent
// provider responses across processes. The caller owns the client
// lifecycle.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed response cache store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// GetResponse returns the cached response for key, or ok=false on miss.
func (r *RedisStore) GetResponse(ctx context.Context, key string) (map[string]any, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("respcache/redis: get: %w", err)
	}

	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("respcache/redis: decode: %w", err)
	}
	return value, true, nil
}

// SetResponse stores a response under key with the given TTL.
func (r *RedisStore) SetResponse(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("respcache/redis: encode: %w", err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("respcache/redis: set: %w", err)
	}
	return nil
}
