package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache memoizes slot results with a bounded TTL as the staleness
// ceiling. Alongside each entry it records reverse-dependency sets
// (resource/date → cache keys) so the invalidator can evict exactly the
// entries whose computation read a mutated resource.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Result, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("cache entry corrupt: %w", err)
	}
	return &res, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, res *Result, deps []string) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	for _, dep := range deps {
		pipe.SAdd(ctx, dep, key)
		// Dependency sets outlive their entries slightly so eviction
		// never misses a live key.
		pipe.Expire(ctx, dep, c.ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// EvictDependents drops every cache entry whose computation depended on
// the given resource/date, then the dependency set itself. Evicting a key
// twice is harmless, which keeps redelivered events safe.
func (c *RedisCache) EvictDependents(ctx context.Context, depKey string) (int, error) {
	keys, err := c.client.SMembers(ctx, depKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read dependency set %s: %w", depKey, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, depKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("evict dependents of %s: %w", depKey, err)
	}
	return len(keys), nil
}
