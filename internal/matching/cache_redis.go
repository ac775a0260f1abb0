package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyCachePrefix = "match:cache:" // + <key> -> JSON selection

// RedisCache shares selection results between instances.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Selection, bool, error) {
	data, err := c.rdb.Get(ctx, keyCachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("matching: cache get: %w", err)
	}
	var sel Selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, false, fmt.Errorf("matching: cache decode: %w", err)
	}
	return &sel, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, sel *Selection, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	data, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("matching: cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, keyCachePrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("matching: cache set: %w", err)
	}
	return nil
}
