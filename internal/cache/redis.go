package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache shares cache entries between backend instances
type RedisCache struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	logger    zerolog.Logger
}

// NewRedisCache creates a cache whose keys live under namespace
func NewRedisCache(client redis.UniversalClient, namespace string, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger.With().Str("component", "redis_cache").Logger(),
	}
}

func (c *RedisCache) key(k string) string {
	return c.namespace + ":" + k
}

// Get treats every redis error as a miss so lookups fall through to the source
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) {
	if err := c.client.Set(ctx, c.key(key), value, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("cache delete failed")
	}
}

func (c *RedisCache) Flush(ctx context.Context, prefix string) {
	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			c.client.Del(ctx, batch...)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		c.client.Del(ctx, batch...)
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache flush failed")
	}
}
