package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeline/gwbridge/internal/logging"
)

// RedisCache implements Cache on a shared Redis instance so several agent
// replicas pointed at the same gateway reuse one another's representations.
// Failures degrade to cache misses; the cache is an optimization, never a
// source of truth.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger logging.Logger

	// opTimeout bounds each Redis round-trip; cache lookups must never stall
	// a request longer than this.
	opTimeout time.Duration
}

// NewRedisCache wraps an existing Redis client. ttl stamps entries the same
// way MemoryCache does; the Redis key TTL gets a grace period on top so an
// expired entry can still offer its version token for conditional GETs.
func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration, logger logging.Logger) *RedisCache {
	if prefix == "" {
		prefix = "gwbridge:cache"
	}
	return &RedisCache{
		rdb:       rdb,
		prefix:    prefix,
		ttl:       ttl,
		logger:    logging.OrNop(logger).With(logging.Field{Key: "component", Value: "rediscache"}),
		opTimeout: 2 * time.Second,
	}
}

func (c *RedisCache) key(k string) string { return c.prefix + ":" + k }

func (c *RedisCache) Get(key string) (*CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err.Error()})
		}
		return nil, false
	}

	var e CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("corrupt cache entry dropped", logging.Field{Key: "key", Value: key})
		c.Invalidate(key)
		return nil, false
	}
	return &e, true
}

func (c *RedisCache) Put(key string, entry CacheEntry) {
	now := time.Now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = now.Add(c.ttl)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	// Keep the key around past logical expiry so conditional GETs can reuse
	// the version token.
	keyTTL := time.Until(entry.ExpiresAt) + 10*time.Minute
	if err := c.rdb.Set(ctx, c.key(key), raw, keyTTL).Err(); err != nil {
		c.logger.Warn("redis set failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err.Error()})
	}
}

func (c *RedisCache) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.Warn("redis del failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err.Error()})
	}
}

var _ Cache = (*RedisCache)(nil)
