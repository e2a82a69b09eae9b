package redis

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/licensing"
)

const validationOpTimeout = 500 * time.Millisecond

// ValidationCache implements licensing.Cache on Redis so validation answers are shared
// across instances. Redis errors degrade to cache misses.
type ValidationCache struct {
	client redis.UniversalClient
	prefix string
	hits   atomic.Int64
	misses atomic.Int64
}

var _ licensing.Cache = (*ValidationCache)(nil)

// NewValidationCache creates a cache under prefix (default: "goentitle:")
func NewValidationCache(client redis.UniversalClient, prefix string) *ValidationCache {
	if prefix == "" {
		prefix = "goentitle:"
	}
	return &ValidationCache{client: client, prefix: prefix + "validation:"}
}

func (c *ValidationCache) Get(key string) (*entitlement.Validation, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), validationOpTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	var v entitlement.Validation
	if err := json.Unmarshal(data, &v); err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &v, true
}

func (c *ValidationCache) Set(key string, v *entitlement.Validation, ttl time.Duration) {
	if v == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), validationOpTimeout)
	defer cancel()
	_ = c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

func (c *ValidationCache) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), validationOpTimeout)
	defer cancel()
	_ = c.client.Del(ctx, c.prefix+key).Err()
}

func (c *ValidationCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.client.Del(ctx, iter.Val()).Err()
	}
}

// Stats reports this process's hits and misses; Size counts keys under the prefix.
func (c *ValidationCache) Stats() licensing.CacheStats {
	stats := licensing.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), validationOpTimeout)
	defer cancel()
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stats.Size++
	}
	if iter.Err() != nil {
		stats.Size = 0
	}
	return stats
}
