package netlookup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps resolved lookups in redis so repeated submissions from
// the same network do not hit the lookup service.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache builds a cache with the given entry lifetime.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: "rollcall:geo:", ttl: ttl}
}

// Get returns a cached lookup. Redis errors count as a miss.
func (c *RedisCache) Get(ctx context.Context, addr string) (Info, bool) {
	raw, err := c.client.Get(ctx, c.prefix+addr).Bytes()
	if err != nil {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, false
	}
	return info, true
}

// Set stores a lookup, ignoring redis failures.
func (c *RedisCache) Set(ctx context.Context, addr string, info Info) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+addr, raw, c.ttl).Err()
}
