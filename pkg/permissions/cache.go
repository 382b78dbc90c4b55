package permissions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDecisionCache is a shared decision cache backed by Redis. Each
// resource maps to one hash keyed by username, so a permission write can
// invalidate every cached decision for that resource with a single DEL.
type RedisDecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDecisionCache creates a decision cache with the given TTL.
func NewRedisDecisionCache(client *redis.Client, ttl time.Duration) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, ttl: ttl}
}

func decisionKey(resourceType ResourceType, resourceKey string) string {
	return fmt.Sprintf("trackgate:decision:%s:%s", resourceType, resourceKey)
}

// Get returns a cached result if present. Cache errors are treated as
// misses; the resolver recomputes from the store.
func (c *RedisDecisionCache) Get(ctx context.Context, resourceType ResourceType, resourceKey, username string) (Result, bool) {
	val, err := c.client.HGet(ctx, decisionKey(resourceType, resourceKey), username).Result()
	if err != nil {
		return Result{}, false
	}
	parts := strings.SplitN(val, "|", 2)
	if len(parts) != 2 {
		return Result{}, false
	}
	level, err := ParseLevel(parts[0])
	if err != nil {
		return Result{}, false
	}
	return Result{Level: level, Source: Source(parts[1])}, true
}

// Set stores a resolved result. Failures are silent; the cache is an
// optimization, not a source of truth.
func (c *RedisDecisionCache) Set(ctx context.Context, resourceType ResourceType, resourceKey, username string, result Result) {
	key := decisionKey(resourceType, resourceKey)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, username, result.Level.String()+"|"+string(result.Source))
	pipe.Expire(ctx, key, c.ttl)
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops every cached decision for a resource.
func (c *RedisDecisionCache) Invalidate(ctx context.Context, resourceType ResourceType, resourceKey string) error {
	return c.client.Del(ctx, decisionKey(resourceType, resourceKey)).Err()
}

// InvalidateAll drops every cached decision. Regex rules and group
// memberships span resources, so writes to them cannot name the affected
// keys; the whole namespace goes.
func (c *RedisDecisionCache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "trackgate:decision:*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
