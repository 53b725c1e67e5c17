// Package replay provides a shared once-only cache used for SAML assertion
// IDs and one-time-code replay protection. All workers must observe the same
// cache, so production deployments use the Redis implementation.
package replay

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	dErrors "aegis/pkg/domain-errors"
)

// Cache records keys the first time they are seen.
type Cache interface {
	// MarkIfNew returns true when key has not been seen within ttl, recording
	// it atomically. A false return means the key was already used.
	MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type memoryEntry struct {
	expiresAt time.Time
}

// MemoryCache is a process-local Cache for tests and single-node setups.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) MarkIfNew(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[key]; ok && entry.expiresAt.After(now) {
		return false, nil
	}
	// Opportunistic sweep keeps the map bounded without a background worker.
	for k, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

// RedisCache is the shared-store Cache for multi-worker deployments.
type RedisCache struct {
	client goredis.Cmdable
	prefix string
}

func NewRedisCache(client goredis.Cmdable, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "replay cache unavailable")
	}
	return ok, nil
}
