// README: Redis-backed idempotency and rate-limit keys for session creation.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ampstop/internal/types"
)

const (
	idemKeyPrefix = "session:idem:%s"
	rateKeyPrefix = "session:rl:create:%s"
)

// Cache holds the shared TTL-bearing keys that must survive process restarts
// and be visible to every instance: idempotency-key fast paths and per-driver
// creation rate limits. The Postgres constraints remain the source of truth;
// losing a cache entry costs a round trip, never correctness.
type Cache struct {
	redis *redis.Client
}

func NewCache(r *redis.Client) *Cache {
	return &Cache{redis: r}
}

// LookupIdempotency returns the session id previously stored for the key.
func (c *Cache) LookupIdempotency(ctx context.Context, key string) (types.ID, bool) {
	if c == nil || c.redis == nil {
		return "", false
	}
	v, err := c.redis.Get(ctx, fmt.Sprintf(idemKeyPrefix, key)).Result()
	if err != nil {
		return "", false
	}
	return types.ID(v), true
}

// StoreIdempotency records key → session id for the lifetime of the session.
func (c *Cache) StoreIdempotency(ctx context.Context, key string, id types.ID, ttl time.Duration) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.Set(ctx, fmt.Sprintf(idemKeyPrefix, key), string(id), ttl).Err()
}

// AllowCreate counts a creation attempt against the driver's rate window and
// reports whether it is allowed. Redis being unavailable fails open: the
// uniqueness constraint still prevents duplicate active sessions.
func (c *Cache) AllowCreate(ctx context.Context, driverID types.ID, limit int, window time.Duration) bool {
	if c == nil || c.redis == nil || limit <= 0 {
		return true
	}
	key := fmt.Sprintf(rateKeyPrefix, string(driverID))
	n, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		_ = c.redis.Expire(ctx, key, window).Err()
	}
	return n <= int64(limit)
}
