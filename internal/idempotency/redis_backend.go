// Redis-backed Backend: a single TTL-bounded result key per
// idempotency key, no separate lock phase. Concurrent first requests
// that share a key are not serialized: each runs its handler and
// stores its own response.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts a *redis.Client to the Backend interface.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an already-connected client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, "idempotency:"+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
