package trigger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const guardKeyPrefix = "trigger:dispatched:"

// RedisGuard claims each (event, user) pair once per TTL with SETNX.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// Claim returns false when the pair was already claimed.
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, guardKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release drops a claim so a failed dispatch can be retried in the same window.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, guardKeyPrefix+key).Err()
}
