package inbound

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper is the fast path in front of the webhook_deliveries table.
type Deduper interface {
	// Claim returns false when key was already claimed within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release drops a claim so a vendor retry is processed again.
	Release(ctx context.Context, key string) error
}

type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, key).Err()
}

func dedupeKey(platform, deliveryID string) string {
	return "wh:" + platform + ":" + deliveryID
}
