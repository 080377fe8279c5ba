package trunks

import (
	"context"
	"time"

	"broadcast-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const defaultSlotTTL = 10 * time.Minute

// RedisLimiter caps concurrent calls per trunk across every process sharing
// the same Redis. Slot keys expire after TTL so a crashed process cannot
// leak channels forever.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLimiter(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "trunk:slots:"
	}
	if ttl <= 0 {
		ttl = defaultSlotTTL
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, trunkID string, limit int) (bool, error) {
	return utils.AcquireSlot(ctx, l.rdb, l.prefix+trunkID, limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, trunkID string) error {
	return utils.ReleaseSlot(ctx, l.rdb, l.prefix+trunkID)
}

// InUse returns the number of slots currently held for trunkID.
func (l *RedisLimiter) InUse(ctx context.Context, trunkID string) (int, error) {
	return utils.SlotsInUse(ctx, l.rdb, l.prefix+trunkID)
}
