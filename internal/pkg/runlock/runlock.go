package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Lock 是基于 Redis SETNX 的批量抓取运行锁。
//
// 一把锁对应一个 key：持有期间其他批量抓取会被拒绝，
// TTL 兜底防止进程崩溃后锁永久残留。
type Lock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// New 创建运行锁。
func New(rdb *redis.Client, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Lock{
		rdb: rdb,
		key: key,
		ttl: ttl,
	}
}

// TryAcquire 尝试获取锁；已被持有时返回 false。
//
// nil 接收者直接放行（未配置 Redis 的降级路径）。
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, l.key, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("runlock setnx: %w", err)
	}
	return ok, nil
}

// Release 释放锁。
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.rdb == nil {
		return nil
	}
	if err := l.rdb.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("runlock del: %w", err)
	}
	return nil
}
