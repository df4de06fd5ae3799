package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"pricewatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 表示在拿到令牌前上下文已取消。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// 令牌桶脚本：原子地补充并尝试消费一个令牌。
// 返回 {是否允许, 需等待毫秒数}。
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

if rate <= 0 or burst <= 0 then
  return {1, 0}
end

local state = redis.call("HMGET", key, "tokens", "updated_ms")
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then tokens = burst end
if updated == nil then updated = now_ms end

local elapsed = math.max(0, now_ms - updated)
tokens = math.min(burst, tokens + (elapsed * rate) / 1000.0)

local allowed = tokens >= 1
local wait_ms = 0
if allowed then
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "updated_ms", now_ms)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 2000.0))

return {allowed and 1 or 0, wait_ms}
`

// RateLimiter 基于 Redis 的全局令牌桶限流器。
//
// 多个进程共享同一个 key 时限流是全局的；抓取端用它控制
// 对目标站点的请求节奏。
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter 创建限流器。
//
// 参数:
//
//	rdb: Redis 客户端
//	logger: 日志记录器（可为 nil）
//	key: 令牌桶使用的 Redis key
//	rate: 每秒补充的令牌数
//	burst: 桶容量
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate, burst float64) *RateLimiter {
	if key == "" {
		key = "pricewatch:ratelimit:default"
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Acquire 阻塞直到拿到一个令牌或 ctx 取消。
//
// nil 接收者或未配置速率时直接放行。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			if metrics.RateLimitWaitDuration != nil {
				metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			}
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			if metrics.RateLimitTimeoutTotal != nil {
				metrics.RateLimitTimeoutTotal.Inc()
			}
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit unexpected script result %T", res)
	}
	return asInt64(values[0]) == 1, asInt64(values[1]), nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
