package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"niyya/api/internal/common"
	"niyya/api/internal/util"
)

// KEYS[1] window key; ARGV: now ms, window ms, limit, member.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

// RedisLimiter is a sliding window stored in one sorted set per key, so
// every API process shares the same counts.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) key(k string) string {
	return l.prefix + k
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, util.NewID())
	n, err := slidingWindowScript.Run(ctx, l.client, []string{l.key(key)},
		now, l.window.Milliseconds(), l.limit, member).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w: %v", key, common.ErrBackendUnavailable, err)
	}
	return n == 1, nil
}
