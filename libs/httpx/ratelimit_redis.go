package httpx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter whose counters live in Redis, so every
// appointment-service replica shares one budget per client.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

// Returns {count, pttl}. The expiry is set only by the first hit in a window.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

func NewRedisLimiter(rdb redis.UniversalClient, limit int, window time.Duration, prefix string) *RedisLimiter {
	limit, window = normalizeBudget(limit, window)
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

func (rl *RedisLimiter) Take(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindow.Run(ctx, rl.rdb, []string{rl.prefix + ":" + key}, rl.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}
	count, pttl := res[0], res[1]
	reset := rl.window
	if pttl > 0 {
		reset = time.Duration(pttl) * time.Millisecond
	}
	d := Decision{Limit: rl.limit, Reset: reset}
	if count <= int64(rl.limit) {
		d.Allowed = true
		d.Remaining = rl.limit - int(count)
	}
	return d, nil
}

// Ping is the readiness check for the backing Redis.
func (rl *RedisLimiter) Ping(ctx context.Context) error {
	return rl.rdb.Ping(ctx).Err()
}
