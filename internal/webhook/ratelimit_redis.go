package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow bumps the counter and arms its expiry in one round trip. A key
// found without a TTL is re-armed so a counter can never outlive its window.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares counts across instances with a fixed window per key.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "rate:webhook:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := incrWindow.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("rate limit incr: %w", err)
	}
	return int(n) <= l.limit, nil
}
