package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises work on one key across processes. acquired is false when
// somebody else holds the key; release is only valid when acquired is true.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// only the holder's token may delete the key
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	fullKey := l.prefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// the caller's context may already be done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(rctx, l.client, []string{fullKey}, token).Err()
	}
	return release, true, nil
}
