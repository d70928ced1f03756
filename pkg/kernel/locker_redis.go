package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisUnlockScript releases the lock only when the caller still owns it.
// KEYS[1] = lock key
// ARGV[1] = owner token
var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker across processes with SET NX PX leases.
// Lease expiry keeps a crashed holder from wedging the session forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a distributed locker backed by Redis.
func NewRedisLocker(addr, password string, db int) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLocker{
		client: rdb,
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
	}
}

// Lock acquires the session lease, polling until it succeeds or the
// context is done.
func (l *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := fmt.Sprintf("keel:session_lock:%s", sessionID)
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock error: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisUnlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			// The lease will expire on its own; nothing more to do here.
			_ = err
		}
	}, nil
}
