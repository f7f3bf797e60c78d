// Package lock provides short-lived Redis mutexes. Used to serialize refund
// processing per purchase so two concurrent requests cannot race the
// duplicate-refund check.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Locker acquires per-key mutexes.
type Locker interface {
	// TryLock acquires key for ttl. Returns ok=false when another holder has
	// it. The release func is safe to call more than once.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker implements Locker with SET NX. Each acquisition stores a random
// token so release cannot delete a lock taken over by someone else after
// expiry.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + key
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx2, l.client, []string{fullKey}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", fullKey).Msg("failed to release lock")
		}
	}

	return release, true, nil
}

// NopLocker never blocks. Used when Redis is not configured.
type NopLocker struct{}

func (NopLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
