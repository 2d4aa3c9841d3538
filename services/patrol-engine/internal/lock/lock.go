// Package lock provides a redis-backed lease so that periodic work runs on
// one instance at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/shared/utils"
)

const keyPrefix = "patrol-engine:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out leases stored as plain redis keys with a TTL.
type RedisLocker struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger.Named("lock")}
}

// TryAcquire takes the lease for name if nobody holds it. It never blocks
// waiting for the current holder. The returned release function is safe to
// call after the lease expired.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := keyPrefix + name
	token := utils.GenerateID()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		l.logger.Debug("Lock held elsewhere", zap.String("lock", name))
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		if n == 0 {
			l.logger.Warn("Lock expired before release", zap.String("lock", name), zap.Duration("ttl", ttl))
		}
		return nil
	}
	return release, true, nil
}

// NewRedisClient builds the client shared by the locker and the live feed.
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}
