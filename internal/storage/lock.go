package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a per-key mutual exclusion lock shared by every service
// instance using the same Redis. A lock expires after ttl if its holder dies.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(rc *RedisClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: rc.client, ttl: ttl, retry: 50 * time.Millisecond}
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:document:%s", key)
}

// Lock blocks until the lock for key is held or ctx is done.
func (rl *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ctx, span := tracer.Start(ctx, "redis.lock",
		trace.WithAttributes(attribute.String("lock_key", key)),
	)
	defer span.End()

	token := uuid.New().String()
	ticker := time.NewTicker(rl.retry)
	defer ticker.Stop()

	for attempts := 1; ; attempts++ {
		ok, err := rl.client.SetNX(ctx, lockKey(key), token, rl.ttl).Result()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			span.SetAttributes(attribute.Int("attempts", attempts))
			return func() { rl.unlock(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (rl *RedisLocker) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, rl.client, []string{lockKey(key)}, token).Err(); err != nil {
		logrus.WithField("lock_key", key).WithError(err).Error("Failed to release lock; it will expire on its own")
	}
}
