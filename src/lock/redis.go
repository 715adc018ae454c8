package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// compare-and-delete: only the holder's token clears the key
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend stores lock entries as Redis keys that expire after maxHold,
// so a crashed holder's entry disappears on its own.
type RedisBackend struct {
	client  *redis.Client
	maxHold time.Duration
}

// NewRedisBackend creates a Redis-backed lock backend
func NewRedisBackend(client *redis.Client, maxHold time.Duration) *RedisBackend {
	if maxHold <= 0 {
		maxHold = DefaultOptions().MaxHold
	}
	return &RedisBackend{client: client, maxHold: maxHold}
}

// key generates a Redis key for the given lock name
func (r *RedisBackend) key(name string) string {
	return lockPrefix + name
}

func (r *RedisBackend) TryLock(ctx context.Context, name string, token Token) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(name), string(token), r.maxHold).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set lock key: %w", err)
	}
	return ok, nil
}

func (r *RedisBackend) Unlock(ctx context.Context, name string, token Token) error {
	n, err := unlockScript.Run(ctx, r.client, []string{r.key(name)}, string(token)).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock key: %w", err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}
