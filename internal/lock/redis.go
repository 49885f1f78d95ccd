package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Token-guarded renew/release so a lease that changed hands after expiry can
// never be touched by its former owner.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
return 0
`)
)

// RedisManager is the multi-process lock backend. Expiry is delegated to
// redis key TTLs, so a crashed worker's lease disappears on its own.
type RedisManager struct {
	rdb redis.UniversalClient
}

func NewRedisManager(rdb redis.UniversalClient) *RedisManager {
	return &RedisManager{rdb: rdb}
}

func (r *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

func (r *RedisManager) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (r *RedisManager) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}
