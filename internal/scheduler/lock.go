package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/erphub/internal/util"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("scheduler: account is locked by another run")

// Locker guards one account against concurrent syncs across replicas.
type Locker interface {
	// Lock returns ErrLocked when key is already held.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := util.New()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		// an expired lock taken over by another run is left alone
		return releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}

func lockKey(accountID string) string { return "sync:lock:" + accountID }
