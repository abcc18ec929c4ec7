package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLockerOptions configure the redis lock.
type RedisLockerOptions struct {
	Prefix string
	// TTL bounds how long a crashed holder can keep a deal locked. It must
	// exceed the longest reconciliation (read timeout plus write).
	TTL time.Duration
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	rdb    redis.UniversalClient
	opts   RedisLockerOptions
	logger zerolog.Logger
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(rdb redis.UniversalClient, opts RedisLockerOptions, logger zerolog.Logger) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "otc:reconcile:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	return &RedisLocker{rdb: rdb, opts: opts, logger: logger.With().Str("component", "redis_lock").Logger()}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// TryLock takes key if no other holder has it.
func (r *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := r.opts.Prefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, redisKey, token, r.opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", redisKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctxUnlock, r.rdb, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", redisKey).Msg("redis lock release failed; ttl will expire it")
		}
	}
	return unlock, true, nil
}

var _ Locker = (*RedisLocker)(nil)
