package lock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker shares destination locks between hosts through Redis. Each lock
// carries a TTL so a crashed holder's lock expires on its own; Extend keeps a
// long export alive.
type RedisLocker struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    ectologger.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration, logger ectologger.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "thistle:lock:"
	}
	return &RedisLocker{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Guard, error) {
	ctx, span := tracing.StartSpan(ctx, "lock.RedisLocker.Acquire")
	defer span.End()

	lockKey := l.keyPrefix + key
	owner := newOwner(uuid.New().String(), time.Now())
	value, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(timeout)
	backoff := initialBackoff
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, value, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to acquire lock %s", lockKey)
		}
		if ok {
			metrics.LockWaitDuration.WithLabelValues("redis", "acquired").Observe(time.Since(start).Seconds())
			l.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
			return &redisGuard{rdb: l.rdb, key: lockKey, token: string(value), logger: l.logger}, nil
		}

		retry, err := wait(ctx, backoff, deadline)
		if err != nil {
			return nil, err
		}
		if !retry {
			break
		}
		backoff = nextBackoff(backoff)
	}

	metrics.LockWaitDuration.WithLabelValues("redis", "timeout").Observe(time.Since(start).Seconds())
	timeoutErr := &errors.LockTimeoutError{Path: key, Waited: time.Since(start)}
	if held, err := l.rdb.Get(ctx, lockKey).Bytes(); err == nil {
		var holder Owner
		if json.Unmarshal(held, &holder) == nil {
			timeoutErr.Holder = holder.String()
			timeoutErr.HeldSince = holder.AcquiredAt
		}
	}
	return nil, timeoutErr
}

type redisGuard struct {
	rdb    redis.UniversalClient
	key    string
	token  string
	logger ectologger.Logger

	once sync.Once
	err  error
}

func (g *redisGuard) Key() string {
	return g.key
}

// Release deletes the key only if this guard still owns it.
func (g *redisGuard) Release(ctx context.Context) error {
	g.once.Do(func() {
		result, err := releaseScript.Run(ctx, g.rdb, []string{g.key}, g.token).Int64()
		switch {
		case err != nil:
			g.err = err
		case result == 0:
			g.err = ErrLockNotHeld
		default:
			g.logger.WithContext(ctx).Debugf("Released lock: %s", g.key)
		}
	})
	return g.err
}

// Extend resets the lock's TTL.
func (g *redisGuard) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, g.rdb, []string{g.key}, g.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
