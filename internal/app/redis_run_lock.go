package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds our token.
var releaseRunLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Pushes the expiry back only while the key still holds our token.
var extendRunLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// runLease is the storage side of a RedisRunLock.
type runLease interface {
	acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

type redisLease struct {
	client redis.UniversalClient
}

func (l redisLease) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, token, ttl).Result()
}

func (l redisLease) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendRunLockScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (l redisLease) release(ctx context.Context, key, token string) error {
	if err := releaseRunLockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// RedisRunLock is a lease shared by every instance. While held, the lease is
// renewed every third of its TTL; the TTL only bounds how long a crashed
// holder blocks the next run.
type RedisRunLock struct {
	lease      runLease
	key        string
	ttl        time.Duration
	renewEvery time.Duration
	logger     *slog.Logger
}

func NewRedisRunLock(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *RedisRunLock {
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		trimmedKey = "payments:emission:run"
	}
	if ttl < time.Second {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	var lease runLease
	if client != nil {
		lease = redisLease{client: client}
	}
	return &RedisRunLock{lease: lease, key: trimmedKey, ttl: ttl, renewEvery: ttl / 3, logger: logger}
}

func (r *RedisRunLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	if r == nil || r.lease == nil {
		return nil, false, errors.New("redis run lock has no client")
	}

	token := uuid.NewString()
	acquired, err := r.lease.acquire(ctx, r.key, token, r.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to take redis run lock %q: %w", r.key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	renewCtx, stopRenewing := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.keepAlive(renewCtx, token)
	}()

	unlock := func(ctx context.Context) error {
		stopRenewing()
		<-renewed
		if err := r.lease.release(ctx, r.key, token); err != nil {
			return fmt.Errorf("failed to release redis run lock %q: %w", r.key, err)
		}
		return nil
	}
	return unlock, true, nil
}

// keepAlive extends the lease until ctx is done or the lease is lost.
func (r *RedisRunLock) keepAlive(ctx context.Context, token string) {
	ticker := time.NewTicker(r.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, r.renewEvery)
			ok, err := r.lease.extend(extendCtx, r.key, token, r.ttl)
			cancel()
			switch {
			case err != nil && ctx.Err() == nil:
				r.logger.Warn("failed to renew redis run lock", "key", r.key, "error", err)
			case err == nil && !ok:
				r.logger.Error("redis run lock lost before the run finished", "key", r.key)
				return
			}
		}
	}
}
