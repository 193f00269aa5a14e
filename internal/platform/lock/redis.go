package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"rxledger/pkg/platform/sentinel"
)

// Redis is a Locker backed by redislock.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	backoff time.Duration
}

type RedisOption func(*Redis)

// WithRetry makes Obtain retry up to n times with a linear backoff before giving up.
func WithRetry(n int, backoff time.Duration) RedisOption {
	return func(r *Redis) {
		r.retries = n
		r.backoff = backoff
	}
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  redislock.New(client),
		ttl:     ttl,
		retries: 20,
		backoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Obtain(ctx context.Context, key string) (Lock, error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
	}
	l, err := r.client.Obtain(ctx, key, r.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, sentinel.ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return redisLock{l}, nil
}

type redisLock struct {
	*redislock.Lock
}

func (l redisLock) Release(ctx context.Context) error {
	err := l.Lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// expired under us; nothing left to release
		return nil
	}
	return err
}
