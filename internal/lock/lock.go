// Package lock serializes work on a key across goroutines, or across server
// processes when Redis is configured.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
)

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker obtains exclusive leases on keys.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RedisLocker obtains leases from Redis through redislock. Callers block,
// retrying with backoff, until the lease is obtained or ctx is done.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	retry  time.Duration
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		prefix: prefix,
		retry:  100 * time.Millisecond,
	}
}

// Obtain implements Locker.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.ExponentialBackoff(l.retry, 2*time.Second),
	}
	lk, err := l.client.Obtain(ctx, l.prefix+key, ttl, opts)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, apperrors.Wrap(apperrors.ErrLockNotAcquired, "could not obtain lock for "+key, err)
		}
		return nil, err
	}
	return &redisLease{lock: lk}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// TTL expired before release; nothing left to free.
		return nil
	}
	return err
}

// LocalLocker is an in-process Locker keyed by string. ttl is ignored.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Obtain implements Locker.
func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return &localLease{ch: ch}, nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrLockNotAcquired, "could not obtain lock for "+key, ctx.Err())
	}
}

type localLease struct {
	once sync.Once
	ch   chan struct{}
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}

// ReleaseErrorFunc is told about a lease that could not be released. The
// lease still lapses when its TTL runs out.
type ReleaseErrorFunc func(key string, err error)

// With runs fn while holding key. A failed release does not change fn's
// result; it goes to onRelease when that is set.
func With(ctx context.Context, locker Locker, key string, ttl time.Duration, onRelease ReleaseErrorFunc, fn func() error) error {
	lease, err := locker.Obtain(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && onRelease != nil {
			onRelease(key, err)
		}
	}()
	return fn()
}
