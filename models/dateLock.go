package models

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// DateLocker serialises mutations of one date. Different dates never contend.
type DateLocker interface {
	Lock(ctx context.Context, date Date) (unlock func(), err error)
}

const defaultDateLockTimeout = 10 * time.Second

// LocalDateLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits on them, so the map only grows with contention.
type LocalDateLocker struct {
	Timeout time.Duration

	mu    sync.Mutex
	locks map[Date]*dateLockEntry
}

type dateLockEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocalDateLocker(timeout time.Duration) *LocalDateLocker {
	if timeout <= 0 {
		timeout = defaultDateLockTimeout
	}
	return &LocalDateLocker{Timeout: timeout, locks: map[Date]*dateLockEntry{}}
}

func (l *LocalDateLocker) Lock(ctx context.Context, date Date) (func(), error) {
	l.mu.Lock()
	e := l.locks[date]
	if e == nil {
		e = &dateLockEntry{sem: make(chan struct{}, 1)}
		l.locks[date] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.Timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.release(date, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(date, e)
		return nil, ctx.Err()
	case <-timer.C:
		l.release(date, e)
		return nil, ErrDateLockTimeout
	}
}

func (l *LocalDateLocker) release(date Date, e *dateLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, date)
	}
}

// RedisDateLocker extends the per-date exclusion across instances.
type RedisDateLocker struct {
	Client  *redislock.Client
	TTL     time.Duration
	Timeout time.Duration
	Prefix  string
}

func NewRedisDateLocker(client *redislock.Client, timeout time.Duration) *RedisDateLocker {
	if timeout <= 0 {
		timeout = defaultDateLockTimeout
	}
	return &RedisDateLocker{
		Client:  client,
		TTL:     30 * time.Second,
		Timeout: timeout,
		Prefix:  "lock:daily-record:",
	}
}

func (l *RedisDateLocker) Lock(ctx context.Context, date Date) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	lock, err := l.Client.Obtain(obtainCtx, l.Prefix+date.String(), l.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrDateLockTimeout
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
