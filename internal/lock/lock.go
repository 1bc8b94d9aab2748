// Package lock serializes writers of one settlement.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock could not be taken in time.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker runs fn while holding the lock for key. fn's error is returned
// unchanged.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Memory is an in-process keyed mutex.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch      chan struct{}
	waiters int
}

// NewMemory creates an in-process Locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*entry)}
}

func (m *Memory) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.waiters++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		e.waiters--
		if e.waiters == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

// Options tune the Redis lock.
type Options struct {
	// Expiry bounds how long a crashed holder blocks others.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultOptions fit an execution batch that waits on the exchange throttle.
func DefaultOptions() Options {
	return Options{
		Expiry:     2 * time.Minute,
		Tries:      64,
		RetryDelay: 250 * time.Millisecond,
	}
}

// defaultExtendInterval matches half of redsync's default expiry.
const defaultExtendInterval = 4 * time.Second

// Redis is a Redlock based Locker shared by every replica.
type Redis struct {
	rs   *redsync.Redsync
	opts Options
}

// NewRedis creates a Redis Locker.
func NewRedis(rdb *redis.Client, opts Options) *Redis {
	return &Redis{
		rs:   redsync.New(goredis.NewPool(rdb)),
		opts: opts,
	}
}

// WithLock holds the lock while fn runs, extending it every Expiry/2. If an
// extension fails the lock may already belong to someone else, so fn's
// context is cancelled.
func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := r.rs.NewMutex("lock:"+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, err)
	}
	defer func() {
		// A background context so a cancelled request still releases.
		if ok, err := mutex.UnlockContext(context.Background()); !ok || err != nil {
			slog.Warn("failed to release lock", "key", key, "error", err)
		}
	}()

	fnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.keepAlive(fnCtx, cancel, mutex, key)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return fn(fnCtx)
}

func (r *Redis) keepAlive(ctx context.Context, cancel context.CancelFunc, mutex *redsync.Mutex, key string) {
	interval := r.opts.Expiry / 2
	if interval <= 0 {
		interval = defaultExtendInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := mutex.ExtendContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if !ok || err != nil {
				slog.Error("lock extension failed, cancelling holder", "key", key, "error", err)
				cancel()
				return
			}
		}
	}
}
