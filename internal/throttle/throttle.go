// Package throttle serializes calls to the exchange per request class.
//
// The exchange enforces separate limits for quotes, order creation and
// read-only endpoints. Each class gets a minimum spacing between call starts
// and a maximum number of calls in flight. One Scheduler is shared by every
// settlement in the process.
package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Class names an independently throttled request class.
type Class string

const (
	Quotes Class = "quotes"
	Orders Class = "orders"
	Reads  Class = "reads"
)

// Classes lists every class in a stable order.
var Classes = []Class{Quotes, Orders, Reads}

// Scheduler runs fn once the class's limits allow it.
type Scheduler interface {
	Do(ctx context.Context, class Class, fn func(context.Context) error) error
}

// Limit configures one class.
type Limit struct {
	// Spacing is the minimum interval between two call starts.
	Spacing time.Duration
	// Concurrency is the maximum number of calls in flight.
	Concurrency int64
}

// DefaultLimits mirror the exchange's published per-class limits.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		Quotes: {Spacing: 500 * time.Millisecond, Concurrency: 1},
		Orders: {Spacing: time.Second, Concurrency: 1},
		Reads:  {Spacing: 200 * time.Millisecond, Concurrency: 2},
	}
}

type channel struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Limiter is the production Scheduler.
type Limiter struct {
	channels map[Class]*channel
	observe  func(class Class, wait time.Duration)
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithWaitObserver reports how long each call waited for its slot.
func WithWaitObserver(fn func(class Class, wait time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// NewLimiter creates a Limiter. Classes missing from limits use the defaults.
func NewLimiter(limits map[Class]Limit, opts ...Option) *Limiter {
	defaults := DefaultLimits()
	l := &Limiter{channels: make(map[Class]*channel, len(Classes))}
	for _, class := range Classes {
		lim, ok := limits[class]
		if !ok {
			lim = defaults[class]
		}
		if lim.Concurrency < 1 {
			lim.Concurrency = 1
		}
		every := rate.Inf
		if lim.Spacing > 0 {
			every = rate.Every(lim.Spacing)
		}
		l.channels[class] = &channel{
			limiter: rate.NewLimiter(every, 1),
			sem:     semaphore.NewWeighted(lim.Concurrency),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Do waits for a concurrency slot and then for the class's spacing before
// running fn. The slot is held until fn returns.
func (l *Limiter) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	ch, ok := l.channels[class]
	if !ok {
		return fmt.Errorf("throttle: unknown class %q", class)
	}

	start := time.Now()
	if err := ch.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("throttle %s: %w", class, err)
	}
	defer ch.sem.Release(1)

	if err := ch.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle %s: %w", class, err)
	}
	if l.observe != nil {
		l.observe(class, time.Since(start))
	}
	return fn(ctx)
}

// Noop runs every call immediately. Used in tests.
type Noop struct{}

func (Noop) Do(ctx context.Context, _ Class, fn func(context.Context) error) error {
	return fn(ctx)
}
