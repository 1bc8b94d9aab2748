package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_SpacesCallsWithinClass(t *testing.T) {
	l := NewLimiter(map[Class]Limit{
		Quotes: {Spacing: 50 * time.Millisecond, Concurrency: 1},
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Do(context.Background(), Quotes, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// First call is free (burst 1); the next two wait one spacing each.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected calls spaced by ~50ms, total %v", elapsed)
	}
}

func TestLimiter_ClassesAreIndependent(t *testing.T) {
	l := NewLimiter(map[Class]Limit{
		Quotes: {Spacing: time.Hour, Concurrency: 1},
		Reads:  {Spacing: 0, Concurrency: 2},
	})

	// Use up the quotes burst.
	_ = l.Do(context.Background(), Quotes, func(context.Context) error { return nil })

	done := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), Reads, func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reads blocked behind quotes")
	}
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := NewLimiter(map[Class]Limit{
		Reads: {Spacing: 0, Concurrency: 2},
	})

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), Reads, func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak > 2 {
		t.Errorf("expected at most 2 in flight, saw %d", peak)
	}
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l := NewLimiter(map[Class]Limit{
		Orders: {Spacing: time.Hour, Concurrency: 1},
	})
	_ = l.Do(context.Background(), Orders, func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := l.Do(ctx, Orders, func(context.Context) error { called = true; return nil })
	if err == nil {
		t.Fatal("expected error when spacing exceeds deadline")
	}
	if called {
		t.Error("fn must not run when the wait fails")
	}
}

func TestLimiter_PropagatesFnError(t *testing.T) {
	l := NewLimiter(nil)
	want := errors.New("boom")
	if err := l.Do(context.Background(), Reads, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected fn error, got %v", err)
	}
}

func TestLimiter_UnknownClass(t *testing.T) {
	l := NewLimiter(nil)
	if err := l.Do(context.Background(), Class("bogus"), func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestLimiter_WaitObserver(t *testing.T) {
	var seen []Class
	l := NewLimiter(nil, WithWaitObserver(func(c Class, _ time.Duration) { seen = append(seen, c) }))
	_ = l.Do(context.Background(), Reads, func(context.Context) error { return nil })
	if len(seen) != 1 || seen[0] != Reads {
		t.Errorf("observer not called: %v", seen)
	}
}

func TestNoop_RunsImmediately(t *testing.T) {
	called := false
	if err := (Noop{}).Do(context.Background(), Orders, func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("fn not called")
	}
}
