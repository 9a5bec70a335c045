package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"showrunner/internal/breaker"
	"showrunner/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("anthropic", breaker.Settings{
		FailureThreshold: 3,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}, breaker.WithClock(clock.Now))

	failing := func(context.Context) error { return errors.New("upstream 503") }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failing); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after three failures = %s, want open", got)
	}

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("open circuit error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn ran while circuit open")
	}
}

func TestBreakerFallbackWhileOpen(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("google", breaker.Settings{FailureThreshold: 1}, breaker.WithClock(clock.Now))

	if err := b.Do(context.Background(), func(context.Context) error { return errors.New("boom") }); err == nil {
		t.Fatal("expected failure")
	}

	fallbackRan := false
	err := b.DoWithFallback(context.Background(),
		func(context.Context) error { t.Fatal("primary ran while open"); return nil },
		func(context.Context) error { fallbackRan = true; return nil })
	if err != nil {
		t.Fatalf("fallback path returned %v", err)
	}
	if !fallbackRan {
		t.Fatal("fallback never ran")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := newFakeClock()
	var opened, closed []string
	b := breaker.New("perplexity", breaker.Settings{
		FailureThreshold: 3,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	},
		breaker.WithClock(clock.Now),
		breaker.WithOnOpen(func(name string) { opened = append(opened, name) }),
		breaker.WithOnClose(func(name string) { closed = append(closed, name) }),
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errors.New("timeout") })
	}
	if b.State() != breaker.StateOpen {
		t.Fatal("circuit did not open")
	}

	clock.Advance(61 * time.Second)
	if got := b.State(); got != breaker.StateHalfOpen {
		t.Fatalf("state after recovery timeout = %s, want half_open", got)
	}

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("state after three probe successes = %s, want closed", got)
	}
	if len(opened) != 1 || opened[0] != "perplexity" {
		t.Fatalf("onOpen calls = %v", opened)
	}
	if len(closed) != 1 {
		t.Fatalf("onClose calls = %v", closed)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("elevenlabs", breaker.Settings{
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}, breaker.WithClock(clock.Now))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_ = b.Do(ctx, func(context.Context) error { return errors.New("quota") })
	}
	clock.Advance(31 * time.Second)
	if b.State() != breaker.StateHalfOpen {
		t.Fatal("expected half_open after recovery timeout")
	}

	_ = b.Do(ctx, func(context.Context) error { return errors.New("still failing") })
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after half-open failure = %s, want open", got)
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("anthropic", breaker.Settings{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
	}, breaker.WithClock(clock.Now))

	ctx := context.Background()
	_ = b.Do(ctx, func(context.Context) error { return errors.New("boom") })
	clock.Advance(11 * time.Second)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Do(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := b.Do(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("second concurrent probe error = %v, want ErrCircuitOpen", err)
	}
	close(release)
	wg.Wait()
}

func TestBreakerWindowErrorRateTrips(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("google", breaker.Settings{
		FailureThreshold:   100,
		WindowSize:         10,
		ErrorRateThreshold: 0.6,
	}, breaker.WithClock(clock.Now))

	ctx := context.Background()
	// Alternate success/failure so consecutive failures never reach 100,
	// then pile on failures until the window error rate crosses 0.6.
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, func(context.Context) error { return nil })
		_ = b.Do(ctx, func(context.Context) error { return errors.New("flaky") })
	}
	_ = b.Do(ctx, func(context.Context) error { return errors.New("flaky") })
	_ = b.Do(ctx, func(context.Context) error { return errors.New("flaky") })

	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after high window error rate = %s, want open", got)
	}
}

func TestRateLimiterMinuteWindow(t *testing.T) {
	clock := newFakeClock()
	l := breaker.NewRateLimiter(breaker.Limits{RequestsPerMinute: 2}, breaker.WithLimiterClock(clock.Now))

	for i := 0; i < 2; i++ {
		if d := l.Allow(0); !d.Allowed {
			t.Fatalf("request %d denied: %s", i, d.Reason)
		}
	}
	if d := l.Allow(0); d.Allowed {
		t.Fatal("third request within the minute should be denied")
	}

	clock.Advance(61 * time.Second)
	if d := l.Allow(0); !d.Allowed {
		t.Fatalf("request after window rolled: %s", d.Reason)
	}
}

func TestRateLimiterHourlyCostCeiling(t *testing.T) {
	clock := newFakeClock()
	l := breaker.NewRateLimiter(breaker.Limits{CostCeilingPerHour: 1.00}, breaker.WithLimiterClock(clock.Now))

	if d := l.Allow(0.60); !d.Allowed {
		t.Fatalf("first spend denied: %s", d.Reason)
	}
	if d := l.Allow(0.60); d.Allowed {
		t.Fatal("spend past the hourly ceiling should be denied")
	}

	clock.Advance(time.Hour + time.Minute)
	if d := l.Allow(0.60); !d.Allowed {
		t.Fatalf("spend after the hour rolled: %s", d.Reason)
	}
}

func TestWaiterRetriesUntilAdmitted(t *testing.T) {
	clock := newFakeClock()
	l := breaker.NewRateLimiter(breaker.Limits{RequestsPerMinute: 1}, breaker.WithLimiterClock(clock.Now))
	if d := l.Allow(0); !d.Allowed {
		t.Fatalf("priming request denied: %s", d.Reason)
	}

	var slept []time.Duration
	w := breaker.NewWaiter(l, 100*time.Millisecond).WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.Advance(time.Minute)
		return nil
	})

	if err := w.Wait(context.Background(), 0, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(slept) != 1 || slept[0] != 100*time.Millisecond {
		t.Fatalf("sleeps = %v", slept)
	}
}

func TestWaiterGivesUpAfterMaxWait(t *testing.T) {
	clock := newFakeClock()
	l := breaker.NewRateLimiter(breaker.Limits{RequestsPerMinute: 1}, breaker.WithLimiterClock(clock.Now))
	if d := l.Allow(0); !d.Allowed {
		t.Fatal("priming request denied")
	}

	w := breaker.NewWaiter(l, 50*time.Millisecond)
	err := w.Wait(context.Background(), 0, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
}
