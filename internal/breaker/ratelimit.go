package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limits configures per-provider request admission.
type Limits struct {
	RequestsPerMinute  int
	RequestsPerHour    int
	CostCeilingPerHour float64
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// RateLimiter admits requests against rolling minute and hour windows plus an
// hourly cost ceiling.
type RateLimiter struct {
	limits Limits
	clock  func() time.Time

	mu       sync.Mutex
	requests []time.Time
	costs    []costSample
}

type costSample struct {
	at     time.Time
	amount float64
}

// NewRateLimiter constructs a limiter. Zero limits disable the corresponding
// check.
func NewRateLimiter(limits Limits, opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{limits: limits, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LimiterOption customizes limiter construction.
type LimiterOption func(*RateLimiter)

// WithLimiterClock overrides the time source (tests).
func WithLimiterClock(clock func() time.Time) LimiterOption {
	return func(l *RateLimiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// Allow decides whether a request with the given expected cost may proceed
// and, when allowed, records it against the windows.
func (l *RateLimiter) Allow(cost float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.pruneLocked(now)

	if l.limits.RequestsPerMinute > 0 {
		minuteCount := 0
		cutoff := now.Add(-time.Minute)
		for _, at := range l.requests {
			if at.After(cutoff) {
				minuteCount++
			}
		}
		if minuteCount >= l.limits.RequestsPerMinute {
			return Decision{Reason: fmt.Sprintf("minute window full (%d requests)", minuteCount)}
		}
	}
	if l.limits.RequestsPerHour > 0 && len(l.requests) >= l.limits.RequestsPerHour {
		return Decision{Reason: fmt.Sprintf("hour window full (%d requests)", len(l.requests))}
	}
	if l.limits.CostCeilingPerHour > 0 {
		spent := 0.0
		for _, sample := range l.costs {
			spent += sample.amount
		}
		if spent+cost > l.limits.CostCeilingPerHour {
			return Decision{Reason: fmt.Sprintf("hourly cost ceiling reached (%.4f + %.4f > %.4f)", spent, cost, l.limits.CostCeilingPerHour)}
		}
	}

	l.requests = append(l.requests, now)
	if cost > 0 {
		l.costs = append(l.costs, costSample{at: now, amount: cost})
	}
	return Decision{Allowed: true}
}

// pruneLocked drops samples older than one hour.
func (l *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := l.requests[:0]
	for _, at := range l.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.requests = kept

	keptCosts := l.costs[:0]
	for _, sample := range l.costs {
		if sample.at.After(cutoff) {
			keptCosts = append(keptCosts, sample)
		}
	}
	l.costs = keptCosts
}

// Waiter retries admission with exponential delay until allowed or the
// caller's budgeted wait is exhausted.
type Waiter struct {
	limiter   *RateLimiter
	baseDelay time.Duration
	sleep     func(context.Context, time.Duration) error
}

// NewWaiter builds a backoff waiter over the limiter.
func NewWaiter(limiter *RateLimiter, baseDelay time.Duration) *Waiter {
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Waiter{
		limiter:   limiter,
		baseDelay: baseDelay,
		sleep:     sleepCtx,
	}
}

// WithSleep overrides how waits are performed (tests).
func (w *Waiter) WithSleep(sleep func(context.Context, time.Duration) error) *Waiter {
	if sleep != nil {
		w.sleep = sleep
	}
	return w
}

// Wait blocks until admission succeeds or maxWait is exhausted. It returns
// the final denial reason when it gives up.
func (w *Waiter) Wait(ctx context.Context, cost float64, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	delay := w.baseDelay
	for {
		decision := w.limiter.Allow(cost)
		if decision.Allowed {
			return nil
		}
		if time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("rate limit wait exhausted after %s: %s", maxWait, decision.Reason)
		}
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
