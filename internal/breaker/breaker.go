package breaker

import (
	"context"
	"sync"
	"time"

	"showrunner/internal/services"
)

// State is the circuit position for one provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings tunes one breaker.
type Settings struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// SuccessThreshold closes a half-open circuit after this many consecutive
	// probe successes.
	SuccessThreshold int
	// RecoveryTimeout is how long an open circuit waits before probing.
	RecoveryTimeout time.Duration
	// WindowSize bounds the sliding call history used for the error rate.
	WindowSize int
	// ErrorRateThreshold opens the circuit when the window error rate reaches
	// it, even below the consecutive-failure threshold. Zero disables it.
	ErrorRateThreshold float64
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 3
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.WindowSize <= 0 {
		s.WindowSize = 20
	}
	return s
}

// Breaker isolates one provider. Transitions are serialized under an internal
// mutex; the optional OnOpen/OnClose callbacks run outside it.
type Breaker struct {
	name     string
	settings Settings
	clock    func() time.Time

	onOpen  func(name string)
	onClose func(name string)

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	window       []bool
	probing      bool
}

// Option customizes breaker construction.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithOnOpen registers a callback fired when the circuit opens.
func WithOnOpen(fn func(name string)) Option {
	return func(b *Breaker) { b.onOpen = fn }
}

// WithOnClose registers a callback fired when the circuit closes.
func WithOnClose(fn func(name string)) Option {
	return func(b *Breaker) { b.onClose = fn }
}

// New constructs a closed breaker for the named provider.
func New(name string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		clock:    time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current circuit position, applying the open→half-open
// timeout transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Do runs fn behind the circuit. When the circuit is open the call
// short-circuits with a circuit-open error and fn is never invoked.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	return b.DoWithFallback(ctx, fn, nil)
}

// DoWithFallback behaves like Do but invokes fallback instead of returning a
// circuit-open error when the circuit rejects the call.
func (b *Breaker) DoWithFallback(ctx context.Context, fn, fallback func(context.Context) error) error {
	if err := b.admit(); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// admit decides whether a call may proceed, handling the open→half-open
// transition and limiting half-open probes to one at a time.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return services.Wrap(services.ErrCircuitOpen, "", b.name, "half-open probe already in flight", nil)
		}
		b.probing = true
		return nil
	default:
		return services.Wrap(services.ErrCircuitOpen, "", b.name, "circuit open", nil)
	}
}

// RecordSuccess reports a successful provider call to the breaker.
func (b *Breaker) RecordSuccess() {
	var closed bool
	b.mu.Lock()
	b.appendWindowLocked(true)
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.resetLocked()
			closed = true
		}
	case StateClosed:
		b.failureCount = 0
	}
	b.mu.Unlock()

	if closed && b.onClose != nil {
		b.onClose(b.name)
	}
}

// RecordFailure reports a failed provider call. A failure while half-open is
// authoritative and reopens the circuit immediately.
func (b *Breaker) RecordFailure() {
	var opened bool
	b.mu.Lock()
	b.appendWindowLocked(false)
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.tripLocked()
		opened = true
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold || b.windowErrorRateLocked() >= b.threshold() {
			b.tripLocked()
			opened = true
		}
	}
	b.mu.Unlock()

	if opened && b.onOpen != nil {
		b.onOpen(b.name)
	}
}

// Snapshot reports the counters for health output.
func (b *Breaker) Snapshot() (state State, failures, successes int, openedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state, b.failureCount, b.successCount, b.openedAt
}

func (b *Breaker) threshold() float64 {
	if b.settings.ErrorRateThreshold <= 0 {
		return 2 // unreachable rate; disabled
	}
	return b.settings.ErrorRateThreshold
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.settings.RecoveryTimeout {
		b.state = StateHalfOpen
		b.successCount = 0
		b.probing = false
	}
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.successCount = 0
}

func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.window = b.window[:0]
}

func (b *Breaker) appendWindowLocked(ok bool) {
	b.window = append(b.window, ok)
	if len(b.window) > b.settings.WindowSize {
		b.window = b.window[len(b.window)-b.settings.WindowSize:]
	}
}

func (b *Breaker) windowErrorRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}
