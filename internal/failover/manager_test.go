package failover_test

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"showrunner/internal/breaker"
	"showrunner/internal/config"
	"showrunner/internal/failover"
	"showrunner/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
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

// probeTransport serves fake health endpoints keyed by host, advancing the
// shared clock to simulate probe latency.
type probeTransport struct {
	clock  *fakeClock
	delays map[string]time.Duration
	codes  map[string]int
}

func (t *probeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if delay, ok := t.delays[host]; ok {
		t.clock.Advance(delay)
	}
	code := http.StatusOK
	if c, ok := t.codes[host]; ok {
		code = c
	}
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func poolConfig(strategy string, providers ...config.Provider) *config.Config {
	cfg := config.Default()
	cfg.Failover.Strategy = strategy
	cfg.Providers = providers
	return &cfg
}

func entry(name, host string) config.Provider {
	return config.Provider{
		Name:             name,
		BaseURL:          "https://" + host,
		HealthEndpoint:   "/health",
		Priority:         1,
		Weight:           1,
		TimeoutSeconds:   30,
		Models:           []string{"model-x"},
		FailureThreshold: 3,
		SuccessThreshold: 3,
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecuteFailsOverToNextProvider(t *testing.T) {
	clock := newFakeClock()
	attempts := map[string]int{}
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		attempts[p.Name]++
		if p.Name == "alpha" {
			return nil, services.Wrap(services.ErrTransient, "", p.Name, "upstream 503", nil)
		}
		return &failover.Response{Output: "done"}, nil
	}

	m, err := failover.NewManager(
		poolConfig(failover.StrategyPriority,
			entry("alpha", "alpha.example"),
			withPriority(entry("beta", "beta.example"), 2)),
		call,
		failover.WithClock(clock.Now),
		failover.WithSleeper(noSleep),
		failover.WithRand(rand.New(rand.NewSource(1))),
	)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := m.Execute(context.Background(), failover.Request{Operation: "draft", Model: "model-x"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Provider != "beta" {
		t.Fatalf("served by %s, want beta", resp.Provider)
	}
	if attempts["alpha"] != 3 {
		t.Fatalf("alpha attempts = %d, want 3", attempts["alpha"])
	}
	if attempts["beta"] != 1 {
		t.Fatalf("beta attempts = %d, want 1", attempts["beta"])
	}
}

func withPriority(p config.Provider, priority int) config.Provider {
	p.Priority = priority
	return p
}

func TestAdaptiveSelectionPrefersHealthierProvider(t *testing.T) {
	clock := newFakeClock()
	transport := &probeTransport{
		clock: clock,
		delays: map[string]time.Duration{
			"alpha.example": 200 * time.Millisecond,
			"beta.example":  2500 * time.Millisecond,
		},
	}
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		if p.Name == "alpha" {
			return nil, services.Wrap(services.ErrTransient, "", p.Name, "upstream 503", nil)
		}
		return &failover.Response{}, nil
	}

	m, err := failover.NewManager(
		poolConfig(failover.StrategyAdaptive,
			entry("alpha", "alpha.example"),
			entry("beta", "beta.example")),
		call,
		failover.WithClock(clock.Now),
		failover.WithSleeper(noSleep),
		failover.WithHTTPClient(&http.Client{Transport: transport}),
		failover.WithRand(rand.New(rand.NewSource(1))),
	)
	if err != nil {
		t.Fatal(err)
	}

	m.CheckNow(context.Background())
	p, err := m.SelectProvider("model-x")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "alpha" {
		t.Fatalf("selected %s, want alpha (lower probe latency)", p.Name())
	}

	// Alpha fails until its circuit opens; selection shifts to beta.
	resp, err := m.Execute(context.Background(), failover.Request{Operation: "draft", Model: "model-x"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Provider != "beta" {
		t.Fatalf("served by %s, want beta", resp.Provider)
	}
	p, err = m.SelectProvider("model-x")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "beta" {
		t.Fatalf("selected %s after alpha circuit opened, want beta", p.Name())
	}
	if p.Breaker().State() == breaker.StateOpen {
		t.Fatal("beta circuit should remain closed")
	}
}

func TestRunProbesProvidersUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	transport := &probeTransport{
		clock:  clock,
		delays: map[string]time.Duration{"alpha.example": 150 * time.Millisecond},
	}
	cfg := poolConfig(failover.StrategyAdaptive, entry("alpha", "alpha.example"))
	cfg.Failover.HealthCheckIntervalSeconds = 1

	call := func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		return &failover.Response{}, nil
	}
	m, err := failover.NewManager(cfg, call,
		failover.WithClock(clock.Now),
		failover.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		statuses := m.Statuses()
		if len(statuses) == 1 && statuses[0].Health == failover.HealthHealthy {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("provider never left %s", statuses[0].Health)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestHealthLoopForcesUnhealthyAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	transport := &probeTransport{
		clock: clock,
		delays: map[string]time.Duration{
			"alpha.example": 100 * time.Millisecond,
			"beta.example":  100 * time.Millisecond,
		},
		codes: map[string]int{"alpha.example": http.StatusInternalServerError},
	}
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		return &failover.Response{}, nil
	}

	m, err := failover.NewManager(
		poolConfig(failover.StrategyPriority,
			entry("alpha", "alpha.example"),
			withPriority(entry("beta", "beta.example"), 2)),
		call,
		failover.WithClock(clock.Now),
		failover.WithSleeper(noSleep),
		failover.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		m.CheckNow(context.Background())
	}
	p, err := m.SelectProvider("model-x")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "beta" {
		t.Fatalf("selected %s, want beta (alpha forced unhealthy)", p.Name())
	}

	statuses := m.Statuses()
	for _, s := range statuses {
		if s.Name == "alpha" && s.Health != failover.HealthUnhealthy {
			t.Fatalf("alpha health = %s, want unhealthy", s.Health)
		}
	}
}

func TestExecuteSkipsRetriesOnPermanentError(t *testing.T) {
	clock := newFakeClock()
	attempts := map[string]int{}
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		attempts[p.Name]++
		if p.Name == "alpha" {
			return nil, services.Wrap(services.ErrPermanent, "", p.Name, "invalid request", nil)
		}
		return &failover.Response{}, nil
	}

	m, err := failover.NewManager(
		poolConfig(failover.StrategyPriority,
			entry("alpha", "alpha.example"),
			withPriority(entry("beta", "beta.example"), 2)),
		call,
		failover.WithClock(clock.Now),
		failover.WithSleeper(noSleep),
	)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := m.Execute(context.Background(), failover.Request{Operation: "draft", Model: "model-x"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Provider != "beta" {
		t.Fatalf("served by %s, want beta", resp.Provider)
	}
	if attempts["alpha"] != 1 {
		t.Fatalf("alpha attempts = %d, want 1 (no retry on permanent error)", attempts["alpha"])
	}
}

func TestExecuteStopsBackoffAtDeadline(t *testing.T) {
	slept := 0
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		return nil, services.Wrap(services.ErrTransient, "", p.Name, "timeout", nil)
	}

	// Real clock: the deadline check compares against the same time source
	// the manager uses for backoff planning.
	m, err := failover.NewManager(
		poolConfig(failover.StrategyPriority, entry("alpha", "alpha.example")),
		call,
		failover.WithSleeper(func(context.Context, time.Duration) error {
			slept++
			return nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Second))
	defer cancel()
	_, err = m.Execute(ctx, failover.Request{Operation: "draft", Model: "model-x"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if slept != 0 {
		t.Fatalf("slept %d times; backoff longer than the deadline should not sleep", slept)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	clock := newFakeClock()
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		return &failover.Response{}, nil
	}

	m, err := failover.NewManager(
		poolConfig(failover.StrategyRoundRobin,
			entry("alpha", "alpha.example"),
			entry("beta", "beta.example")),
		call,
		failover.WithClock(clock.Now),
		failover.WithSleeper(noSleep),
	)
	if err != nil {
		t.Fatal(err)
	}

	var served []string
	for i := 0; i < 4; i++ {
		resp, err := m.Execute(context.Background(), failover.Request{Operation: "draft", Model: "model-x"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		served = append(served, resp.Provider)
	}
	want := []string{"alpha", "beta", "alpha", "beta"}
	for i := range want {
		if served[i] != want[i] {
			t.Fatalf("served = %v, want %v", served, want)
		}
	}
}

func TestFallbackRunsAfterPoolExhaustion(t *testing.T) {
	clock := newFakeClock()
	call := func(_ context.Context, p config.Provider, _ failover.Request) (*failover.Response, error) {
		return nil, services.Wrap(services.ErrTransient, "", p.Name, "down", nil)
	}

	m, err := failover.NewManager(
		poolConfig(failover.StrategyPriority, entry("alpha", "alpha.example")),
		call,
		failover.WithClock(clock.Now),
		failover.WithSleeper(noSleep),
	)
	if err != nil {
		t.Fatal(err)
	}

	fallback := func(context.Context, failover.Request) (*failover.Response, error) {
		return &failover.Response{Provider: "cache", Output: "stale script"}, nil
	}
	resp, err := m.Execute(context.Background(), failover.Request{Operation: "draft", Model: "model-x"}, fallback)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Provider != "cache" {
		t.Fatalf("served by %s, want cache fallback", resp.Provider)
	}
}

func TestSelectProviderRejectsUnknownModel(t *testing.T) {
	clock := newFakeClock()
	call := func(_ context.Context, _ config.Provider, _ failover.Request) (*failover.Response, error) {
		return &failover.Response{}, nil
	}
	m, err := failover.NewManager(
		poolConfig(failover.StrategyPriority, entry("alpha", "alpha.example")),
		call,
		failover.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SelectProvider("model-y"); !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}
}
