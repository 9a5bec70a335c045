package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"showrunner/internal/breaker"
	"showrunner/internal/config"
	"showrunner/internal/logging"
	"showrunner/internal/observability"
	"showrunner/internal/services"
)

// Strategy names accepted by the manager. Validation happens at config load.
const (
	StrategyRoundRobin   = "round_robin"
	StrategyWeighted     = "weighted"
	StrategyPriority     = "priority"
	StrategyLeastLatency = "least_latency"
	StrategyAdaptive     = "adaptive"
)

const (
	maxAttemptsPerProvider = 3
	backoffBase            = 2 * time.Second
	backoffCap             = 10 * time.Second
	healthProbeTimeout     = 5 * time.Second
)

// Request describes one provider call.
type Request struct {
	Operation     string
	Model         string
	Payload       map[string]any
	EstimatedCost float64
}

// Response is the provider call result handed back to the caller.
type Response struct {
	Provider     string
	Model        string
	Output       any
	InputTokens  int
	OutputTokens int
	Characters   int
	Latency      time.Duration
}

// Call performs the actual provider request. Agents and tests supply the
// transport; the manager owns selection, retries, and isolation.
type Call func(ctx context.Context, provider config.Provider, req Request) (*Response, error)

// Fallback runs after every ranked provider has been exhausted.
type Fallback func(ctx context.Context, req Request) (*Response, error)

// Status is a point-in-time view of one pool member for health output.
type Status struct {
	Name                string
	Circuit             breaker.State
	Health              HealthStatus
	LatencyMS           float64
	SuccessRate         float64
	ConsecutiveFailures int
	LastCheck           time.Time
	Score               float64
}

// Manager owns the provider pool and is the sole writer of provider metrics
// and circuit state.
type Manager struct {
	strategy      string
	checkInterval time.Duration
	providers     []*Provider
	call          Call

	logger *slog.Logger
	sink   observability.Sink
	client *http.Client
	clock  func() time.Time
	sleep  func(context.Context, time.Duration) error
	rand   *rand.Rand

	mu     sync.Mutex
	cursor int
}

// Option customizes manager construction.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSink sets the observability sink for latency and health metrics.
func WithSink(sink observability.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithHTTPClient overrides the health probe client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithSleeper overrides retry sleeps (tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithRand seeds strategy randomness deterministically (tests).
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// NewManager builds the pool from configuration. The call function performs
// the actual provider requests.
func NewManager(cfg *config.Config, call Call, opts ...Option) (*Manager, error) {
	if call == nil {
		return nil, errors.New("failover: call function is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("failover: at least one provider is required")
	}

	m := &Manager{
		strategy:      cfg.Failover.Strategy,
		checkInterval: time.Duration(cfg.Failover.HealthCheckIntervalSeconds) * time.Second,
		call:          call,
		logger:        logging.NewNop(),
		sink:          observability.Noop(),
		client:        &http.Client{Timeout: healthProbeTimeout},
		clock:         time.Now,
		sleep:         sleepCtx,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkInterval <= 0 {
		m.checkInterval = 30 * time.Second
	}
	for _, entry := range cfg.Providers {
		m.providers = append(m.providers, newProvider(entry, m.clock))
	}
	return m, nil
}

// Run drives the background health loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every provider that declares a health endpoint.
func (m *Manager) CheckNow(ctx context.Context) {
	for _, p := range m.providers {
		if p.entry.HealthEndpoint == "" {
			continue
		}
		status, latency, err := m.probe(ctx, p)
		if err != nil {
			m.logger.Warn("health check failed",
				logging.String(logging.FieldProvider, p.Name()),
				logging.String("status", string(status)),
				logging.Error(err))
			continue
		}
		m.sink.LogMetric("provider_health_latency_ms", float64(latency.Milliseconds()),
			map[string]string{"provider": p.Name()})
		m.logger.Debug("health check",
			logging.String(logging.FieldProvider, p.Name()),
			logging.String("status", string(status)),
			logging.Duration("latency", latency))
	}
}

func (m *Manager) probe(ctx context.Context, p *Provider) (HealthStatus, time.Duration, error) {
	url := p.entry.BaseURL + p.entry.HealthEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.recordHealthCheck(0, err, m.clock()), 0, err
	}

	start := m.clock()
	resp, err := m.client.Do(req)
	latency := m.clock().Sub(start)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
	}
	return p.recordHealthCheck(latency, err, m.clock()), latency, err
}

// SelectProvider returns the best available provider for the model under the
// configured strategy.
func (m *Manager) SelectProvider(model string) (*Provider, error) {
	ranked := m.rank(model)
	if len(ranked) == 0 {
		return nil, services.Wrap(services.ErrPermanent, "", "select_provider",
			fmt.Sprintf("no available provider for model %q", model), nil)
	}
	return ranked[0], nil
}

// Statuses reports the pool for health output, best ranked first.
func (m *Manager) Statuses() []Status {
	now := m.clock()
	out := make([]Status, 0, len(m.providers))
	for _, p := range m.providers {
		state, _, _, _ := p.breaker.Snapshot()
		metrics := p.Metrics()
		out = append(out, Status{
			Name:                p.Name(),
			Circuit:             state,
			Health:              metrics.Status,
			LatencyMS:           metrics.LatencyMS,
			SuccessRate:         metrics.SuccessRate,
			ConsecutiveFailures: metrics.ConsecutiveFailures,
			LastCheck:           metrics.LastCheck,
			Score:               p.HealthScore(now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Execute runs the request against the ranked pool. Each provider gets up to
// three attempts with exponential backoff before the next ranked provider is
// tried; the optional fallback runs only after every provider is exhausted.
func (m *Manager) Execute(ctx context.Context, req Request, fallback Fallback) (*Response, error) {
	ranked := m.rank(req.Model)
	if len(ranked) == 0 {
		return nil, services.Wrap(services.ErrPermanent, "", req.Operation,
			fmt.Sprintf("no available provider for model %q", req.Model), nil)
	}

	var lastErr error
	for _, p := range ranked {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		resp, err := m.tryProvider(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if services.Fatal(err) {
			break
		}
		m.logger.Warn("provider exhausted, failing over",
			logging.String(logging.FieldProvider, p.Name()),
			logging.String("operation", req.Operation),
			logging.Error(err))
	}

	if fallback != nil && ctx.Err() == nil {
		m.logger.Warn("all providers exhausted, invoking fallback",
			logging.String("operation", req.Operation))
		return fallback(ctx, req)
	}
	return nil, services.Wrap(services.ErrTransient, "", req.Operation, "all providers exhausted", lastErr)
}

func (m *Manager) tryProvider(ctx context.Context, p *Provider, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttemptsPerProvider; attempt++ {
		if attempt > 0 {
			delay := m.backoffDelay(attempt)
			if deadline, ok := ctx.Deadline(); ok && m.clock().Add(delay).After(deadline) {
				return nil, services.Wrap(services.ErrTransient, "", req.Operation,
					"deadline would pass during backoff", lastErr)
			}
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if decision := p.limiter.Allow(req.EstimatedCost); !decision.Allowed {
			lastErr = services.Wrap(services.ErrRateLimited, "", p.Name(), decision.Reason, nil)
			continue
		}

		var resp *Response
		start := m.clock()
		err := p.breaker.Do(ctx, func(callCtx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(callCtx, p.timeout())
			defer cancel()
			r, callErr := m.call(attemptCtx, p.entry, req)
			if callErr != nil {
				return callErr
			}
			resp = r
			return nil
		})
		latency := m.clock().Sub(start)

		if errors.Is(err, services.ErrCircuitOpen) {
			// The call never ran; do not count it against the metrics.
			return nil, err
		}
		p.recordCall(latency, err != nil, m.clock())
		m.sink.LogMetric("provider_call_latency_ms", float64(latency.Milliseconds()),
			map[string]string{"provider": p.Name()})

		if err == nil {
			if resp == nil {
				resp = &Response{}
			}
			resp.Provider = p.Name()
			if resp.Model == "" {
				resp.Model = req.Model
			}
			resp.Latency = latency
			return resp, nil
		}
		if !services.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// rank filters available providers that support the model and orders them by
// strategy. The whole order matters: Execute fails over down the list.
func (m *Manager) rank(model string) []*Provider {
	eligible := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.SupportsModel(model) && p.Available() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) <= 1 {
		return eligible
	}

	switch m.strategy {
	case StrategyRoundRobin:
		m.mu.Lock()
		start := m.cursor % len(eligible)
		m.cursor++
		m.mu.Unlock()
		rotated := make([]*Provider, 0, len(eligible))
		rotated = append(rotated, eligible[start:]...)
		rotated = append(rotated, eligible[:start]...)
		return rotated
	case StrategyWeighted:
		return m.weightedOrder(eligible)
	case StrategyPriority:
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].entry.Priority < eligible[j].entry.Priority
		})
		return eligible
	case StrategyLeastLatency:
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].Metrics().LatencyMS < eligible[j].Metrics().LatencyMS
		})
		return eligible
	default: // adaptive
		now := m.clock()
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].HealthScore(now) > eligible[j].HealthScore(now)
		})
		return eligible
	}
}

// weightedOrder draws providers without replacement, probability proportional
// to weight.
func (m *Manager) weightedOrder(eligible []*Provider) []*Provider {
	pool := append([]*Provider(nil), eligible...)
	out := make([]*Provider, 0, len(pool))
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(pool) > 0 {
		total := 0.0
		for _, p := range pool {
			total += p.entry.Weight
		}
		pick := m.rand.Float64() * total
		idx := 0
		for i, p := range pool {
			pick -= p.entry.Weight
			if pick <= 0 {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	// Up to 25% jitter keeps concurrent retries from aligning.
	m.mu.Lock()
	jitter := time.Duration(m.rand.Int63n(int64(delay) / 4))
	m.mu.Unlock()
	return delay + jitter
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
