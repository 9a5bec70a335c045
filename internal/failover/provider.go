package failover

import (
	"strings"
	"sync"
	"time"

	"showrunner/internal/breaker"
	"showrunner/internal/config"
)

// HealthStatus classifies a provider from its latest health probe.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	healthyLatency  = time.Second
	degradedLatency = 3 * time.Second
	// maxScoreLatency caps the latency term of the composite health score.
	maxScoreLatency = 5000.0
	// recencyWindow is how long a health check keeps contributing to the
	// recency term before it decays to zero.
	recencyWindow = 30 * time.Minute
	// unhealthyAfter forces a provider unhealthy regardless of latency.
	unhealthyAfter = 3

	latencyAlpha = 0.3
	successAlpha = 0.2
)

// Metrics is a point-in-time copy of one provider's rolling statistics.
type Metrics struct {
	LatencyMS           float64
	SuccessRate         float64
	Requests            int64
	Errors              int64
	ConsecutiveFailures int
	LastCheck           time.Time
	LastSuccess         time.Time
	Status              HealthStatus
}

// Provider couples a configured entry with its breaker, rate limiter, and
// rolling metrics. The manager is the only writer of the metrics.
type Provider struct {
	entry   config.Provider
	breaker *breaker.Breaker
	limiter *breaker.RateLimiter

	mu      sync.Mutex
	metrics Metrics
}

func newProvider(entry config.Provider, clock func() time.Time) *Provider {
	return &Provider{
		entry: entry,
		breaker: breaker.New(entry.Name, breaker.Settings{
			FailureThreshold: entry.FailureThreshold,
			SuccessThreshold: entry.SuccessThreshold,
			RecoveryTimeout:  time.Duration(entry.RecoveryTimeoutSeconds) * time.Second,
		}, breaker.WithClock(clock)),
		limiter: breaker.NewRateLimiter(breaker.Limits{
			RequestsPerMinute:  entry.RequestsPerMinute,
			RequestsPerHour:    entry.RequestsPerHour,
			CostCeilingPerHour: entry.CostCeilingPerHour,
		}, breaker.WithLimiterClock(clock)),
		metrics: Metrics{SuccessRate: 1, Status: HealthUnknown},
	}
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.entry.Name }

// Entry returns a copy of the configured entry.
func (p *Provider) Entry() config.Provider { return p.entry }

// Breaker exposes the provider's circuit breaker.
func (p *Provider) Breaker() *breaker.Breaker { return p.breaker }

// SupportsModel reports whether the provider serves the model. An empty model
// matches every provider.
func (p *Provider) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range p.entry.Models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// Metrics returns a copy of the provider's rolling statistics.
func (p *Provider) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Available reports whether the provider may receive traffic: not unhealthy
// and circuit not open.
func (p *Provider) Available() bool {
	if p.breaker.State() == breaker.StateOpen {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.Status != HealthUnhealthy
}

func (p *Provider) timeout() time.Duration {
	if p.entry.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.entry.TimeoutSeconds) * time.Second
}

func (p *Provider) recordCall(latency time.Duration, failed bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Requests++
	p.observeLatencyLocked(latency)
	if failed {
		p.metrics.Errors++
		p.metrics.SuccessRate = (1-successAlpha)*p.metrics.SuccessRate
	} else {
		p.metrics.SuccessRate = (1-successAlpha)*p.metrics.SuccessRate + successAlpha
		p.metrics.LastSuccess = now
	}
}

func (p *Provider) recordHealthCheck(latency time.Duration, err error, now time.Time) HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.LastCheck = now
	if err != nil {
		p.metrics.ConsecutiveFailures++
	} else {
		p.metrics.ConsecutiveFailures = 0
		p.observeLatencyLocked(latency)
	}

	switch {
	case p.metrics.ConsecutiveFailures >= unhealthyAfter:
		p.metrics.Status = HealthUnhealthy
	case err != nil:
		// A failed probe below the threshold keeps the previous status.
	case latency < healthyLatency:
		p.metrics.Status = HealthHealthy
	case latency < degradedLatency:
		p.metrics.Status = HealthDegraded
	default:
		p.metrics.Status = HealthUnhealthy
	}
	return p.metrics.Status
}

func (p *Provider) observeLatencyLocked(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if p.metrics.LatencyMS == 0 {
		p.metrics.LatencyMS = ms
		return
	}
	p.metrics.LatencyMS = (1-latencyAlpha)*p.metrics.LatencyMS + latencyAlpha*ms
}

// HealthScore computes the composite score used by the adaptive strategy:
// 0.3·(1−latency/5000) + 0.5·success_rate + 0.2·recency.
func (p *Provider) HealthScore(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	latency := p.metrics.LatencyMS
	if latency > maxScoreLatency {
		latency = maxScoreLatency
	}
	latencyTerm := 1 - latency/maxScoreLatency

	recency := 0.0
	if !p.metrics.LastCheck.IsZero() {
		since := now.Sub(p.metrics.LastCheck)
		if since < recencyWindow {
			recency = 1 - float64(since)/float64(recencyWindow)
		}
	}
	return 0.3*latencyTerm + 0.5*p.metrics.SuccessRate + 0.2*recency
}
