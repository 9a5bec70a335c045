package ledger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"showrunner/internal/catalog"
	"showrunner/internal/logging"
	"showrunner/internal/observability"
	"showrunner/internal/services"
)

// Fallback rates applied when a (provider, model) pair is missing from the
// catalog. Deliberately expensive so unknown providers trip budget checks
// early rather than late.
const (
	fallbackInputPer1K  = 0.01
	fallbackOutputPer1K = 0.03
)

// Alert levels for budget threshold callbacks.
const (
	AlertWarning  = "warning"
	AlertElevated = "elevated"
	AlertCritical = "critical"
)

// AlertFunc receives budget threshold notifications. fraction is the budget
// share consumed when the threshold fired.
type AlertFunc func(level string, fraction float64, remaining float64)

// Ledger tracks costs for a single episode against its budget.
type Ledger struct {
	mu sync.Mutex

	episodeID string
	budget    float64
	catalog   *catalog.Catalog
	logger    *slog.Logger
	sink      observability.Sink
	alert     AlertFunc
	writer    *csvWriter

	entries       []Entry
	cumulative    float64
	warnAt        float64
	critAt        float64
	fullBudget    float64
	priorSpend    float64
	firedLevels   map[string]bool
	unknownWarned map[string]bool
	clock         func() time.Time
}

// Option customizes ledger construction.
type Option func(*Ledger)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logging.NewComponentLogger(logger, "ledger") }
}

// WithSink attaches an observability sink.
func WithSink(sink observability.Sink) Option {
	return func(l *Ledger) {
		if sink != nil {
			l.sink = sink
		}
	}
}

// WithAlertFunc installs the budget threshold callback.
func WithAlertFunc(alert AlertFunc) Option {
	return func(l *Ledger) { l.alert = alert }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithThresholds sets the warning and critical alert fractions. The elevated
// level stays fixed at 0.80.
func WithThresholds(warning, critical float64) Option {
	return func(l *Ledger) {
		if warning > 0 && warning < 1 {
			l.warnAt = warning
		}
		if critical > 0 && critical <= 1 {
			l.critAt = critical
		}
	}
}

// WithBudgetContext aligns alert fractions with the episode's original
// budget when the ledger opens mid-episode holding only the remaining funds.
// Alert levels already crossed by the prior spend fire on the first accepted
// entry of the resumed run.
func WithBudgetContext(originalBudget, spent float64) Option {
	return func(l *Ledger) {
		if originalBudget > 0 && spent >= 0 && spent <= originalBudget {
			l.fullBudget = originalBudget
			l.priorSpend = spent
		}
	}
}

// New opens a ledger for one episode. csvPath is the append-only audit log;
// the file is created with a header row when missing.
func New(episodeID string, budget float64, cat *catalog.Catalog, csvPath string, opts ...Option) (*Ledger, error) {
	if strings.TrimSpace(episodeID) == "" {
		return nil, fmt.Errorf("ledger: episode id required")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("ledger: budget must be positive, got %v", budget)
	}
	if cat == nil {
		return nil, fmt.Errorf("ledger: catalog required")
	}
	writer, err := newCSVWriter(csvPath)
	if err != nil {
		return nil, err
	}
	ledger := &Ledger{
		episodeID:     episodeID,
		budget:        budget,
		catalog:       cat,
		logger:        logging.NewNop(),
		sink:          observability.Noop(),
		writer:        writer,
		warnAt:        0.60,
		critAt:        0.90,
		fullBudget:    budget,
		firedLevels:   make(map[string]bool),
		unknownWarned: make(map[string]bool),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger, nil
}

// Close releases the CSV file handle and its lock.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}
	err := l.writer.Close()
	l.writer = nil
	return err
}

// Estimate computes the expected cost of an operation from catalog pricing.
// Unknown (provider, model) pairs fall back to documented default rates and
// log a warning once per pair.
func (l *Ledger) Estimate(provider, model string, usage Usage) float64 {
	pricing, ok := l.catalog.Pricing(provider, model)
	if !ok {
		l.warnUnknown(provider, model)
		return roundUpMicro(float64(usage.InputTokens)/1000*fallbackInputPer1K +
			float64(usage.OutputTokens)/1000*fallbackOutputPer1K)
	}
	if pricing.CharacterPriced() {
		return roundUpMicro(float64(usage.Characters) * pricing.CharacterRate)
	}
	return roundUpMicro(float64(usage.InputTokens)/1000*pricing.InputPer1K +
		float64(usage.OutputTokens)/1000*pricing.OutputPer1K)
}

// Track records a priced operation, estimating its cost from the catalog.
// It fails with a budget-exceeded error, recording nothing, when the entry
// would cross the episode budget.
func (l *Ledger) Track(agent, provider, model string, usage Usage, operation string) (float64, error) {
	return l.track(agent, provider, model, usage, operation, l.Estimate(provider, model, usage))
}

// TrackActual records a priced operation using the provider-reported cost
// instead of an estimate.
func (l *Ledger) TrackActual(agent, provider, model string, usage Usage, operation string, cost float64) (float64, error) {
	return l.track(agent, provider, model, usage, operation, roundUpMicro(cost))
}

func (l *Ledger) track(agent, provider, model string, usage Usage, operation string, cost float64) (float64, error) {
	cost, alerts, err := l.trackLocked(agent, provider, model, usage, operation, cost)
	if err != nil {
		return 0, err
	}
	// Alert callbacks run outside the critical section; the session's
	// callback posts a notification and must not stall concurrent Track
	// calls.
	if l.alert != nil {
		for _, fired := range alerts {
			l.alert(fired.level, fired.fraction, fired.remaining)
		}
	}
	return cost, nil
}

type firedAlert struct {
	level     string
	fraction  float64
	remaining float64
}

func (l *Ledger) trackLocked(agent, provider, model string, usage Usage, operation string, cost float64) (float64, []firedAlert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return 0, nil, fmt.Errorf("ledger: closed")
	}
	if l.cumulative+cost > l.budget {
		return 0, nil, services.Wrap(services.ErrBudgetExceeded, "", operation,
			fmt.Sprintf("cost %.6f would exceed budget %.2f (spent %.6f)", cost, l.budget, l.cumulative), nil)
	}

	entry := Entry{
		Timestamp:          l.clock().UTC(),
		EpisodeID:          l.episodeID,
		Agent:              agent,
		Provider:           provider,
		Model:              model,
		InputTokens:        usage.InputTokens,
		OutputTokens:       usage.OutputTokens,
		Characters:         usage.Characters,
		CostUSD:            cost,
		CumulativeCostUSD:  l.cumulative + cost,
		BudgetRemainingUSD: l.budget - l.cumulative - cost,
		Operation:          operation,
	}

	// The CSV append is part of the critical section: a failed write must not
	// leave the in-memory totals ahead of the audit log.
	if err := l.writer.Append(entry); err != nil {
		return 0, nil, fmt.Errorf("ledger: append audit row: %w", err)
	}

	l.cumulative = entry.CumulativeCostUSD
	l.entries = append(l.entries, entry)

	l.sink.LogCost(operation, cost, map[string]string{
		"episode_id": l.episodeID,
		"provider":   provider,
		"model":      model,
	})
	return cost, l.checkThresholdsLocked(), nil
}

// CanAfford reports whether an operation of the given cost fits the budget.
func (l *Ledger) CanAfford(cost float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cumulative+roundUpMicro(cost) <= l.budget
}

// Remaining returns the unspent budget in USD.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget - l.cumulative
}

// Total returns the cumulative spend in USD.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cumulative
}

// Budget returns the configured episode budget.
func (l *Ledger) Budget() float64 { return l.budget }

// Entries returns a copy of the accepted entries in order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Summary produces per-agent and per-provider totals.
func (l *Ledger) Summary() Breakdown {
	l.mu.Lock()
	defer l.mu.Unlock()

	breakdown := Breakdown{
		TotalUSD:     l.cumulative,
		RemainingUSD: l.budget - l.cumulative,
		ByAgent:      make(map[string]float64),
		ByProvider:   make(map[string]float64),
		Count:        len(l.entries),
	}
	for _, entry := range l.entries {
		breakdown.ByAgent[entry.Agent] += entry.CostUSD
		breakdown.ByProvider[entry.Provider] += entry.CostUSD
	}
	if breakdown.Count > 0 {
		breakdown.AverageUSD = breakdown.TotalUSD / float64(breakdown.Count)
	}
	return breakdown
}

// checkThresholdsLocked marks each budget alert level at most once and
// returns the levels crossed by this entry. Fractions are computed against
// the episode's full budget so resumed runs alert at the same absolute spend.
func (l *Ledger) checkThresholdsLocked() []firedAlert {
	fraction := (l.priorSpend + l.cumulative) / l.fullBudget
	levels := []struct {
		name      string
		threshold float64
	}{
		{AlertWarning, l.warnAt},
		{AlertElevated, 0.80},
		{AlertCritical, l.critAt},
	}
	var fired []firedAlert
	for _, level := range levels {
		if fraction < level.threshold || l.firedLevels[level.name] {
			continue
		}
		l.firedLevels[level.name] = true
		remaining := l.fullBudget - l.priorSpend - l.cumulative
		log := l.logger.Warn
		if level.name == AlertCritical {
			log = l.logger.Error
		}
		log("episode budget threshold crossed",
			logging.String(logging.FieldEpisodeID, l.episodeID),
			logging.String(logging.FieldEventType, "budget_threshold"),
			logging.String("level", level.name),
			logging.Float64("fraction_used", fraction),
			logging.Float64("remaining_usd", remaining),
		)
		l.sink.LogMetric("budget_fraction_used", fraction, map[string]string{"episode_id": l.episodeID})
		fired = append(fired, firedAlert{level: level.name, fraction: fraction, remaining: remaining})
	}
	return fired
}

func (l *Ledger) warnUnknown(provider, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := provider + "/" + model
	if l.unknownWarned[key] {
		return
	}
	l.unknownWarned[key] = true
	l.logger.Warn("no catalog pricing for provider/model, using fallback rates",
		logging.String(logging.FieldProvider, provider),
		logging.String(logging.FieldModel, model),
		logging.String(logging.FieldEventType, "pricing_fallback"),
		logging.String(logging.FieldErrorHint, "add the model to catalog pricing"),
	)
}
