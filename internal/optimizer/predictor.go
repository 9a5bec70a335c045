package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"showrunner/internal/catalog"
	"showrunner/internal/logging"
	"showrunner/internal/services"
)

// Strategy names accepted by the predictor.
const (
	StrategyQualityFirst = "quality_first"
	StrategyBudgetFirst  = "budget_first"
	StrategySpeedFirst   = "speed_first"
	StrategyBalanced     = "balanced"
)

// maxScoreLatencyMS caps the latency term of the candidate score.
const maxScoreLatencyMS = 10000.0

// Request describes one operation to price.
type Request struct {
	Operation       string
	InputTokens     int
	OutputTokens    int
	RequiredQuality float64
	Budget          float64
	// Strategy overrides the predictor default when set.
	Strategy string
}

// Choice is one scored (provider, model) candidate.
type Choice struct {
	Provider      string
	Model         string
	EstimatedCost float64
	QualityScore  float64
	LatencyMS     int
	Score         float64
}

// Prediction is the recommendation for one operation.
type Prediction struct {
	Recommended  Choice
	Alternatives []Choice
	Confidence   float64
}

// Predictor scores catalog entries against a strategy. It never spends money
// itself; callers still clear every call through the ledger.
type Predictor struct {
	catalog  *catalog.Catalog
	history  History
	strategy string
	logger   *slog.Logger
	ml       *MLPredictor
}

// PredictorOption customizes construction.
type PredictorOption func(*Predictor)

// WithPredictorLogger sets the structured logger.
func WithPredictorLogger(logger *slog.Logger) PredictorOption {
	return func(p *Predictor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithML enables the trained refinement model.
func WithML(ml *MLPredictor) PredictorOption {
	return func(p *Predictor) { p.ml = ml }
}

// NewPredictor builds a predictor over the catalog. History may be nil, in
// which case an in-memory one is used.
func NewPredictor(cat *catalog.Catalog, history History, strategy string, opts ...PredictorOption) *Predictor {
	if history == nil {
		history = NewMemoryHistory()
	}
	if strategy == "" {
		strategy = StrategyBalanced
	}
	p := &Predictor{
		catalog:  cat,
		history:  history,
		strategy: strategy,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EstimateCost prices one candidate for the request's token counts.
func EstimateCost(entry catalog.ModelPricing, inputTokens, outputTokens int) float64 {
	if entry.CharacterPriced() {
		// TTS entries are priced per character; token counts approximate
		// script characters at roughly four per token.
		return float64(inputTokens*4) * entry.CharacterRate
	}
	return float64(inputTokens)/1000*entry.InputPer1K + float64(outputTokens)/1000*entry.OutputPer1K
}

// Predict filters, scores, and ranks catalog entries for the request.
func (p *Predictor) Predict(ctx context.Context, req Request) (*Prediction, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = p.strategy
	}
	wq, wc, wl, err := strategyWeights(strategy)
	if err != nil {
		return nil, err
	}
	budget := req.Budget
	if budget <= 0 {
		budget = 1 // avoid division by zero; scores stay comparable
	}

	var candidates []Choice
	for _, entry := range p.catalog.ListModels("") {
		if entry.QualityScore < req.RequiredQuality {
			continue
		}
		if entry.ContextLimit > 0 && req.InputTokens > entry.ContextLimit {
			continue
		}
		cost := EstimateCost(entry, req.InputTokens, req.OutputTokens)
		costTerm := 1 - cost/budget
		if costTerm < 0 {
			costTerm = 0
		}
		latency := float64(entry.MinLatencyMS)
		if latency > maxScoreLatencyMS {
			latency = maxScoreLatencyMS
		}
		candidates = append(candidates, Choice{
			Provider:      entry.Provider,
			Model:         entry.Model,
			EstimatedCost: cost,
			QualityScore:  entry.QualityScore,
			LatencyMS:     entry.MinLatencyMS,
			Score:         wq*entry.QualityScore + wc*costTerm + wl*(1-latency/maxScoreLatencyMS),
		})
	}
	if len(candidates) == 0 {
		return nil, services.Wrap(services.ErrPermanent, "", req.Operation,
			fmt.Sprintf("no model satisfies quality %.2f within context %d tokens", req.RequiredQuality, req.InputTokens), nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	pred := &Prediction{Recommended: candidates[0], Confidence: p.confidence(ctx, req, candidates[0])}
	limit := 4
	if len(candidates) < limit {
		limit = len(candidates)
	}
	pred.Alternatives = candidates[1:limit]

	if p.ml != nil {
		if forecast, ok := p.ml.Forecast(req.InputTokens + req.OutputTokens); ok {
			p.logger.Debug("ml cost forecast",
				logging.String("operation", req.Operation),
				logging.Float64("base_estimate", pred.Recommended.EstimatedCost),
				logging.Float64("ml_estimate", forecast.Cost),
				logging.Float64("ci_low", forecast.Low),
				logging.Float64("ci_high", forecast.High))
			// Refine the headline estimate; the per-candidate costs stay
			// catalog-derived for comparability.
			pred.Recommended.EstimatedCost = (pred.Recommended.EstimatedCost + forecast.Cost) / 2
		}
	}
	return pred, nil
}

// confidence starts high and drops with the relative deviation between the
// estimate and the historical average for this operation.
func (p *Predictor) confidence(ctx context.Context, req Request, best Choice) float64 {
	confidence := 0.9
	avg, ok, err := p.history.Average(ctx, req.Operation)
	if err != nil {
		p.logger.Warn("cost history unavailable",
			logging.String("operation", req.Operation),
			logging.Error(err))
		return 0.5
	}
	if !ok || avg <= 0 {
		return confidence * 0.8 // no history yet
	}
	deviation := math.Abs(best.EstimatedCost-avg) / avg
	if deviation > 1 {
		deviation = 1
	}
	return confidence * (1 - 0.5*deviation)
}

// RecordActual feeds a completed operation's real cost back into history and
// the ML model when enabled.
func (p *Predictor) RecordActual(ctx context.Context, operation string, tokens int, cost float64) error {
	if err := p.history.Record(ctx, operation, cost); err != nil {
		return err
	}
	if p.ml != nil {
		p.ml.Observe(tokens, cost)
	}
	return nil
}

func strategyWeights(strategy string) (quality, cost, latency float64, err error) {
	switch strategy {
	case StrategyQualityFirst:
		return 0.7, 0.2, 0.1, nil
	case StrategyBudgetFirst:
		return 0.2, 0.7, 0.1, nil
	case StrategySpeedFirst:
		return 0.2, 0.1, 0.7, nil
	case StrategyBalanced:
		return 0.4, 0.4, 0.2, nil
	default:
		return 0, 0, 0, fmt.Errorf("unknown optimizer strategy %q", strategy)
	}
}
