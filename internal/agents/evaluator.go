package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"showrunner/internal/failover"
	"showrunner/internal/ledger"
	"showrunner/internal/logging"
	"showrunner/internal/services"
	"showrunner/internal/stage"
)

// Evaluator stage names in the default graph.
const (
	StageEvaluatorClaude = "evaluator_claude"
	StageEvaluatorGemini = "evaluator_gemini"
)

// DefaultDimensions are the 0-10 scored dimensions every evaluator is asked
// to grade. Gate dimensions on the 0-1 scale (research depth, source
// authority, fact accuracy) are requested alongside them.
var DefaultDimensions = []string{
	"comprehension",
	"engagement",
	"brand_consistency",
	"technical_accuracy",
}

// GateDimensions are the 0-1 scored dimensions the approval gate inspects
// individually.
var GateDimensions = []string{
	"research_depth",
	"source_authority",
	"fact_accuracy",
}

// Evaluator grades a finished script and returns dimension scores plus an
// approve/revise/reject recommendation for the quality gate.
type Evaluator struct {
	name    string
	manager *failover.Manager
	logger  *slog.Logger
}

// NewEvaluator builds the handler for one evaluator stage.
func NewEvaluator(name string, manager *failover.Manager, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Evaluator{
		name:    name,
		manager: manager,
		logger:  logging.NewComponentLogger(logger, name),
	}
}

func (e *Evaluator) Name() string { return e.name }

func (e *Evaluator) Prepare(_ context.Context, req *stage.Request) error {
	if req.Ledger == nil {
		return fmt.Errorf("%s: ledger required", e.name)
	}
	if strings.TrimSpace(req.Document.Persistent.ScriptText) == "" {
		return services.Wrap(services.ErrStateValidation, e.name, e.name, "no script text to evaluate", nil)
	}
	return nil
}

func (e *Evaluator) Execute(ctx context.Context, req *stage.Request) (*stage.Result, error) {
	resp, err := e.manager.Execute(ctx, failover.Request{
		Operation:     e.name,
		Model:         req.Model,
		EstimatedCost: req.EstimatedCost,
		Payload: map[string]any{
			"stage":      e.name,
			"topic":      req.Document.Persistent.Topic,
			"script":     req.Document.Persistent.ScriptText,
			"dimensions": append(append([]string{}, DefaultDimensions...), GateDimensions...),
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	scores, recommendation, err := parseVerdict(resp.Output)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, e.name, e.name, "malformed evaluator response", err)
	}

	usage := ledger.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	cost, err := req.Ledger.Track("evaluator", resp.Provider, resp.Model, usage, e.name)
	if err != nil {
		return nil, err
	}

	e.logger.Info("evaluation complete",
		logging.String(logging.FieldEpisodeID, req.Episode.EpisodeID),
		logging.String(logging.FieldProvider, resp.Provider),
		logging.String("recommendation", string(recommendation)),
		logging.Float64(logging.FieldCostUSD, cost),
	)
	return &stage.Result{
		OutputRef:      e.name,
		Scores:         scores,
		Recommendation: recommendation,
		CostUSD:        cost,
	}, nil
}

func (e *Evaluator) HealthCheck(context.Context) stage.Health {
	if e.manager == nil {
		return stage.Unhealthy(e.name, "no failover manager configured")
	}
	if _, err := e.manager.SelectProvider(""); err != nil {
		return stage.Unhealthy(e.name, "no provider available")
	}
	return stage.Healthy(e.name)
}

// parseVerdict decodes the evaluator envelope: a scores mapping plus one of
// the three recommendation verdicts.
func parseVerdict(output any) (map[string]float64, stage.Recommendation, error) {
	envelope, ok := output.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("expected object, got %T", output)
	}
	raw, ok := envelope["scores"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, "", fmt.Errorf("scores missing")
	}
	scores := make(map[string]float64, len(raw))
	for dimension, value := range raw {
		number, ok := value.(float64)
		if !ok {
			return nil, "", fmt.Errorf("score %s is not numeric", dimension)
		}
		scores[dimension] = number
	}

	verdict, _ := envelope["recommendation"].(string)
	recommendation := stage.Recommendation(strings.ToLower(strings.TrimSpace(verdict)))
	switch recommendation {
	case stage.RecommendApprove, stage.RecommendRevise, stage.RecommendReject:
		return scores, recommendation, nil
	default:
		return nil, "", fmt.Errorf("unknown recommendation %q", verdict)
	}
}
