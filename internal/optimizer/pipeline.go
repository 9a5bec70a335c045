package optimizer

import (
	"context"
	"fmt"
)

// StageEstimate describes one pipeline stage's expected usage.
type StageEstimate struct {
	Stage           string
	Operation       string
	InputTokens     int
	OutputTokens    int
	RequiredQuality float64
}

// StagePlan is the per-stage outcome of pipeline optimization.
type StagePlan struct {
	Stage         string
	Choice        Choice
	Downgraded    bool
	EstimatedCost float64
}

// PipelinePlan aggregates the per-stage plans.
type PipelinePlan struct {
	Stages        []StagePlan
	EstimatedCost float64
	Budget        float64
	Warnings      []string
}

// OverBudget reports whether the summed predictions exceed the budget.
func (p *PipelinePlan) OverBudget() bool {
	return p.EstimatedCost > p.Budget
}

// OptimizePipeline predicts each stage against an even share of the total
// budget and downgrades to the cheapest acceptable alternative when a stage's
// recommendation alone would blow its share.
func (p *Predictor) OptimizePipeline(ctx context.Context, stages []StageEstimate, totalBudget float64) (*PipelinePlan, error) {
	if len(stages) == 0 {
		return &PipelinePlan{Budget: totalBudget}, nil
	}
	perStage := totalBudget / float64(len(stages))

	plan := &PipelinePlan{Budget: totalBudget}
	for _, stage := range stages {
		pred, err := p.Predict(ctx, Request{
			Operation:       stage.Operation,
			InputTokens:     stage.InputTokens,
			OutputTokens:    stage.OutputTokens,
			RequiredQuality: stage.RequiredQuality,
			Budget:          perStage,
		})
		if err != nil {
			return nil, fmt.Errorf("optimize stage %s: %w", stage.Stage, err)
		}

		choice := pred.Recommended
		downgraded := false
		if choice.EstimatedCost > perStage {
			if cheaper, ok := cheapestUnder(pred, perStage); ok {
				choice = cheaper
				downgraded = true
			} else {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf(
					"stage %s: no candidate under per-stage budget $%.4f (cheapest $%.4f)",
					stage.Stage, perStage, cheapestCost(pred)))
			}
		}

		plan.Stages = append(plan.Stages, StagePlan{
			Stage:         stage.Stage,
			Choice:        choice,
			Downgraded:    downgraded,
			EstimatedCost: choice.EstimatedCost,
		})
		plan.EstimatedCost += choice.EstimatedCost
	}

	if plan.OverBudget() {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"predicted pipeline cost $%.4f exceeds budget $%.4f", plan.EstimatedCost, plan.Budget))
	}
	return plan, nil
}

func cheapestUnder(pred *Prediction, budget float64) (Choice, bool) {
	best := Choice{}
	found := false
	for _, c := range append([]Choice{pred.Recommended}, pred.Alternatives...) {
		if c.EstimatedCost > budget {
			continue
		}
		if !found || c.EstimatedCost < best.EstimatedCost {
			best = c
			found = true
		}
	}
	return best, found
}

func cheapestCost(pred *Prediction) float64 {
	best := pred.Recommended.EstimatedCost
	for _, c := range pred.Alternatives {
		if c.EstimatedCost < best {
			best = c.EstimatedCost
		}
	}
	return best
}
