package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"showrunner/internal/agents"
	"showrunner/internal/config"
	"showrunner/internal/stage"
)

// GateDecision is the composite verdict over all evaluator results.
type GateDecision struct {
	Verdict stage.Recommendation
	Average float64
	Reasons []string
}

// EvaluateGate folds the evaluator results into one verdict: any reject
// rejects; unanimous approval passes only when the dimension averages and
// the per-dimension floors all clear the configured thresholds; anything
// else asks for a revision. Gate dimensions (0-1 scale) take the minimum
// across evaluators so one lenient grader cannot mask a failing one.
func EvaluateGate(results map[string]*stage.Result, quality config.Quality) GateDecision {
	decision := GateDecision{Verdict: stage.RecommendApprove}
	if len(results) == 0 {
		return GateDecision{Verdict: stage.RecommendReject, Reasons: []string{"no evaluator results"}}
	}

	gateDims := make(map[string]bool, len(agents.GateDimensions))
	for _, dim := range agents.GateDimensions {
		gateDims[dim] = true
	}

	var sum float64
	var count int
	floors := map[string]float64{}
	allApprove := true

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := results[name]
		switch result.Recommendation {
		case stage.RecommendReject:
			return GateDecision{
				Verdict: stage.RecommendReject,
				Reasons: []string{fmt.Sprintf("%s rejected the script", name)},
			}
		case stage.RecommendApprove:
		default:
			allApprove = false
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s asked for revision", name))
		}

		for dim, score := range result.Scores {
			if gateDims[dim] {
				if current, ok := floors[dim]; !ok || score < current {
					floors[dim] = score
				}
				continue
			}
			sum += score
			count++
		}
	}

	if count > 0 {
		decision.Average = sum / float64(count)
	}
	if decision.Average < quality.MinAverageScore {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("average score %.2f below %.2f", decision.Average, quality.MinAverageScore))
	}
	checks := []struct {
		dim   string
		floor float64
	}{
		{"research_depth", quality.ResearchDepth},
		{"source_authority", quality.SourceAuthority},
		{"fact_accuracy", quality.FactAccuracy},
	}
	for _, check := range checks {
		if check.floor <= 0 {
			continue
		}
		if floors[check.dim] < check.floor {
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("%s %.2f below %.2f", check.dim, floors[check.dim], check.floor))
		}
	}

	if allApprove && len(decision.Reasons) == 0 {
		return decision
	}
	decision.Verdict = stage.RecommendRevise
	return decision
}

// Reason renders the decision reasons for review messages.
func (d GateDecision) Reason() string {
	if len(d.Reasons) == 0 {
		return string(d.Verdict)
	}
	return strings.Join(d.Reasons, "; ")
}
