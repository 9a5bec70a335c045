package pipeline_test

import (
	"strings"
	"testing"

	"showrunner/internal/config"
	"showrunner/internal/pipeline"
	"showrunner/internal/stage"
)

func gateQuality() config.Quality {
	return config.Quality{
		MinAverageScore: 8.0,
		ResearchDepth:   0.9,
		SourceAuthority: 0.9,
		FactAccuracy:    1.0,
	}
}

func verdict(rec stage.Recommendation, scores map[string]float64) *stage.Result {
	return &stage.Result{Recommendation: rec, Scores: scores}
}

func passingScores() map[string]float64 {
	return map[string]float64{
		"comprehension":      8.5,
		"engagement":         8.4,
		"brand_consistency":  8.6,
		"technical_accuracy": 8.7,
		"research_depth":     0.95,
		"source_authority":   0.93,
		"fact_accuracy":      1.0,
	}
}

func TestEvaluateGateApprovesUnanimousPass(t *testing.T) {
	results := map[string]*stage.Result{
		"evaluator_claude": verdict(stage.RecommendApprove, passingScores()),
		"evaluator_gemini": verdict(stage.RecommendApprove, passingScores()),
	}
	decision := pipeline.EvaluateGate(results, gateQuality())
	if decision.Verdict != stage.RecommendApprove {
		t.Fatalf("expected approve, got %s (%s)", decision.Verdict, decision.Reason())
	}
	if decision.Average < 8.0 {
		t.Fatalf("expected passing average, got %.2f", decision.Average)
	}
}

func TestEvaluateGateRejectsWhenAnyEvaluatorRejects(t *testing.T) {
	results := map[string]*stage.Result{
		"evaluator_claude": verdict(stage.RecommendApprove, passingScores()),
		"evaluator_gemini": verdict(stage.RecommendReject, passingScores()),
	}
	decision := pipeline.EvaluateGate(results, gateQuality())
	if decision.Verdict != stage.RecommendReject {
		t.Fatalf("expected reject, got %s", decision.Verdict)
	}
	if !strings.Contains(decision.Reason(), "evaluator_gemini") {
		t.Fatalf("reason should name the rejecting evaluator: %s", decision.Reason())
	}
}

func TestEvaluateGateRevisesOnLowAverage(t *testing.T) {
	low := passingScores()
	low["engagement"] = 4.0
	low["comprehension"] = 5.0
	results := map[string]*stage.Result{
		"evaluator_claude": verdict(stage.RecommendApprove, low),
		"evaluator_gemini": verdict(stage.RecommendApprove, low),
	}
	decision := pipeline.EvaluateGate(results, gateQuality())
	if decision.Verdict != stage.RecommendRevise {
		t.Fatalf("expected revise, got %s", decision.Verdict)
	}
	if !strings.Contains(decision.Reason(), "average score") {
		t.Fatalf("reason should mention the average: %s", decision.Reason())
	}
}

func TestEvaluateGateTakesMinimumGateDimensionAcrossEvaluators(t *testing.T) {
	strict := passingScores()
	lenient := passingScores()
	strict["fact_accuracy"] = 0.9
	results := map[string]*stage.Result{
		"evaluator_claude": verdict(stage.RecommendApprove, lenient),
		"evaluator_gemini": verdict(stage.RecommendApprove, strict),
	}
	decision := pipeline.EvaluateGate(results, gateQuality())
	if decision.Verdict != stage.RecommendRevise {
		t.Fatalf("a single failing fact-accuracy floor must force revision, got %s", decision.Verdict)
	}
	if !strings.Contains(decision.Reason(), "fact_accuracy") {
		t.Fatalf("reason should name the failing dimension: %s", decision.Reason())
	}
}

func TestEvaluateGateRevisesWhenAnyEvaluatorAsksForRevision(t *testing.T) {
	results := map[string]*stage.Result{
		"evaluator_claude": verdict(stage.RecommendRevise, passingScores()),
		"evaluator_gemini": verdict(stage.RecommendApprove, passingScores()),
	}
	decision := pipeline.EvaluateGate(results, gateQuality())
	if decision.Verdict != stage.RecommendRevise {
		t.Fatalf("expected revise, got %s", decision.Verdict)
	}
	if !strings.Contains(decision.Reason(), "evaluator_claude asked for revision") {
		t.Fatalf("unexpected reason: %s", decision.Reason())
	}
}

func TestEvaluateGateRejectsWithoutEvaluatorResults(t *testing.T) {
	decision := pipeline.EvaluateGate(nil, gateQuality())
	if decision.Verdict != stage.RecommendReject {
		t.Fatalf("expected reject with no results, got %s", decision.Verdict)
	}
}
