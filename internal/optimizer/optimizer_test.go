package optimizer_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"showrunner/internal/catalog"
	"showrunner/internal/optimizer"
	"showrunner/internal/services"
)

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New()
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func TestPredictHonorsQualityFloor(t *testing.T) {
	p := optimizer.NewPredictor(newCatalog(t), nil, optimizer.StrategyQualityFirst)

	pred, err := p.Predict(context.Background(), optimizer.Request{
		Operation:       "script_writing",
		InputTokens:     1000,
		OutputTokens:    1000,
		RequiredQuality: 0.93,
		Budget:          1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if pred.Recommended.Provider != "anthropic" || pred.Recommended.Model != "claude-sonnet-4" {
		t.Fatalf("recommended %s/%s, want anthropic/claude-sonnet-4",
			pred.Recommended.Provider, pred.Recommended.Model)
	}
	for _, alt := range pred.Alternatives {
		if alt.QualityScore < 0.93 {
			t.Fatalf("alternative %s/%s below quality floor (%.2f)", alt.Provider, alt.Model, alt.QualityScore)
		}
	}
}

func TestPredictBudgetFirstPrefersCheaperModel(t *testing.T) {
	p := optimizer.NewPredictor(newCatalog(t), nil, optimizer.StrategyBudgetFirst)

	pred, err := p.Predict(context.Background(), optimizer.Request{
		Operation:       "script_writing",
		InputTokens:     1000,
		OutputTokens:    1000,
		RequiredQuality: 0.90,
		Budget:          0.05,
	})
	if err != nil {
		t.Fatal(err)
	}
	if pred.Recommended.Provider != "google" || pred.Recommended.Model != "gemini-2.0-pro" {
		t.Fatalf("recommended %s/%s, want google/gemini-2.0-pro",
			pred.Recommended.Provider, pred.Recommended.Model)
	}
}

func TestPredictRejectsImpossibleQuality(t *testing.T) {
	p := optimizer.NewPredictor(newCatalog(t), nil, optimizer.StrategyBalanced)
	_, err := p.Predict(context.Background(), optimizer.Request{
		Operation:       "script_writing",
		RequiredQuality: 0.99,
		Budget:          1,
	})
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}
}

func TestPredictFiltersByContextLimit(t *testing.T) {
	p := optimizer.NewPredictor(newCatalog(t), nil, optimizer.StrategyBalanced)
	pred, err := p.Predict(context.Background(), optimizer.Request{
		Operation:       "deep_research",
		InputTokens:     500000,
		OutputTokens:    4000,
		RequiredQuality: 0.5,
		Budget:          1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if pred.Recommended.Provider != "google" {
		t.Fatalf("recommended provider %s, want google (only 1M-token context fits)", pred.Recommended.Provider)
	}
	for _, alt := range pred.Alternatives {
		if alt.Provider != "google" {
			t.Fatalf("alternative %s/%s cannot hold 500k input tokens", alt.Provider, alt.Model)
		}
	}
}

func TestConfidenceImprovesWithConsistentHistory(t *testing.T) {
	history := optimizer.NewMemoryHistory()
	p := optimizer.NewPredictor(newCatalog(t), history, optimizer.StrategyQualityFirst)

	req := optimizer.Request{
		Operation:       "script_writing",
		InputTokens:     1000,
		OutputTokens:    1000,
		RequiredQuality: 0.93,
		Budget:          1,
	}
	base, err := p.Predict(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := history.Record(context.Background(), "script_writing", base.Recommended.EstimatedCost); err != nil {
			t.Fatal(err)
		}
	}
	informed, err := p.Predict(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if informed.Confidence <= base.Confidence {
		t.Fatalf("confidence %.3f with matching history, want above no-history %.3f",
			informed.Confidence, base.Confidence)
	}
}

func TestOptimizePipelineDowngradesOverBudgetStage(t *testing.T) {
	p := optimizer.NewPredictor(newCatalog(t), nil, optimizer.StrategyQualityFirst)

	plan, err := p.OptimizePipeline(context.Background(), []optimizer.StageEstimate{
		{Stage: "script_writing", Operation: "script_writing", InputTokens: 1000, OutputTokens: 1000, RequiredQuality: 0.90},
	}, 0.0065)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(plan.Stages))
	}
	stage := plan.Stages[0]
	if !stage.Downgraded {
		t.Fatal("expected downgrade under a tight per-stage budget")
	}
	if stage.Choice.Model != "gemini-2.0-pro" {
		t.Fatalf("downgraded to %s, want gemini-2.0-pro (cheapest acceptable)", stage.Choice.Model)
	}
	if plan.OverBudget() {
		t.Fatalf("plan cost $%.4f should fit budget $%.4f after downgrade", plan.EstimatedCost, plan.Budget)
	}
}

func TestOptimizePipelineWarnsWhenNothingFits(t *testing.T) {
	p := optimizer.NewPredictor(newCatalog(t), nil, optimizer.StrategyQualityFirst)

	plan, err := p.OptimizePipeline(context.Background(), []optimizer.StageEstimate{
		{Stage: "script_writing", Operation: "script_writing", InputTokens: 1000, OutputTokens: 1000, RequiredQuality: 0.90},
	}, 0.001)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Warnings) == 0 {
		t.Fatal("expected budget warnings")
	}
	if !plan.OverBudget() {
		t.Fatal("plan should report over budget")
	}
}

func TestMemoryHistoryKeepsBoundedRing(t *testing.T) {
	h := optimizer.NewMemoryHistory()
	for i := 0; i < 600; i++ {
		if err := h.Record(context.Background(), "tts", float64(i)); err != nil {
			t.Fatal(err)
		}
	}
	samples, err := h.Samples(context.Background(), "tts")
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 500 {
		t.Fatalf("samples = %d, want 500", len(samples))
	}
	if samples[0] != 100 {
		t.Fatalf("oldest retained sample = %v, want 100", samples[0])
	}
}

func TestMLPredictorLearnsLinearCost(t *testing.T) {
	hour := 0
	clock := func() time.Time {
		return time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC)
	}
	ml := optimizer.NewMLPredictor(5).WithMLClock(clock)

	const perToken = 1e-6
	const perHour = 0.001
	// Hours jump in steps of 7 so the token and hour features are not
	// collinear and the fit is well determined.
	for i := 1; i <= 12; i++ {
		hour = (i * 7) % 24
		tokens := i * 1000
		ml.Observe(tokens, perToken*float64(tokens)+perHour*float64(hour))
	}

	hour = 12
	forecast, ok := ml.Forecast(20000)
	if !ok {
		t.Fatal("model should be trained after 12 samples")
	}
	want := perToken*20000 + perHour*12
	if math.Abs(forecast.Cost-want) > 1e-6 {
		t.Fatalf("forecast %.6f, want %.6f", forecast.Cost, want)
	}
	if forecast.High-forecast.Low > 1e-3 {
		t.Fatalf("confidence interval [%.6f, %.6f] too wide for noiseless data", forecast.Low, forecast.High)
	}
}

func TestMLPredictorUntrainedBelowMinimumSamples(t *testing.T) {
	ml := optimizer.NewMLPredictor(2)
	for i := 0; i < 5; i++ {
		ml.Observe(1000, 0.01)
	}
	if _, ok := ml.Forecast(1000); ok {
		t.Fatal("model trained on fewer than the minimum samples")
	}
}
