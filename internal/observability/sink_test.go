package observability_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"showrunner/internal/observability"
)

func TestNoopSinkIsSafe(t *testing.T) {
	sink := observability.Noop()
	span := sink.Trace("research_discovery", map[string]string{"episode": "ep_001"})
	if span.ID() == "" {
		t.Fatal("expected span ID even from noop sink")
	}
	span.End(nil)
	sink.LogCost("script_draft", 0.42, nil)
	sink.LogMetric("provider_latency_ms", 212, map[string]string{"provider": "anthropic"})
	sink.Score(span.ID(), "fact_accuracy", 1.0)
}

func TestPrometheusSinkRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := observability.NewPrometheusSink(reg)
	if err != nil {
		t.Fatalf("NewPrometheusSink failed: %v", err)
	}

	span := sink.Trace("tts_synthesis", nil)
	span.End(errors.New("boom"))
	sink.LogCost("tts_synthesis", 0.45, nil)
	sink.LogMetric("health_score", 0.97, map[string]string{"provider": "elevenlabs"})
	sink.Score("t", "average", 8.4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := make(map[string]bool)
	for _, family := range families {
		found[family.GetName()] = true
	}
	for _, name := range []string{
		"showrunner_operation_duration_seconds",
		"showrunner_operation_errors_total",
		"showrunner_stage_cost_usd_total",
		"showrunner_metric",
		"showrunner_quality_score",
	} {
		if !found[name] {
			t.Fatalf("expected metric family %s to be registered", name)
		}
	}
}

func TestPrometheusSinkDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := observability.NewPrometheusSink(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := observability.NewPrometheusSink(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
