package agents_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"showrunner/internal/agents"
	"showrunner/internal/catalog"
	"showrunner/internal/config"
	"showrunner/internal/episode"
	"showrunner/internal/failover"
	"showrunner/internal/ledger"
	"showrunner/internal/services"
	"showrunner/internal/stage"
	"showrunner/internal/state"
	"showrunner/internal/testsupport"
)

func testProvider(name string) config.Provider {
	return config.Provider{
		Name:                   name,
		BaseURL:                "http://" + name + ".test",
		Models:                 []string{"claude-sonnet-4", "eleven_turbo_v2_5"},
		Priority:               1,
		Weight:                 1,
		TimeoutSeconds:         5,
		FailureThreshold:       3,
		SuccessThreshold:       2,
		RecoveryTimeoutSeconds: 60,
	}
}

func newManager(t *testing.T, call failover.Call) *failover.Manager {
	return newNamedManager(t, "anthropic", call)
}

func newNamedManager(t *testing.T, name string, call failover.Call) *failover.Manager {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Providers = []config.Provider{testProvider(name)}
	mgr, err := failover.NewManager(cfg, call)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func newLedger(t *testing.T, budget float64) *ledger.Ledger {
	t.Helper()
	cat, err := catalog.New()
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	led, err := ledger.New("ep-0001", budget, cat, filepath.Join(t.TempDir(), "costs.csv"))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func newRequest(t *testing.T, led *ledger.Ledger, patch map[string]any) *stage.Request {
	t.Helper()
	doc := state.NewDocument("ep-0001", "the mystery of dark matter", 5.0, time.Now().UTC())
	for key, value := range patch {
		switch key {
		case "script_text":
			doc.Persistent.ScriptText = value.(string)
		default:
			doc.Persistent.Metadata[key] = value
		}
	}
	return &stage.Request{
		Episode:  &episode.Episode{EpisodeID: "ep-0001", Topic: doc.Persistent.Topic},
		Document: doc,
		Ledger:   led,
		Model:    "claude-sonnet-4",
	}
}

func jsonResponse(output any, inputTokens, outputTokens int) *failover.Response {
	return &failover.Response{
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

func TestResearchDiscoveryBillsAndStoresOutput(t *testing.T) {
	var calls int
	mgr := newManager(t, func(_ context.Context, _ config.Provider, req failover.Request) (*failover.Response, error) {
		calls++
		if req.Operation != agents.StageResearchDiscovery {
			t.Fatalf("unexpected operation %q", req.Operation)
		}
		return jsonResponse(map[string]any{"findings": "nobody knows"}, 1200, 800), nil
	})
	led := newLedger(t, 5.0)
	handler := agents.NewResearch(agents.StageResearchDiscovery, mgr, nil, nil)

	req := newRequest(t, led, nil)
	if err := handler.Prepare(context.Background(), req); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	result, err := handler.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", calls)
	}
	if _, ok := result.Output[agents.StageResearchDiscovery]; !ok {
		t.Fatal("expected discovery output under the stage key")
	}
	if result.CostUSD <= 0 {
		t.Fatalf("expected positive billed cost, got %v", result.CostUSD)
	}
	if led.Total() != result.CostUSD {
		t.Fatalf("ledger total %v does not match billed cost %v", led.Total(), result.CostUSD)
	}
}

func TestResearchServesRepeatQueryFromCache(t *testing.T) {
	var calls int
	mgr := newManager(t, func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		calls++
		return jsonResponse("initial findings", 1000, 500), nil
	})
	led := newLedger(t, 5.0)
	cache := agents.NewCache(16, time.Hour)
	handler := agents.NewResearch(agents.StageResearchDiscovery, mgr, cache, nil)

	first, err := handler.Execute(context.Background(), newRequest(t, led, nil))
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := handler.Execute(context.Background(), newRequest(t, led, nil))
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cache to absorb the repeat call, got %d provider calls", calls)
	}
	if second.CostUSD != 0 {
		t.Fatalf("cache hit must not bill, got %v", second.CostUSD)
	}
	if led.Total() != first.CostUSD {
		t.Fatalf("ledger total %v changed after cache hit", led.Total())
	}
}

func TestResearchDeepDiveRequiresDiscoveryOutput(t *testing.T) {
	mgr := newManager(t, func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	})
	handler := agents.NewResearch(agents.StageResearchDeepDive, mgr, nil, nil)
	err := handler.Prepare(context.Background(), newRequest(t, newLedger(t, 5.0), nil))
	if !errors.Is(err, services.ErrStateValidation) {
		t.Fatalf("expected state validation error, got %v", err)
	}
}

func TestScriptDraftExtractsTextFromEnvelope(t *testing.T) {
	mgr := newManager(t, func(_ context.Context, _ config.Provider, req failover.Request) (*failover.Response, error) {
		if req.Payload["research"] == nil {
			t.Fatal("expected synthesized research in payload")
		}
		return jsonResponse(map[string]any{"script": "Welcome to Nobody Knows."}, 2000, 3000), nil
	})
	led := newLedger(t, 5.0)
	handler := agents.NewScript(agents.StageScriptDraft, mgr, nil)

	req := newRequest(t, led, map[string]any{agents.StageResearchSynthesis: "summary"})
	if err := handler.Prepare(context.Background(), req); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	result, err := handler.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output["script_text"] != "Welcome to Nobody Knows." {
		t.Fatalf("unexpected script output: %v", result.Output)
	}
}

func TestScriptRejectsEmptyProviderOutput(t *testing.T) {
	mgr := newManager(t, func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		return jsonResponse("", 10, 0), nil
	})
	led := newLedger(t, 5.0)
	handler := agents.NewScript(agents.StageScriptPolish, mgr, nil)

	req := newRequest(t, led, map[string]any{"script_text": "existing draft"})
	_, err := handler.Execute(context.Background(), req)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error for empty script, got %v", err)
	}
	if led.Total() != 0 {
		t.Fatalf("rejected output must not bill, ledger total %v", led.Total())
	}
}

func TestEvaluatorParsesScoresAndRecommendation(t *testing.T) {
	mgr := newManager(t, func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		return jsonResponse(map[string]any{
			"scores": map[string]any{
				"comprehension": 8.5,
				"engagement":    8.0,
				"fact_accuracy": 1.0,
			},
			"recommendation": "Approve",
		}, 3000, 400), nil
	})
	led := newLedger(t, 5.0)
	handler := agents.NewEvaluator(agents.StageEvaluatorClaude, mgr, nil)

	req := newRequest(t, led, map[string]any{"script_text": "final draft"})
	result, err := handler.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Recommendation != stage.RecommendApprove {
		t.Fatalf("expected approve, got %q", result.Recommendation)
	}
	if result.Scores["comprehension"] != 8.5 {
		t.Fatalf("unexpected scores: %v", result.Scores)
	}
}

func TestEvaluatorRejectsMalformedVerdict(t *testing.T) {
	mgr := newManager(t, func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		return jsonResponse(map[string]any{"scores": map[string]any{"comprehension": 8.0}, "recommendation": "maybe"}, 100, 50), nil
	})
	led := newLedger(t, 5.0)
	handler := agents.NewEvaluator(agents.StageEvaluatorGemini, mgr, nil)

	req := newRequest(t, led, map[string]any{"script_text": "final draft"})
	_, err := handler.Execute(context.Background(), req)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if led.Total() != 0 {
		t.Fatalf("malformed verdict must not bill, ledger total %v", led.Total())
	}
}

func TestTTSWritesAudioAndBillsCharacters(t *testing.T) {
	audio := bytes.Repeat([]byte{0xFF}, 4096)
	mgr := newNamedManager(t, "elevenlabs", func(_ context.Context, _ config.Provider, req failover.Request) (*failover.Response, error) {
		if req.Payload["text"] == "" {
			t.Fatal("expected script text in payload")
		}
		return &failover.Response{Output: audio, Characters: 15000}, nil
	})
	cfg := testsupport.NewConfig(t)
	led := newLedger(t, 5.0)
	handler := agents.NewTTS(cfg, mgr, nil, agents.WithVoiceID("test-voice"))

	req := newRequest(t, led, map[string]any{"script_text": "a long narrated script"})
	req.Model = "eleven_turbo_v2_5"
	if err := handler.Prepare(context.Background(), req); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	result, err := handler.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	path, ok := result.Output["audio_path"].(string)
	if !ok || path == "" {
		t.Fatalf("expected audio path in output, got %v", result.Output)
	}
	if filepath.Dir(path) != cfg.Paths.AudioDir {
		t.Fatalf("audio written outside audio dir: %s", path)
	}
	if result.CostUSD <= 0 {
		t.Fatalf("expected character-priced cost, got %v", result.CostUSD)
	}
}

func TestTTSRejectsUndersizedAudio(t *testing.T) {
	mgr := newManager(t, func(context.Context, config.Provider, failover.Request) (*failover.Response, error) {
		return &failover.Response{Output: []byte("short")}, nil
	})
	cfg := testsupport.NewConfig(t)
	led := newLedger(t, 5.0)
	handler := agents.NewTTS(cfg, mgr, nil, agents.WithVoiceID("test-voice"))

	req := newRequest(t, led, map[string]any{"script_text": "a narrated script"})
	_, err := handler.Execute(context.Background(), req)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error for undersized audio, got %v", err)
	}
	if led.Total() != 0 {
		t.Fatalf("rejected audio must not bill, ledger total %v", led.Total())
	}
}
