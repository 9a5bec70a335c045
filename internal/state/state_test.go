package state_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"showrunner/internal/services"
	"showrunner/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	doc := state.NewDocument("ep-2026-001", "why planes stay up", 5.00, time.Now())
	s, err := state.NewStore(t.TempDir(), doc)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newStore(t)
	if err := s.UpdatePersistent(map[string]any{
		"current_stage": "script_writing",
		"script_text":   "draft one",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTransient(map[string]any{"active_agent": "script_writer", "retry_count": 1}); err != nil {
		t.Fatal(err)
	}

	id, err := s.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "checkpoint_script_writing_") || !strings.HasSuffix(id, ".json") {
		t.Fatalf("checkpoint id = %q", id)
	}

	if err := s.UpdatePersistent(map[string]any{"script_text": "draft two"}); err != nil {
		t.Fatal(err)
	}
	s.ClearTransient()

	if err := s.Restore(id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	doc := s.Document()
	if doc.Persistent.ScriptText != "draft one" {
		t.Fatalf("script_text = %q, want draft one", doc.Persistent.ScriptText)
	}
	if doc.Transient.ActiveAgent != "script_writer" || doc.Transient.RetryCount != 1 {
		t.Fatalf("transient partition not restored: %+v", doc.Transient)
	}
}

func TestRestoreRejectsTamperedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	doc := state.NewDocument("ep-2026-002", "octopus camouflage", 5.00, time.Now())
	s, err := state.NewStore(dir, doc)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "octopus camouflage", "edited topic", 1)
	if tampered == string(data) {
		t.Fatal("tamper target not found in checkpoint")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	err = s.Restore(id)
	if !errors.Is(err, services.ErrStateMigration) {
		t.Fatalf("error = %v, want ErrStateMigration", err)
	}
	if !strings.Contains(err.Error(), "integrity check failed") {
		t.Fatalf("error %q should name the integrity failure", err)
	}
	if got := s.Document().Persistent.Topic; got != "octopus camouflage" {
		t.Fatalf("live document mutated after failed restore: topic = %q", got)
	}
}

func TestLoadMigratesV1FlatDocument(t *testing.T) {
	raw := map[string]any{
		"version":       "1.0.0",
		"episode_id":    "ep-2024-042",
		"topic":         "how anesthesia works",
		"budget_limit":  4.50,
		"current_stage": "audio_synthesis",
		"quality_scores": map[string]any{
			"script_writing": 8.4,
		},
		"active_agent":  "tts_driver",
		"retry_count":   2,
		"error_context": "elevenlabs timeout",
		"listener_note": "rerun requested",
	}

	doc, err := state.Load(raw)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != state.CurrentVersion {
		t.Fatalf("version = %s, want %s", doc.Version, state.CurrentVersion)
	}
	if doc.Persistent.EpisodeID != "ep-2024-042" || doc.Persistent.CurrentStage != "audio_synthesis" {
		t.Fatalf("persistent partition wrong: %+v", doc.Persistent)
	}
	if doc.Persistent.QualityScores["script_writing"] != 8.4 {
		t.Fatalf("quality scores lost in migration: %v", doc.Persistent.QualityScores)
	}
	if doc.Transient.ActiveAgent != "tts_driver" || doc.Transient.RetryCount != 2 {
		t.Fatalf("transient partition wrong: %+v", doc.Transient)
	}
	if doc.Persistent.Metadata["listener_note"] != "rerun requested" {
		t.Fatalf("unrecognized key should land in metadata: %v", doc.Persistent.Metadata)
	}
}

func TestLoadMigratesV1DocumentWithoutBudget(t *testing.T) {
	before := time.Now().Add(-time.Second)
	raw := map[string]any{
		"version":       "1.0.0",
		"episode_id":    "ep-2023-007",
		"topic":         "why yawning is contagious",
		"current_stage": "research_discovery",
		"active_agent":  "researcher",
		"retry_count":   1,
	}

	doc, err := state.Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != state.CurrentVersion {
		t.Fatalf("version = %s, want %s", doc.Version, state.CurrentVersion)
	}
	if doc.Persistent.EpisodeID != "ep-2023-007" || doc.Persistent.CurrentStage != "research_discovery" {
		t.Fatalf("persistent partition wrong: %+v", doc.Persistent)
	}
	if doc.Transient.ActiveAgent != "researcher" || doc.Transient.RetryCount != 1 {
		t.Fatalf("transient partition wrong: %+v", doc.Transient)
	}
	if doc.Persistent.BudgetLimit != 0 {
		t.Fatalf("budget_limit = %v, want 0 for a pre-budget document", doc.Persistent.BudgetLimit)
	}
	if doc.Persistent.UpdatedAt.Before(before) {
		t.Fatalf("updated_at = %v, should be refreshed by migration", doc.Persistent.UpdatedAt)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	_, err := state.Load(map[string]any{
		"version":    "0.4.0",
		"episode_id": "ep-2024-001",
	})
	if !errors.Is(err, services.ErrStateMigration) {
		t.Fatalf("error = %v, want ErrStateMigration", err)
	}
}

func TestLoadValidatesInvariants(t *testing.T) {
	cases := map[string]map[string]any{
		"short episode id": {
			"version":    state.CurrentVersion,
			"persistent": map[string]any{"episode_id": "ep1", "budget_limit": 5.0},
		},
		"non-positive budget": {
			"version":    state.CurrentVersion,
			"persistent": map[string]any{"episode_id": "ep-2024-001", "budget_limit": 0.0},
		},
		"quality score out of range": {
			"version": state.CurrentVersion,
			"persistent": map[string]any{
				"episode_id":     "ep-2024-001",
				"budget_limit":   5.0,
				"quality_scores": map[string]any{"script_writing": 11.0},
			},
		},
		"current stage already completed": {
			"version": state.CurrentVersion,
			"persistent": map[string]any{
				"episode_id":       "ep-2024-001",
				"budget_limit":     5.0,
				"current_stage":    "research_discovery",
				"completed_stages": []any{"research_discovery"},
			},
		},
	}
	for name, raw := range cases {
		if _, err := state.Load(raw); !errors.Is(err, services.ErrStateValidation) {
			t.Errorf("%s: error = %v, want ErrStateValidation", name, err)
		}
	}
}

func TestUpdatePersistentRejectsInvalidPatchWholesale(t *testing.T) {
	s := newStore(t)
	err := s.UpdatePersistent(map[string]any{
		"topic":        "kept out",
		"budget_limit": -1.0,
	})
	if !errors.Is(err, services.ErrStateValidation) {
		t.Fatalf("error = %v, want ErrStateValidation", err)
	}
	if got := s.Document().Persistent.Topic; got == "kept out" {
		t.Fatal("rejected patch partially applied")
	}
}

func TestSnapshotHistoryIsBounded(t *testing.T) {
	doc := state.NewDocument("ep-2026-003", "tides", 5.00, time.Now())
	s, err := state.NewStore(t.TempDir(), doc, state.WithHistoryLimit(5))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if _, err := s.Checkpoint(); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(s.History()); got != 5 {
		t.Fatalf("history length = %d, want 5", got)
	}
}

func TestSizeMBReflectsDocumentGrowth(t *testing.T) {
	s := newStore(t)
	before := s.SizeMB()
	if err := s.UpdatePersistent(map[string]any{
		"script_text": strings.Repeat("narration ", 10000),
	}); err != nil {
		t.Fatal(err)
	}
	if after := s.SizeMB(); after <= before {
		t.Fatalf("size did not grow: before %.4f, after %.4f", before, after)
	}
}
