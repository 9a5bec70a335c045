package state

import (
	"encoding/json"
	"fmt"
	"time"

	"showrunner/internal/services"
)

// CurrentVersion is the document schema version written by this build.
const CurrentVersion = "2.0.0"

// Persistent is the partition that must survive restarts.
type Persistent struct {
	EpisodeID       string             `json:"episode_id"`
	Topic           string             `json:"topic"`
	BudgetLimit     float64            `json:"budget_limit"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CurrentStage    string             `json:"current_stage"`
	CompletedStages []string           `json:"completed_stages"`
	QualityScores   map[string]float64 `json:"quality_scores"`
	CostBreakdown   map[string]float64 `json:"cost_breakdown"`
	ScriptText      string             `json:"script_text"`
	AudioPath       string             `json:"audio_path"`
	Metadata        map[string]any     `json:"metadata"`
}

// Transient is droppable across restarts without loss of correctness.
type Transient struct {
	ActiveAgent  string         `json:"active_agent"`
	RetryCount   int            `json:"retry_count"`
	TempResults  map[string]any `json:"temp_results"`
	ErrorContext string         `json:"error_context"`
}

// Document is the full episode state.
type Document struct {
	Version    string     `json:"version"`
	Persistent Persistent `json:"persistent"`
	Transient  Transient  `json:"transient"`
}

// NewDocument returns a valid empty document for the episode.
func NewDocument(episodeID, topic string, budget float64, now time.Time) Document {
	return Document{
		Version: CurrentVersion,
		Persistent: Persistent{
			EpisodeID:       episodeID,
			Topic:           topic,
			BudgetLimit:     budget,
			CreatedAt:       now.UTC(),
			UpdatedAt:       now.UTC(),
			CompletedStages: []string{},
			QualityScores:   map[string]float64{},
			CostBreakdown:   map[string]float64{},
			Metadata:        map[string]any{},
		},
		Transient: Transient{TempResults: map[string]any{}},
	}
}

// Validate enforces the document invariants.
func (d Document) Validate() error {
	return d.validate(false)
}

// validate optionally tolerates an absent budget. Documents migrated from
// the flat 1.0.0 layout predate budget tracking and may not carry one.
func (d Document) validate(allowMissingBudget bool) error {
	p := d.Persistent
	if len(p.EpisodeID) < 5 {
		return validationError("episode_id must be at least 5 characters")
	}
	if p.BudgetLimit < 0 || (p.BudgetLimit == 0 && !allowMissingBudget) {
		return validationError("budget_limit must be positive")
	}
	for stage, score := range p.QualityScores {
		if score < 0 || score > 10 {
			return validationError(fmt.Sprintf("quality score for %s out of range [0,10]: %v", stage, score))
		}
	}
	for stage, cost := range p.CostBreakdown {
		if cost < 0 {
			return validationError(fmt.Sprintf("negative cost recorded for %s", stage))
		}
	}
	for _, done := range p.CompletedStages {
		if done == p.CurrentStage && p.CurrentStage != "" {
			return validationError(fmt.Sprintf("current stage %s already completed", p.CurrentStage))
		}
	}
	return nil
}

func validationError(msg string) error {
	return services.Wrap(services.ErrStateValidation, "", "validate", msg, nil)
}

// Load decodes a raw document, migrating older versions to CurrentVersion,
// and validates the result.
func Load(raw map[string]any) (Document, error) {
	current, migrated, err := migrate(raw)
	if err != nil {
		return Document{}, err
	}

	data, err := json.Marshal(current)
	if err != nil {
		return Document{}, services.Wrap(services.ErrStateValidation, "", "load", "reserialize migrated document", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, services.Wrap(services.ErrStateValidation, "", "load", "decode document", err)
	}
	if doc.Persistent.QualityScores == nil {
		doc.Persistent.QualityScores = map[string]float64{}
	}
	if doc.Persistent.CostBreakdown == nil {
		doc.Persistent.CostBreakdown = map[string]float64{}
	}
	if doc.Persistent.Metadata == nil {
		doc.Persistent.Metadata = map[string]any{}
	}
	if doc.Persistent.CompletedStages == nil {
		doc.Persistent.CompletedStages = []string{}
	}
	if doc.Transient.TempResults == nil {
		doc.Transient.TempResults = map[string]any{}
	}
	if migrated {
		doc.Persistent.UpdatedAt = time.Now().UTC()
	}
	if err := doc.validate(migrated); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// clone deep-copies the document through JSON so snapshots stay immutable.
func (d Document) clone() Document {
	data, err := json.Marshal(d)
	if err != nil {
		// Document fields are all JSON-marshalable; this cannot fail.
		panic(fmt.Sprintf("state: clone: %v", err))
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("state: clone: %v", err))
	}
	return out
}
