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

// Script stage names.
const (
	StageScriptDraft    = "script_draft"
	StageScriptPolish   = "script_polish"
	StageBrandAlignment = "brand_alignment"
)

// Script runs the writing stages: drafting from synthesized research,
// polishing an existing draft, and the final brand-voice alignment pass.
type Script struct {
	name    string
	manager *failover.Manager
	logger  *slog.Logger
}

// NewScript builds the handler for one writing stage.
func NewScript(name string, manager *failover.Manager, logger *slog.Logger) *Script {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Script{
		name:    name,
		manager: manager,
		logger:  logging.NewComponentLogger(logger, name),
	}
}

func (s *Script) Name() string { return s.name }

func (s *Script) Prepare(_ context.Context, req *stage.Request) error {
	if req.Ledger == nil {
		return fmt.Errorf("%s: ledger required", s.name)
	}
	if s.name == StageScriptDraft {
		if _, ok := req.Document.Persistent.Metadata[StageResearchSynthesis]; !ok {
			return services.Wrap(services.ErrStateValidation, s.name, s.name, "research synthesis missing from state", nil)
		}
		return nil
	}
	if strings.TrimSpace(req.Document.Persistent.ScriptText) == "" {
		return services.Wrap(services.ErrStateValidation, s.name, s.name, "no script text to rework", nil)
	}
	return nil
}

func (s *Script) Execute(ctx context.Context, req *stage.Request) (*stage.Result, error) {
	resp, err := s.manager.Execute(ctx, failover.Request{
		Operation:     s.name,
		Model:         req.Model,
		EstimatedCost: req.EstimatedCost,
		Payload:       s.payload(req),
	}, nil)
	if err != nil {
		return nil, err
	}

	text := outputText(resp.Output)
	if strings.TrimSpace(text) == "" {
		return nil, services.Wrap(services.ErrTransient, s.name, s.name, "provider returned empty script", nil)
	}

	usage := ledger.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	cost, err := req.Ledger.Track("writer", resp.Provider, resp.Model, usage, s.name)
	if err != nil {
		return nil, err
	}

	s.logger.Info("writing stage complete",
		logging.String(logging.FieldEpisodeID, req.Episode.EpisodeID),
		logging.String(logging.FieldProvider, resp.Provider),
		logging.String(logging.FieldModel, resp.Model),
		logging.Int("script_chars", len(text)),
		logging.Float64(logging.FieldCostUSD, cost),
	)
	return &stage.Result{
		OutputRef: s.name,
		Output:    map[string]any{"script_text": text},
		CostUSD:   cost,
	}, nil
}

func (s *Script) HealthCheck(context.Context) stage.Health {
	if s.manager == nil {
		return stage.Unhealthy(s.name, "no failover manager configured")
	}
	if _, err := s.manager.SelectProvider(""); err != nil {
		return stage.Unhealthy(s.name, "no provider available")
	}
	return stage.Healthy(s.name)
}

func (s *Script) payload(req *stage.Request) map[string]any {
	persistent := req.Document.Persistent
	payload := map[string]any{
		"stage": s.name,
		"topic": persistent.Topic,
	}
	switch s.name {
	case StageScriptDraft:
		payload["research"] = persistent.Metadata[StageResearchSynthesis]
	case StageScriptPolish:
		payload["script"] = persistent.ScriptText
		payload["instruction"] = "polish for clarity, pacing, and spoken delivery"
	case StageBrandAlignment:
		payload["script"] = persistent.ScriptText
		payload["instruction"] = "align tone with the intellectual-humility brand voice"
	}
	return payload
}

// outputText extracts script text from the provider output. Providers return
// either a bare string or an envelope keyed script/text.
func outputText(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"script", "text"} {
			if text, ok := v[key].(string); ok {
				return text
			}
		}
	}
	return ""
}
