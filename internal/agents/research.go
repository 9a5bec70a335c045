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

// Research stage names.
const (
	StageResearchDiscovery = "research_discovery"
	StageResearchDeepDive  = "research_deep_dive"
	StageResearchSynthesis = "research_synthesis"
)

// Research runs one of the three research stages against the provider pool.
// Repeated queries are served from the shared cache without billing.
type Research struct {
	name    string
	manager *failover.Manager
	cache   *Cache
	logger  *slog.Logger
}

// NewResearch builds the handler for one research stage. name must be one of
// the research stage constants.
func NewResearch(name string, manager *failover.Manager, cache *Cache, logger *slog.Logger) *Research {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Research{
		name:    name,
		manager: manager,
		cache:   cache,
		logger:  logging.NewComponentLogger(logger, name),
	}
}

func (r *Research) Name() string { return r.name }

func (r *Research) Prepare(_ context.Context, req *stage.Request) error {
	if req.Ledger == nil {
		return fmt.Errorf("%s: ledger required", r.name)
	}
	if strings.TrimSpace(req.Document.Persistent.Topic) == "" {
		return services.Wrap(services.ErrStateValidation, r.name, r.name, "episode topic is empty", nil)
	}
	if r.name != StageResearchDiscovery {
		if _, ok := req.Document.Persistent.Metadata[StageResearchDiscovery]; !ok {
			return services.Wrap(services.ErrStateValidation, r.name, r.name, "discovery output missing from state", nil)
		}
	}
	return nil
}

func (r *Research) Execute(ctx context.Context, req *stage.Request) (*stage.Result, error) {
	query := r.buildQuery(req)
	cacheKey := r.name + "\x00" + query

	if r.cache != nil {
		if cached, ok := r.cache.Get(cacheKey); ok {
			r.logger.Debug("research served from cache",
				logging.String(logging.FieldEpisodeID, req.Episode.EpisodeID),
				logging.String(logging.FieldStage, r.name),
			)
			return &stage.Result{
				OutputRef: r.name,
				Output:    map[string]any{r.name: cached},
			}, nil
		}
	}

	resp, err := r.manager.Execute(ctx, failover.Request{
		Operation:     r.name,
		Model:         req.Model,
		EstimatedCost: req.EstimatedCost,
		Payload: map[string]any{
			"stage": r.name,
			"topic": req.Document.Persistent.Topic,
			"query": query,
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	if resp.Output == nil {
		return nil, services.Wrap(services.ErrTransient, r.name, r.name, "provider returned empty research output", nil)
	}

	usage := ledger.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	cost, err := req.Ledger.Track("researcher", resp.Provider, resp.Model, usage, r.name)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Put(cacheKey, resp.Output)
	}
	r.logger.Info("research stage complete",
		logging.String(logging.FieldEpisodeID, req.Episode.EpisodeID),
		logging.String(logging.FieldProvider, resp.Provider),
		logging.String(logging.FieldModel, resp.Model),
		logging.Float64(logging.FieldCostUSD, cost),
	)
	return &stage.Result{
		OutputRef: r.name,
		Output:    map[string]any{r.name: resp.Output},
		CostUSD:   cost,
	}, nil
}

func (r *Research) HealthCheck(context.Context) stage.Health {
	if r.manager == nil {
		return stage.Unhealthy(r.name, "no failover manager configured")
	}
	if _, err := r.manager.SelectProvider(""); err != nil {
		return stage.Unhealthy(r.name, "no provider available")
	}
	return stage.Healthy(r.name)
}

// buildQuery folds earlier research output into the prompt so later stages
// deepen rather than repeat the discovery pass.
func (r *Research) buildQuery(req *stage.Request) string {
	topic := strings.TrimSpace(req.Document.Persistent.Topic)
	metadata := req.Document.Persistent.Metadata
	switch r.name {
	case StageResearchDeepDive:
		return fmt.Sprintf("deep dive on %q expanding: %s", topic, summarize(metadata[StageResearchDiscovery]))
	case StageResearchSynthesis:
		return fmt.Sprintf("synthesize research on %q from discovery (%s) and deep dive (%s)",
			topic, summarize(metadata[StageResearchDiscovery]), summarize(metadata[StageResearchDeepDive]))
	default:
		return fmt.Sprintf("broad discovery research on %q for an educational podcast episode", topic)
	}
}

// summarize renders prior stage output into prompt text. Structured outputs
// are flattened; the provider sees its own earlier material either way.
func summarize(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
