package main

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"showrunner/internal/agents"
	"showrunner/internal/catalog"
	"showrunner/internal/config"
	"showrunner/internal/episode"
	"showrunner/internal/failover"
	"showrunner/internal/flags"
	"showrunner/internal/notifications"
	"showrunner/internal/observability"
	"showrunner/internal/optimizer"
	"showrunner/internal/pipeline"
	"showrunner/internal/stage"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) withStore(fn func(*config.Config, *episode.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := episode.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func (c *commandContext) openFlags() (*flags.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return flags.Open(filepath.Join(cfg.Paths.DataDir, "flags.json"))
}

// buildManager wires the provider pool over the live HTTP transport.
func (c *commandContext) buildManager(logger *slog.Logger) (*failover.Manager, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	transport := agents.NewTransport()
	return failover.NewManager(cfg, transport.Call, failover.WithLogger(logger))
}

// buildOrchestrator assembles the full production pipeline: catalog,
// predictor, provider pool, stage handlers, flags, and notifications. The
// returned manager is handed back so callers can run its health loop for
// the lifetime of the process.
func (c *commandContext) buildOrchestrator(logger *slog.Logger, store *episode.Store, sink observability.Sink) (*pipeline.Orchestrator, *failover.Manager, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}

	cat, err := catalog.New()
	if err != nil {
		return nil, nil, err
	}

	var history optimizer.History
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		history = optimizer.NewRedisHistory(client)
	}
	predictorOpts := []optimizer.PredictorOption{optimizer.WithPredictorLogger(logger)}
	if cfg.Optimizer.MLEnabled {
		predictorOpts = append(predictorOpts, optimizer.WithML(optimizer.NewMLPredictor(cfg.Optimizer.RetrainInterval)))
	}
	predictor := optimizer.NewPredictor(cat, history, cfg.Optimizer.Strategy, predictorOpts...)

	mgr, err := c.buildManager(logger)
	if err != nil {
		return nil, nil, err
	}

	flagStore, err := c.openFlags()
	if err != nil {
		return nil, nil, err
	}

	cache := agents.NewCache(128, time.Hour)
	handlers := []stage.Handler{
		agents.NewResearch(agents.StageResearchDiscovery, mgr, cache, logger),
		agents.NewResearch(agents.StageResearchDeepDive, mgr, cache, logger),
		agents.NewResearch(agents.StageResearchSynthesis, mgr, cache, logger),
		agents.NewScript(agents.StageScriptDraft, mgr, logger),
		agents.NewScript(agents.StageScriptPolish, mgr, logger),
		agents.NewEvaluator(agents.StageEvaluatorClaude, mgr, logger),
		agents.NewEvaluator(agents.StageEvaluatorGemini, mgr, logger),
		agents.NewScript(agents.StageBrandAlignment, mgr, logger),
		agents.NewTTS(cfg, mgr, logger),
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if sink != nil {
		opts = append(opts, pipeline.WithSink(sink))
	}
	orch, err := pipeline.New(cfg, store, cat, predictor, flagStore, notifications.NewService(cfg), handlers, opts...)
	if err != nil {
		return nil, nil, err
	}
	return orch, mgr, nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
