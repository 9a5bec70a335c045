package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"showrunner/internal/catalog"
	"showrunner/internal/config"
	"showrunner/internal/episode"
	"showrunner/internal/flags"
	"showrunner/internal/logging"
	"showrunner/internal/notifications"
	"showrunner/internal/observability"
	"showrunner/internal/optimizer"
	"showrunner/internal/services"
	"showrunner/internal/stage"
	"showrunner/internal/state"
)

// FlagHaltProduction stops the pipeline between stages when enabled. Skip
// flags use the stage name: skip_<stage> suppresses an optional stage.
const (
	FlagHaltProduction = "halt_production"
	skipFlagPrefix     = "skip_"
)

const (
	costLogName = "episode_costs.csv"

	retryJitterMin = 500 * time.Millisecond
	retryJitterMax = 2 * time.Second
)

// Orchestrator drives one episode at a time through the stage graph.
type Orchestrator struct {
	cfg       *config.Config
	store     *episode.Store
	catalog   *catalog.Catalog
	predictor *optimizer.Predictor
	flags     *flags.Store
	notifier  notifications.Service
	handlers  map[string]stage.Handler
	graph     []StageSpec

	logger *slog.Logger
	sink   observability.Sink
	clock  func() time.Time
	sleep  func(context.Context, time.Duration) error

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logging.NewComponentLogger(logger, "pipeline")
		}
	}
}

// WithSink sets the observability sink for traces and metrics.
func WithSink(sink observability.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithSleeper overrides the backoff sleeper (tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithGraph replaces the default stage graph.
func WithGraph(graph []StageSpec) Option {
	return func(o *Orchestrator) {
		if len(graph) > 0 {
			o.graph = graph
		}
	}
}

// WithRand seeds retry jitter deterministically (tests).
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rand = r
		}
	}
}

// New builds an orchestrator over the given stage handlers. Every stage in
// the graph must have a handler registered under its name.
func New(cfg *config.Config, store *episode.Store, cat *catalog.Catalog, predictor *optimizer.Predictor,
	flagStore *flags.Store, notifier notifications.Service, handlers []stage.Handler, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config required")
	}
	if store == nil {
		return nil, fmt.Errorf("pipeline: episode store required")
	}
	if cat == nil {
		return nil, fmt.Errorf("pipeline: catalog required")
	}
	if predictor == nil {
		return nil, fmt.Errorf("pipeline: predictor required")
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	byName := make(map[string]stage.Handler, len(handlers))
	for _, handler := range handlers {
		byName[handler.Name()] = handler
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		catalog:   cat,
		predictor: predictor,
		flags:     flagStore,
		notifier:  notifier,
		handlers:  byName,
		graph:     DefaultGraph(),
		logger:    logging.NewNop(),
		sink:      observability.Noop(),
		clock:     time.Now,
		sleep:     sleepCtx,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(o)
	}

	for _, spec := range o.graph {
		if _, ok := o.handlers[spec.Name]; !ok {
			return nil, fmt.Errorf("pipeline: no handler registered for stage %s", spec.Name)
		}
	}
	return o, nil
}

// Graph returns the configured stage graph.
func (o *Orchestrator) Graph() []StageSpec {
	cp := make([]StageSpec, len(o.graph))
	copy(cp, o.graph)
	return cp
}

// Health reports per-stage handler readiness.
func (o *Orchestrator) Health(ctx context.Context) []stage.Health {
	out := make([]stage.Health, 0, len(o.graph))
	for _, spec := range o.graph {
		out = append(out, o.handlers[spec.Name].HealthCheck(ctx))
	}
	return out
}

// Run produces one episode end to end, resuming from the latest checkpoint.
// Running a completed episode is a no-op.
func (o *Orchestrator) Run(ctx context.Context, episodeID string) error {
	ep, err := o.store.GetByEpisodeID(ctx, episodeID)
	if err != nil {
		return err
	}
	if ep == nil {
		return services.Wrap(services.ErrPermanent, "", "pipeline", fmt.Sprintf("unknown episode %s", episodeID), nil)
	}
	if ep.Status == episode.StatusCompleted {
		o.logger.Info("episode already completed, nothing to do",
			logging.String(logging.FieldEpisodeID, episodeID))
		return nil
	}

	st, err := o.openState(ep)
	if err != nil {
		return err
	}

	doc := st.Document()
	completed := make(map[string]bool, len(doc.Persistent.CompletedStages))
	for _, name := range doc.Persistent.CompletedStages {
		completed[name] = true
	}
	waves, err := PlanWaves(o.graph, completed)
	if err != nil {
		return err
	}

	sess := &session{o: o, ep: ep, st: st, evals: make(map[string]*stage.Result)}
	if len(waves) == 0 {
		return sess.finalize(ctx)
	}

	remaining := ep.BudgetLimit - ep.TotalCost
	if remaining <= 0 {
		err := services.Wrap(services.ErrBudgetExceeded, "", "pipeline",
			fmt.Sprintf("episode budget %.2f already spent", ep.BudgetLimit), nil)
		return sess.fail(ctx, err)
	}
	led, err := sess.openLedger(ctx, remaining)
	if err != nil {
		return err
	}
	defer led.Close()
	sess.led = led

	if err := sess.planStages(ctx, waves); err != nil {
		return sess.fail(ctx, err)
	}

	now := o.clock().UTC()
	ep.Status = episode.StatusProducing
	ep.ErrorMessage = ""
	ep.LastHeartbeat = &now
	if err := o.store.Update(ctx, ep); err != nil {
		return err
	}
	_ = o.notifier.NotifyEpisodeStarted(ctx, ep.EpisodeID, ep.Topic)
	start := o.clock()

	span := o.sink.Trace("episode_production", map[string]string{"episode_id": ep.EpisodeID})
	runErr := sess.runWaves(ctx, waves)
	span.End(runErr)
	if runErr != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the episode producing; the daemon reclaims it
			// from the stale heartbeat.
			return runErr
		}
		return sess.fail(ctx, runErr)
	}
	if sess.escalated || sess.halted {
		return nil
	}
	if err := sess.finalize(ctx); err != nil {
		return err
	}
	_ = o.notifier.NotifyEpisodeCompleted(ctx, ep.EpisodeID, ep.TotalCost, o.clock().Sub(start))
	return nil
}

// openState builds the per-episode state store, restoring the most recent
// checkpoint when one exists.
func (o *Orchestrator) openState(ep *episode.Episode) (*state.Store, error) {
	dir := filepath.Join(o.cfg.Paths.CheckpointDir, ep.EpisodeID)
	doc := state.NewDocument(ep.EpisodeID, ep.Topic, ep.BudgetLimit, o.clock().UTC())
	st, err := state.NewStore(dir, doc,
		state.WithLogger(o.logger),
		state.WithClock(o.clock),
		state.WithHistoryLimit(o.cfg.Workflow.SnapshotHistoryLimit),
		state.WithSizeWarnMB(float64(o.cfg.Workflow.StateSizeWarningMB)),
	)
	if err != nil {
		return nil, err
	}
	latest, err := latestCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	if latest != "" {
		if err := st.Restore(latest); err != nil {
			return nil, err
		}
		o.logger.Info("resumed from checkpoint",
			logging.String(logging.FieldEpisodeID, ep.EpisodeID),
			logging.String("checkpoint", latest),
		)
	}
	return st, nil
}

// latestCheckpoint picks the newest checkpoint file by its timestamp suffix.
func latestCheckpoint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("list checkpoints: %w", err)
	}
	best := ""
	bestStamp := ""
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "checkpoint_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		trimmed := strings.TrimSuffix(name, ".json")
		idx := strings.LastIndex(trimmed, "_")
		if idx < 0 {
			continue
		}
		stamp := trimmed[idx+1:]
		if stamp > bestStamp {
			bestStamp = stamp
			best = name
		}
	}
	return best, nil
}

func (o *Orchestrator) csvPath() string {
	return filepath.Join(o.cfg.Paths.LogDir, costLogName)
}

func (o *Orchestrator) jitter() time.Duration {
	o.randMu.Lock()
	defer o.randMu.Unlock()
	spread := retryJitterMax - retryJitterMin
	return retryJitterMin + time.Duration(o.rand.Int63n(int64(spread)))
}

func (o *Orchestrator) haltRequested() bool {
	return o.flags != nil && o.flags.IsEnabled(FlagHaltProduction)
}

func (o *Orchestrator) skipRequested(spec StageSpec) bool {
	return spec.Optional && o.flags != nil && o.flags.IsEnabled(skipFlagPrefix+spec.Name)
}

// evaluatorStages lists the graph's evaluator stage names in order.
func (o *Orchestrator) evaluatorStages() []string {
	var names []string
	for _, spec := range o.graph {
		if spec.Evaluator {
			names = append(names, spec.Name)
		}
	}
	return names
}

func (o *Orchestrator) specFor(name string) (StageSpec, bool) {
	for _, spec := range o.graph {
		if spec.Name == name {
			return spec, true
		}
	}
	return StageSpec{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
