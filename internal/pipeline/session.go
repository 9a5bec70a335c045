package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"showrunner/internal/agents"
	"showrunner/internal/episode"
	"showrunner/internal/ledger"
	"showrunner/internal/logging"
	"showrunner/internal/optimizer"
	"showrunner/internal/services"
	"showrunner/internal/stage"
	"showrunner/internal/state"
)

// session is the per-episode working set: one ledger, one state store, and
// the evaluator results collected for the quality gate. A session lives for
// a single Run call.
type session struct {
	o  *Orchestrator
	ep *episode.Episode
	st *state.Store

	led  *ledger.Ledger
	plan map[string]optimizer.StagePlan

	mu        sync.Mutex
	evals     map[string]*stage.Result
	revised   bool
	escalated bool
	halted    bool
}

func (s *session) openLedger(ctx context.Context, budget float64) (*ledger.Ledger, error) {
	alert := func(level string, fraction float64, remaining float64) {
		spent := s.ep.BudgetLimit - remaining
		s.o.logger.Warn("budget alert",
			logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
			logging.String("level", level),
			logging.Float64("fraction_used", fraction),
		)
		_ = s.o.notifier.NotifyBudgetAlert(ctx, s.ep.EpisodeID, spent, s.ep.BudgetLimit)
	}
	return ledger.New(s.ep.EpisodeID, budget, s.o.catalog, s.o.csvPath(),
		ledger.WithLogger(s.o.logger),
		ledger.WithSink(s.o.sink),
		ledger.WithClock(s.o.clock),
		ledger.WithAlertFunc(alert),
		ledger.WithThresholds(s.o.cfg.Budget.WarningThreshold, s.o.cfg.Budget.CriticalThreshold),
		ledger.WithBudgetContext(s.ep.BudgetLimit, s.ep.TotalCost),
	)
}

// planStages runs the cost optimizer over the pending LLM stages and pins
// the TTS model. An empty plan entry means the stage runs with the provider
// pool's default selection.
func (s *session) planStages(ctx context.Context, waves [][]StageSpec) error {
	var estimates []optimizer.StageEstimate
	ttsPending := false
	for _, wave := range waves {
		for _, spec := range wave {
			if spec.Name == agents.StageTTSSynthesis {
				ttsPending = true
				continue
			}
			estimates = append(estimates, estimateFor(spec.Name))
		}
	}

	s.plan = make(map[string]optimizer.StagePlan, len(estimates)+1)
	budget := s.led.Remaining()
	if ttsPending {
		ttsPlan, err := s.ttsPlan()
		if err != nil {
			return err
		}
		// TTS claims its share first; the optimizer divides the rest.
		budget -= ttsPlan.EstimatedCost
		if budget < 0 {
			budget = 0
		}
		s.plan[agents.StageTTSSynthesis] = ttsPlan
	}

	plan, err := s.o.predictor.OptimizePipeline(ctx, estimates, budget)
	if err != nil {
		return err
	}
	for _, warning := range plan.Warnings {
		s.o.logger.Warn("pipeline cost planning",
			logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
			logging.String("warning", warning),
		)
	}
	for _, stagePlan := range plan.Stages {
		s.plan[stagePlan.Stage] = stagePlan
		if stagePlan.Downgraded {
			s.o.logger.Info("stage downgraded to fit budget",
				logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
				logging.String(logging.FieldStage, stagePlan.Stage),
				logging.String(logging.FieldModel, stagePlan.Choice.Model),
			)
		}
	}
	return nil
}

func (s *session) ttsPlan() (optimizer.StagePlan, error) {
	pricing, ok := s.o.catalog.Pricing(ttsProvider, ttsModel)
	if !ok {
		return optimizer.StagePlan{}, services.Wrap(services.ErrPermanent, agents.StageTTSSynthesis, "plan",
			"tts model missing from catalog", nil)
	}
	estimate := estimateFor(agents.StageTTSSynthesis)
	cost := optimizer.EstimateCost(pricing, estimate.InputTokens, estimate.OutputTokens)
	return optimizer.StagePlan{
		Stage: agents.StageTTSSynthesis,
		Choice: optimizer.Choice{
			Provider:      ttsProvider,
			Model:         ttsModel,
			EstimatedCost: cost,
			QualityScore:  pricing.QualityScore,
		},
		EstimatedCost: cost,
	}, nil
}

func (s *session) runWaves(ctx context.Context, waves [][]StageSpec) error {
	evaluators := s.o.evaluatorStages()
	for _, wave := range waves {
		if s.o.haltRequested() {
			return s.halt(ctx)
		}
		if err := s.runWave(ctx, wave); err != nil {
			return err
		}
		if s.gateReady(wave, evaluators) {
			if err := s.applyGate(ctx); err != nil {
				return err
			}
			if s.escalated {
				return nil
			}
		}
	}
	return nil
}

// gateReady reports whether this wave finished the last outstanding
// evaluator, which is the point the composite gate runs.
func (s *session) gateReady(wave []StageSpec, evaluators []string) bool {
	waveHasEvaluator := false
	for _, spec := range wave {
		if spec.Evaluator {
			waveHasEvaluator = true
			break
		}
	}
	if !waveHasEvaluator {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range evaluators {
		if _, ok := s.evals[name]; !ok {
			return false
		}
	}
	return true
}

// runWave executes the wave's stages concurrently under the configured
// limit. The first error wins; remaining stages still run to completion so
// their checkpoints stay consistent.
func (s *session) runWave(ctx context.Context, wave []StageSpec) error {
	limit := s.o.cfg.Workflow.StageConcurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for _, spec := range wave {
		wg.Add(1)
		go func(spec StageSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := s.runStage(ctx, spec)
			errMu.Lock()
			defer errMu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if err == nil && spec.Evaluator && result != nil {
				s.mu.Lock()
				s.evals[spec.Name] = result
				s.mu.Unlock()
			}
		}(spec)
	}
	wg.Wait()
	return firstErr
}

func (s *session) runStage(ctx context.Context, spec StageSpec) (*stage.Result, error) {
	name := spec.Name
	if s.isCompleted(name) {
		return nil, nil
	}
	if s.o.skipRequested(spec) {
		return nil, s.recordStageSkip(ctx, spec)
	}
	handler, ok := s.o.handlers[name]
	if !ok {
		return nil, services.Wrap(services.ErrPermanent, name, name, "no handler registered", nil)
	}

	choice := s.plan[name]
	if !s.led.CanAfford(choice.EstimatedCost) {
		return nil, services.Wrap(services.ErrBudgetExceeded, name, name,
			fmt.Sprintf("estimated cost %.4f exceeds remaining budget %.4f", choice.EstimatedCost, s.led.Remaining()), nil)
	}

	if err := s.markActive(ctx, name); err != nil {
		return nil, err
	}
	startedAt := s.o.clock().UTC()

	timeout := time.Duration(s.o.cfg.Workflow.StageTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	attempts := s.o.cfg.Workflow.StageRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var result *stage.Result
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := s.o.sleep(ctx, s.o.jitter()); err != nil {
				lastErr = err
				break
			}
			_ = s.st.UpdateTransient(map[string]any{"retry_count": attempt - 1})
		}

		req := &stage.Request{
			Episode:       s.ep,
			Document:      s.st.Document(),
			Ledger:        s.led,
			Model:         choice.Choice.Model,
			EstimatedCost: choice.EstimatedCost,
		}
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		err := handler.Prepare(stageCtx, req)
		if err == nil {
			result, err = handler.Execute(stageCtx, req)
		}
		cancel()
		if err == nil {
			break
		}
		lastErr = err
		s.o.logger.Warn("stage attempt failed",
			logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
			logging.String(logging.FieldStage, name),
			logging.Int("attempt", attempt),
			logging.Error(err),
		)
		if services.Fatal(err) || errors.Is(err, services.ErrBudgetExceeded) || ctx.Err() != nil {
			break
		}
	}

	if result == nil {
		if lastErr == nil {
			lastErr = services.Wrap(services.ErrTransient, name, name, "stage produced no result", nil)
		}
		s.recordStageFailure(ctx, spec, startedAt, lastErr)
		return nil, lastErr
	}
	if err := s.recordStageSuccess(ctx, spec, startedAt, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *session) isCompleted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, done := range s.st.Document().Persistent.CompletedStages {
		if done == name {
			return true
		}
	}
	return false
}

// markActive stamps the stage on the episode row and state, appends the
// active stage record, and checkpoints before any provider call happens.
func (s *session) markActive(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.o.clock().UTC()
	s.ep.CurrentStage = name
	s.ep.LastHeartbeat = &now
	if err := s.o.store.Update(ctx, s.ep); err != nil {
		return err
	}
	if err := s.st.UpdatePersistent(map[string]any{"current_stage": name}); err != nil {
		return err
	}
	if err := s.st.UpdateTransient(map[string]any{"active_agent": name, "retry_count": 0}); err != nil {
		return err
	}
	if _, err := s.o.store.AppendStageRecord(ctx, &episode.StageRecord{
		EpisodeID: s.ep.EpisodeID,
		Stage:     name,
		Status:    episode.StageActive,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	if _, err := s.st.Checkpoint(); err != nil {
		return err
	}
	return nil
}

func (s *session) recordStageSuccess(ctx context.Context, spec StageSpec, startedAt time.Time, result *stage.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.st.Document()
	patch := map[string]any{"current_stage": ""}

	metadata := make(map[string]any, len(doc.Persistent.Metadata)+len(result.Output))
	for key, value := range doc.Persistent.Metadata {
		metadata[key] = value
	}
	metadataChanged := false
	for key, value := range result.Output {
		switch key {
		case "script_text", "audio_path":
			patch[key] = value
		default:
			metadata[key] = value
			metadataChanged = true
		}
	}
	if metadataChanged {
		patch["metadata"] = metadata
	}

	if len(result.Scores) > 0 {
		scores := make(map[string]float64, len(doc.Persistent.QualityScores)+len(result.Scores))
		for key, value := range doc.Persistent.QualityScores {
			scores[key] = value
		}
		for dim, value := range result.Scores {
			scores[spec.Name+"."+dim] = value
		}
		patch["quality_scores"] = scores
	}

	completed := append(append([]string{}, doc.Persistent.CompletedStages...), spec.Name)
	patch["completed_stages"] = completed

	breakdown := make(map[string]float64, len(doc.Persistent.CostBreakdown)+1)
	for stageName, cost := range doc.Persistent.CostBreakdown {
		breakdown[stageName] = cost
	}
	breakdown[spec.Name] += result.CostUSD
	patch["cost_breakdown"] = breakdown

	if err := s.st.UpdatePersistent(patch); err != nil {
		return err
	}
	if err := s.st.UpdateTransient(map[string]any{"active_agent": "", "retry_count": 0, "error_context": nil}); err != nil {
		return err
	}

	now := s.o.clock().UTC()
	if _, err := s.o.store.AppendStageRecord(ctx, &episode.StageRecord{
		EpisodeID: s.ep.EpisodeID,
		Stage:     spec.Name,
		Status:    episode.StageCompleted,
		StartedAt: &startedAt,
		EndedAt:   &now,
		CostUSD:   result.CostUSD,
		OutputRef: result.OutputRef,
	}); err != nil {
		return err
	}
	if _, err := s.st.Checkpoint(); err != nil {
		return err
	}

	s.ep.TotalCost += result.CostUSD
	s.ep.LastHeartbeat = &now
	if audioPath, ok := result.Output["audio_path"].(string); ok {
		s.ep.AudioPath = audioPath
	}
	if err := s.o.store.Update(ctx, s.ep); err != nil {
		return err
	}

	s.o.sink.LogMetric("stage_duration_seconds", now.Sub(startedAt).Seconds(),
		map[string]string{"stage": spec.Name, "episode_id": s.ep.EpisodeID})
	_ = s.o.notifier.NotifyStageCompleted(ctx, s.ep.EpisodeID, spec.Name)
	return nil
}

func (s *session) recordStageFailure(ctx context.Context, spec StageSpec, startedAt time.Time, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.st.UpdateTransient(map[string]any{
		"error_context": map[string]any{
			"stage": spec.Name,
			"error": cause.Error(),
		},
	})
	now := s.o.clock().UTC()
	if _, err := s.o.store.AppendStageRecord(ctx, &episode.StageRecord{
		EpisodeID:    s.ep.EpisodeID,
		Stage:        spec.Name,
		Status:       episode.StageFailed,
		StartedAt:    &startedAt,
		EndedAt:      &now,
		ErrorContext: cause.Error(),
	}); err != nil {
		s.o.logger.Error("failed to append stage failure record",
			logging.String(logging.FieldStage, spec.Name), logging.Error(err))
	}
	if _, err := s.st.Checkpoint(); err != nil {
		s.o.logger.Error("failed to checkpoint after stage failure",
			logging.String(logging.FieldStage, spec.Name), logging.Error(err))
	}
	if s.o.flags != nil {
		// Feeds auto-rollback for experimental stage flags when registered.
		_, _ = s.o.flags.ReportFailure("experimental_" + spec.Name)
	}
}

// recordStageSkip marks an optional stage as satisfied without running it.
func (s *session) recordStageSkip(ctx context.Context, spec StageSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.st.Document()
	completed := append(append([]string{}, doc.Persistent.CompletedStages...), spec.Name)
	if err := s.st.UpdatePersistent(map[string]any{"completed_stages": completed}); err != nil {
		return err
	}
	now := s.o.clock().UTC()
	if _, err := s.o.store.AppendStageRecord(ctx, &episode.StageRecord{
		EpisodeID: s.ep.EpisodeID,
		Stage:     spec.Name,
		Status:    episode.StageCompleted,
		StartedAt: &now,
		EndedAt:   &now,
		OutputRef: "skipped by feature flag",
	}); err != nil {
		return err
	}
	if _, err := s.st.Checkpoint(); err != nil {
		return err
	}
	s.o.logger.Info("optional stage skipped by feature flag",
		logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
		logging.String(logging.FieldStage, spec.Name),
	)
	return nil
}

// applyGate folds the evaluator verdicts: approve continues, reject fails
// the episode, revise re-polishes and re-grades once before escalating to
// human review.
func (s *session) applyGate(ctx context.Context) error {
	s.mu.Lock()
	decision := EvaluateGate(s.evals, s.o.cfg.Quality)
	s.mu.Unlock()

	s.o.logger.Info("quality gate evaluated",
		logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
		logging.String("verdict", string(decision.Verdict)),
		logging.Float64("average_score", decision.Average),
	)
	s.o.sink.LogMetric("quality_gate_average", decision.Average,
		map[string]string{"episode_id": s.ep.EpisodeID, "verdict": string(decision.Verdict)})

	switch decision.Verdict {
	case stage.RecommendApprove:
		return s.st.UpdatePersistent(map[string]any{
			"quality_scores": s.approvedScores(decision),
		})
	case stage.RecommendReject:
		return services.Wrap(services.ErrQualityGate, "", "quality_gate", decision.Reason(), nil)
	default:
		if s.revised {
			return s.escalate(ctx, decision)
		}
		s.revised = true
		return s.revisePass(ctx)
	}
}

func (s *session) approvedScores(decision GateDecision) map[string]float64 {
	scores := make(map[string]float64)
	for key, value := range s.st.Document().Persistent.QualityScores {
		scores[key] = value
	}
	scores["composite"] = decision.Average
	return scores
}

// revisePass reopens the polish stage and the evaluators, runs them again,
// and re-applies the gate.
func (s *session) revisePass(ctx context.Context) error {
	s.o.logger.Info("quality gate requested revision",
		logging.String(logging.FieldEpisodeID, s.ep.EpisodeID))

	reopen := append([]string{agents.StageScriptPolish}, s.o.evaluatorStages()...)
	if err := s.reopenStages(reopen); err != nil {
		return err
	}
	s.mu.Lock()
	s.evals = make(map[string]*stage.Result)
	s.mu.Unlock()

	polishSpec, ok := s.o.specFor(agents.StageScriptPolish)
	if !ok {
		return services.Wrap(services.ErrPermanent, "", "quality_gate", "no polish stage in graph", nil)
	}
	if _, err := s.runStage(ctx, polishSpec); err != nil {
		return err
	}

	var evalWave []StageSpec
	for _, name := range s.o.evaluatorStages() {
		spec, ok := s.o.specFor(name)
		if !ok {
			continue
		}
		evalWave = append(evalWave, spec)
	}
	if err := s.runWave(ctx, evalWave); err != nil {
		return err
	}
	return s.applyGate(ctx)
}

func (s *session) reopenStages(names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(names))
	for _, name := range names {
		drop[name] = true
	}
	var kept []string
	for _, name := range s.st.Document().Persistent.CompletedStages {
		if !drop[name] {
			kept = append(kept, name)
		}
	}
	return s.st.UpdatePersistent(map[string]any{"completed_stages": kept})
}

func (s *session) escalate(ctx context.Context, decision GateDecision) error {
	s.escalated = true
	reason := decision.Reason()

	s.ep.Status = episode.StatusReview
	s.ep.NeedsReview = true
	s.ep.ReviewReason = reason
	s.ep.LastHeartbeat = nil
	if err := s.o.store.Update(ctx, s.ep); err != nil {
		return err
	}
	if err := s.st.UpdatePersistent(map[string]any{"current_stage": ""}); err != nil {
		return err
	}
	if _, err := s.st.Checkpoint(); err != nil {
		return err
	}
	s.o.logger.Warn("episode escalated to human review",
		logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
		logging.String("reason", reason),
	)
	_ = s.o.notifier.NotifyNeedsReview(ctx, s.ep.EpisodeID, reason)
	return nil
}

func (s *session) halt(ctx context.Context) error {
	s.halted = true
	s.ep.Status = episode.StatusPending
	s.ep.ErrorMessage = "production halted by kill switch"
	s.ep.LastHeartbeat = nil
	if err := s.o.store.Update(ctx, s.ep); err != nil {
		return err
	}
	s.o.logger.Warn("production halted by kill switch",
		logging.String(logging.FieldEpisodeID, s.ep.EpisodeID))
	return nil
}

func (s *session) finalize(ctx context.Context) error {
	if err := s.st.UpdatePersistent(map[string]any{"current_stage": "completed"}); err != nil {
		return err
	}
	s.st.ClearTransient()
	if _, err := s.st.Checkpoint(); err != nil {
		return err
	}

	s.ep.Status = episode.StatusCompleted
	s.ep.CurrentStage = "completed"
	s.ep.ErrorMessage = ""
	s.ep.LastHeartbeat = nil
	if err := s.o.store.Update(ctx, s.ep); err != nil {
		return err
	}
	s.o.logger.Info("episode completed",
		logging.String(logging.FieldEpisodeID, s.ep.EpisodeID),
		logging.Float64("total_cost_usd", s.ep.TotalCost),
	)
	return nil
}

func (s *session) fail(ctx context.Context, cause error) error {
	s.ep.SetFailed(cause.Error())
	if err := s.o.store.Update(ctx, s.ep); err != nil {
		s.o.logger.Error("failed to persist episode failure", logging.Error(err))
	}
	if _, err := s.st.Checkpoint(); err != nil {
		s.o.logger.Error("failed to checkpoint failed episode", logging.Error(err))
	}
	_ = s.o.notifier.NotifyEpisodeFailed(ctx, s.ep.EpisodeID, cause.Error())
	return cause
}
