package pipeline

import (
	"fmt"

	"showrunner/internal/agents"
)

// StageSpec declares one stage and its scheduling dependencies. Requires are
// hard ordering edges. Prefers order the stage after another only when that
// stage is actually scheduled, so optional stages can be skipped without
// rewiring the graph. Conflicts keep two stages out of the same wave.
type StageSpec struct {
	Name      string
	Requires  []string
	Prefers   []string
	Conflicts []string

	// Evaluator marks stages whose results feed the quality gate.
	Evaluator bool
	// Optional stages may be skipped by feature flag; nothing may require
	// an optional stage.
	Optional bool
}

// DefaultGraph is the standard nine-stage episode production graph. The deep
// dive is optional: synthesis prefers it but only requires discovery, so a
// skip flag degrades research depth instead of stalling the episode.
func DefaultGraph() []StageSpec {
	return []StageSpec{
		{Name: agents.StageResearchDiscovery},
		{Name: agents.StageResearchDeepDive, Requires: []string{agents.StageResearchDiscovery}, Optional: true},
		{Name: agents.StageResearchSynthesis, Requires: []string{agents.StageResearchDiscovery}, Prefers: []string{agents.StageResearchDeepDive}},
		{Name: agents.StageScriptDraft, Requires: []string{agents.StageResearchSynthesis}},
		{Name: agents.StageScriptPolish, Requires: []string{agents.StageScriptDraft}},
		{Name: agents.StageEvaluatorClaude, Requires: []string{agents.StageScriptPolish}, Evaluator: true},
		{Name: agents.StageEvaluatorGemini, Requires: []string{agents.StageScriptPolish}, Evaluator: true},
		{Name: agents.StageBrandAlignment, Requires: []string{agents.StageEvaluatorClaude, agents.StageEvaluatorGemini}},
		{Name: agents.StageTTSSynthesis, Requires: []string{agents.StageBrandAlignment}},
	}
}

// PlanWaves orders the not-yet-completed stages into execution waves. Stages
// in one wave have no edges between them and may run concurrently. Completed
// stages satisfy dependencies without being scheduled.
func PlanWaves(graph []StageSpec, completed map[string]bool) ([][]StageSpec, error) {
	known := make(map[string]StageSpec, len(graph))
	for _, spec := range graph {
		if _, dup := known[spec.Name]; dup {
			return nil, fmt.Errorf("pipeline graph: duplicate stage %s", spec.Name)
		}
		known[spec.Name] = spec
	}
	for _, spec := range graph {
		for _, dep := range append(append([]string{}, spec.Requires...), spec.Prefers...) {
			if _, ok := known[dep]; !ok {
				return nil, fmt.Errorf("pipeline graph: stage %s depends on unknown stage %s", spec.Name, dep)
			}
		}
		for _, dep := range spec.Requires {
			if known[dep].Optional {
				return nil, fmt.Errorf("pipeline graph: stage %s requires optional stage %s", spec.Name, dep)
			}
		}
	}

	pending := make([]StageSpec, 0, len(graph))
	pendingSet := make(map[string]bool)
	for _, spec := range graph {
		if completed[spec.Name] {
			continue
		}
		pending = append(pending, spec)
		pendingSet[spec.Name] = true
	}

	done := make(map[string]bool, len(completed))
	for name := range completed {
		done[name] = true
	}

	var waves [][]StageSpec
	for len(pending) > 0 {
		var wave []StageSpec
		waveSet := make(map[string]bool)
		var rest []StageSpec
		for _, spec := range pending {
			if !readyFor(spec, done, pendingSet) || conflictsWith(spec, waveSet) {
				rest = append(rest, spec)
				continue
			}
			wave = append(wave, spec)
			waveSet[spec.Name] = true
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("pipeline graph: dependency cycle among %d stages", len(pending))
		}
		for _, spec := range wave {
			done[spec.Name] = true
			delete(pendingSet, spec.Name)
		}
		waves = append(waves, wave)
		pending = rest
	}
	return waves, nil
}

func readyFor(spec StageSpec, done, pendingSet map[string]bool) bool {
	for _, dep := range spec.Requires {
		if !done[dep] {
			return false
		}
	}
	for _, dep := range spec.Prefers {
		// A preferred stage only orders us when it is still waiting to run.
		if pendingSet[dep] && !done[dep] {
			return false
		}
	}
	return true
}

func conflictsWith(spec StageSpec, waveSet map[string]bool) bool {
	for _, other := range spec.Conflicts {
		if waveSet[other] {
			return true
		}
	}
	return false
}
