package config

import (
	"errors"
	"fmt"
	"strings"
)

var validStrategies = map[string]struct{}{
	"round_robin":   {},
	"weighted":      {},
	"priority":      {},
	"least_latency": {},
	"adaptive":      {},
}

var validOptimizerStrategies = map[string]struct{}{
	"quality_first": {},
	"budget_first":  {},
	"speed_first":   {},
	"balanced":      {},
}

// Validate checks cross-field invariants. It is called after normalize.
func (c *Config) Validate() error {
	var problems []string

	if c.Budget.MaxEpisodeCost <= 0 {
		problems = append(problems, "budget.max_episode_cost must be positive")
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold >= 1 {
		problems = append(problems, "budget.warning_threshold must be in (0, 1)")
	}
	if c.Budget.CriticalThreshold <= c.Budget.WarningThreshold || c.Budget.CriticalThreshold > 1 {
		problems = append(problems, "budget.critical_threshold must be above the warning threshold and at most 1")
	}
	if c.Quality.MinAverageScore < 0 || c.Quality.MinAverageScore > 10 {
		problems = append(problems, "quality.min_average_score must be in [0, 10]")
	}
	for _, dim := range []struct {
		name  string
		value float64
	}{
		{"quality.research_depth", c.Quality.ResearchDepth},
		{"quality.source_authority", c.Quality.SourceAuthority},
		{"quality.fact_accuracy", c.Quality.FactAccuracy},
	} {
		if dim.value < 0 || dim.value > 1 {
			problems = append(problems, fmt.Sprintf("%s must be in [0, 1]", dim.name))
		}
	}

	if _, ok := validStrategies[c.Failover.Strategy]; !ok {
		problems = append(problems, fmt.Sprintf("failover.strategy %q is not one of round_robin, weighted, priority, least_latency, adaptive", c.Failover.Strategy))
	}
	if _, ok := validOptimizerStrategies[c.Optimizer.Strategy]; !ok {
		problems = append(problems, fmt.Sprintf("optimizer.strategy %q is not one of quality_first, budget_first, speed_first, balanced", c.Optimizer.Strategy))
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, provider := range c.Providers {
		name := strings.ToLower(strings.TrimSpace(provider.Name))
		if name == "" {
			problems = append(problems, fmt.Sprintf("providers[%d].name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("providers[%d].name %q is duplicated", i, provider.Name))
		}
		seen[name] = struct{}{}
		if provider.Weight <= 0 {
			problems = append(problems, fmt.Sprintf("providers[%d].weight must be positive", i))
		}
		if strings.TrimSpace(provider.BaseURL) == "" {
			problems = append(problems, fmt.Sprintf("providers[%d].base_url is required", i))
		}
	}

	if c.Workflow.StageConcurrency < 1 {
		problems = append(problems, "workflow.stage_concurrency must be at least 1")
	}
	if c.Workflow.StageRetries < 0 {
		problems = append(problems, "workflow.stage_retries must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
