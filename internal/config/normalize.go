package config

import (
	"strings"
)

// normalize expands paths, lowercases enum-like fields, and backfills
// per-provider defaults so downstream components never special-case zeros.
func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.CheckpointDir, err = expandPath(c.Paths.CheckpointDir); err != nil {
		return err
	}
	if c.Paths.AudioDir, err = expandPath(c.Paths.AudioDir); err != nil {
		return err
	}

	c.Failover.Strategy = strings.ToLower(strings.TrimSpace(c.Failover.Strategy))
	if c.Failover.Strategy == "" {
		c.Failover.Strategy = "adaptive"
	}
	c.Optimizer.Strategy = strings.ToLower(strings.TrimSpace(c.Optimizer.Strategy))
	if c.Optimizer.Strategy == "" {
		c.Optimizer.Strategy = "balanced"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		p.BaseURL = strings.TrimSpace(p.BaseURL)
		p.HealthEndpoint = strings.TrimSpace(p.HealthEndpoint)
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = 60
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		if p.FailureThreshold <= 0 {
			p.FailureThreshold = 5
		}
		if p.SuccessThreshold <= 0 {
			p.SuccessThreshold = 3
		}
		if p.RecoveryTimeoutSeconds <= 0 {
			p.RecoveryTimeoutSeconds = 60
		}
		if p.RequestsPerMinute <= 0 {
			p.RequestsPerMinute = 60
		}
		if p.RequestsPerHour <= 0 {
			p.RequestsPerHour = 1000
		}
	}

	if c.Workflow.SnapshotHistoryLimit <= 0 {
		c.Workflow.SnapshotHistoryLimit = 100
	}
	return nil
}
