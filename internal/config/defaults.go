package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Default returns the baseline configuration before file and environment
// overrides are applied.
func Default() Config {
	base := defaultDataRoot()
	return Config{
		Paths: Paths{
			DataDir:       base,
			LogDir:        filepath.Join(base, "logs"),
			CheckpointDir: filepath.Join(base, "checkpoints"),
			AudioDir:      filepath.Join(base, "audio"),
		},
		Budget: Budget{
			MaxEpisodeCost:    5.00,
			WarningThreshold:  0.60,
			CriticalThreshold: 0.90,
		},
		Quality: Quality{
			MinAverageScore: 8.0,
			ResearchDepth:   0.9,
			SourceAuthority: 0.9,
			FactAccuracy:    1.0,
		},
		Failover: Failover{
			Strategy:                   "adaptive",
			HealthCheckIntervalSeconds: 30,
		},
		Optimizer: Optimizer{
			Strategy:        "balanced",
			MLEnabled:       false,
			RetrainInterval: 10,
		},
		Redis: Redis{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Workflow: Workflow{
			PollIntervalSeconds:      5,
			ErrorRetryIntervalSecond: 10,
			HeartbeatIntervalSeconds: 15,
			HeartbeatTimeoutSeconds:  120,
			StageRetries:             2,
			StageConcurrency:         2,
			StageTimeoutSeconds:      600,
			SnapshotHistoryLimit:     100,
			StateSizeWarningMB:       10,
		},
		Logging: Logging{
			Format:        "console",
			Level:         "info",
			RetentionDays: 14,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: 10,
			EpisodeEvents:         true,
			BudgetAlerts:          true,
			Errors:                true,
		},
	}
}

func defaultDataRoot() string {
	if base, ok := os.LookupEnv("XDG_DATA_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "showrunner")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "showrunner-data")
	}
	return filepath.Join(home, ".local", "share", "showrunner")
}

// applyEnvOverrides maps the documented environment variables onto config
// fields. File values lose to the environment.
func (c *Config) applyEnvOverrides() {
	if v, ok := envFloat("MAX_EPISODE_COST"); ok && v > 0 {
		c.Budget.MaxEpisodeCost = v
	}
	if v, ok := envFloat("COST_WARNING_THRESHOLD"); ok && v > 0 && v < 1 {
		c.Budget.WarningThreshold = v
	}
	if v, ok := envFloat("COST_CRITICAL_THRESHOLD"); ok && v > 0 && v <= 1 {
		c.Budget.CriticalThreshold = v
	}
	if v, ok := envFloat("QUALITY_THRESHOLD"); ok && v > 0 {
		c.Quality.MinAverageScore = v
	}
	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = addr
	}
}

func envFloat(name string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
