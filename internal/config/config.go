package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir       string `toml:"data_dir"`
	LogDir        string `toml:"log_dir"`
	CheckpointDir string `toml:"checkpoint_dir"`
	AudioDir      string `toml:"audio_dir"`
}

// Budget contains episode cost limits and alert thresholds.
type Budget struct {
	// MaxEpisodeCost is the hard per-episode ceiling in USD.
	MaxEpisodeCost float64 `toml:"max_episode_cost"`
	// WarningThreshold and CriticalThreshold are fractions of the budget
	// (0-1) at which alerts fire.
	WarningThreshold  float64 `toml:"warning_threshold"`
	CriticalThreshold float64 `toml:"critical_threshold"`
}

// Quality contains evaluation gate thresholds.
type Quality struct {
	// MinAverageScore is the composite approval floor on the 0-10 scale.
	MinAverageScore float64 `toml:"min_average_score"`
	// ResearchDepth and SourceAuthority are per-dimension floors on the 0-1 scale.
	ResearchDepth   float64 `toml:"research_depth"`
	SourceAuthority float64 `toml:"source_authority"`
	// FactAccuracy must be met exactly; anything below rejects.
	FactAccuracy float64 `toml:"fact_accuracy"`
}

// Provider describes one upstream AI service endpoint.
type Provider struct {
	Name           string   `toml:"name"`
	BaseURL        string   `toml:"base_url"`
	APIKeyEnv      string   `toml:"api_key_env"`
	Priority       int      `toml:"priority"`
	Weight         float64  `toml:"weight"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Models         []string `toml:"models"`
	HealthEndpoint string   `toml:"health_endpoint"`

	FailureThreshold       int     `toml:"failure_threshold"`
	SuccessThreshold       int     `toml:"success_threshold"`
	RecoveryTimeoutSeconds int     `toml:"recovery_timeout_seconds"`
	RequestsPerMinute      int     `toml:"requests_per_minute"`
	RequestsPerHour        int     `toml:"requests_per_hour"`
	CostCeilingPerHour     float64 `toml:"cost_ceiling_per_hour"`
}

// APIKey resolves the provider key from the configured environment variable.
// Keys are never stored in the config file itself.
func (p Provider) APIKey() string {
	if strings.TrimSpace(p.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

// Failover contains provider selection settings.
type Failover struct {
	Strategy                   string `toml:"strategy"`
	HealthCheckIntervalSeconds int    `toml:"health_check_interval_seconds"`
}

// Optimizer contains cost prediction settings.
type Optimizer struct {
	Strategy        string `toml:"strategy"`
	MLEnabled       bool   `toml:"ml_enabled"`
	RetrainInterval int    `toml:"retrain_interval"`
}

// Redis contains the optional endpoint used for metric aggregation and
// historical cost samples. The core runs fully without it.
type Redis struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Workflow contains daemon timing and retry settings.
type Workflow struct {
	PollIntervalSeconds      int `toml:"poll_interval_seconds"`
	ErrorRetryIntervalSecond int `toml:"error_retry_interval_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `toml:"heartbeat_timeout_seconds"`
	StageRetries             int `toml:"stage_retries"`
	StageConcurrency         int `toml:"stage_concurrency"`
	StageTimeoutSeconds      int `toml:"stage_timeout_seconds"`
	SnapshotHistoryLimit     int `toml:"snapshot_history_limit"`
	StateSizeWarningMB       int `toml:"state_size_warning_mb"`
}

// Logging contains log output settings.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains ntfy push notification settings.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	EpisodeEvents         bool   `toml:"episode_events"`
	BudgetAlerts          bool   `toml:"budget_alerts"`
	Errors                bool   `toml:"errors"`
}

// Config encapsulates all configuration values for showrunner.
//
// Sections by subsystem:
//   - Paths: data, log, checkpoint, and audio directories
//   - Budget: per-episode cost ceiling and alert thresholds
//   - Quality: evaluation gate thresholds
//   - Providers: upstream AI services (research, LLM, TTS)
//   - Failover: provider selection strategy and health checks
//   - Optimizer: cost prediction strategy and optional ML refinement
//   - Redis: optional metric aggregation endpoint
//   - Workflow: daemon polling, retries, and state retention
//   - Logging: format, level, retention
//   - Notifications: ntfy settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Budget        Budget        `toml:"budget"`
	Quality       Quality       `toml:"quality"`
	Providers     []Provider    `toml:"providers"`
	Failover      Failover      `toml:"failover"`
	Optimizer     Optimizer     `toml:"optimizer"`
	Redis         Redis         `toml:"redis"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/showrunner/config.toml")
}

// Load locates, parses, and validates a configuration file. Environment
// overrides are applied after the file is read. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("showrunner.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories daemon operation requires.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.CheckpointDir, c.Paths.AudioDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ProviderByName returns the provider entry with the given name.
func (c *Config) ProviderByName(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Provider{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
