package testsupport

import (
	"path/filepath"
	"testing"

	"showrunner/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.CheckpointDir = filepath.Join(base, "checkpoints")
	cfgVal.Paths.AudioDir = filepath.Join(base, "audio")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBudget overrides the per-episode budget on the test config.
func WithBudget(limit float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Budget.MaxEpisodeCost = limit
	}
}

// WithProviders replaces the provider pool on the test config.
func WithProviders(providers ...config.Provider) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Providers = providers
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
