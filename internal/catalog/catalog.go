package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"showrunner/internal/logging"
)

//go:embed pricing.yaml
var embeddedPricing []byte

// ModelPricing describes cost and capability for one (provider, model) pair.
// LLM entries are priced per 1,000 tokens; TTS entries per character.
type ModelPricing struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CharacterRate float64 `yaml:"character_rate"`
	ContextLimit  int     `yaml:"context_limit"`
	QualityScore  float64 `yaml:"quality_score"`
	MinLatencyMS  int     `yaml:"min_latency_ms"`
}

// CharacterPriced reports whether this entry bills per character (TTS).
func (m ModelPricing) CharacterPriced() bool {
	return m.CharacterRate > 0
}

type pricingFile struct {
	Models []ModelPricing `yaml:"models"`
}

// FetchFunc retrieves a live pricing table. A failed fetch falls back to the
// embedded/local data.
type FetchFunc func(ctx context.Context) ([]ModelPricing, error)

// Catalog holds the merged pricing table.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]ModelPricing
	logger  *slog.Logger
	fetch   FetchFunc
}

// Option customizes catalog construction.
type Option func(*Catalog)

// WithLogger attaches a logger for fallback warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) { c.logger = logging.NewComponentLogger(logger, "catalog") }
}

// WithLiveFetch installs a live pricing fetch hook used by Refresh.
func WithLiveFetch(fetch FetchFunc) Option {
	return func(c *Catalog) { c.fetch = fetch }
}

// New builds a catalog from the embedded table.
func New(opts ...Option) (*Catalog, error) {
	cat := &Catalog{
		entries: make(map[string]ModelPricing),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(cat)
	}
	if err := cat.mergeYAML(embeddedPricing); err != nil {
		return nil, fmt.Errorf("parse embedded pricing: %w", err)
	}
	return cat, nil
}

// Load builds a catalog from the embedded table plus an optional override
// file. A missing override path is not an error.
func Load(overridePath string, opts ...Option) (*Catalog, error) {
	cat, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(overridePath) == "" {
		return cat, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return nil, fmt.Errorf("read catalog override: %w", err)
	}
	if err := cat.mergeYAML(data); err != nil {
		return nil, fmt.Errorf("parse catalog override: %w", err)
	}
	return cat, nil
}

func (c *Catalog) mergeYAML(data []byte) error {
	var parsed pricingFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range parsed.Models {
		entry.Provider = strings.ToLower(strings.TrimSpace(entry.Provider))
		entry.Model = strings.TrimSpace(entry.Model)
		if entry.Provider == "" || entry.Model == "" {
			continue
		}
		if entry.InputPer1K < 0 || entry.OutputPer1K < 0 || entry.CharacterRate < 0 {
			return fmt.Errorf("negative price for %s/%s", entry.Provider, entry.Model)
		}
		c.entries[key(entry.Provider, entry.Model)] = entry
	}
	return nil
}

// Refresh pulls the live pricing table when a fetch hook is installed. On
// failure the current table is kept and a warning is logged.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.fetch == nil {
		return nil
	}
	live, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn("live pricing fetch failed, keeping embedded table",
			logging.Error(err),
			logging.String(logging.FieldEventType, "catalog_fetch_failed"),
		)
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range live {
		entry.Provider = strings.ToLower(strings.TrimSpace(entry.Provider))
		if entry.Provider == "" || entry.Model == "" {
			continue
		}
		if entry.InputPer1K < 0 || entry.OutputPer1K < 0 || entry.CharacterRate < 0 {
			continue
		}
		c.entries[key(entry.Provider, entry.Model)] = entry
	}
	return nil
}

// Pricing returns the entry for a (provider, model) pair.
func (c *Catalog) Pricing(provider, model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key(provider, model)]
	return entry, ok
}

// ContextLimit returns the context window for a (provider, model) pair.
func (c *Catalog) ContextLimit(provider, model string) (int, bool) {
	entry, ok := c.Pricing(provider, model)
	if !ok {
		return 0, false
	}
	return entry.ContextLimit, true
}

// ListModels returns entries, optionally filtered by provider, sorted by
// provider then model for stable output.
func (c *Catalog) ListModels(provider string) []ModelPricing {
	provider = strings.ToLower(strings.TrimSpace(provider))
	c.mu.RLock()
	defer c.mu.RUnlock()
	models := make([]ModelPricing, 0, len(c.entries))
	for _, entry := range c.entries {
		if provider != "" && entry.Provider != provider {
			continue
		}
		models = append(models, entry)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].Model < models[j].Model
	})
	return models
}

// CharacterPriced reports whether any model for the provider bills per
// character. Used by the ledger to pick the TTS pricing path.
func (c *Catalog) CharacterPriced(provider string) bool {
	for _, entry := range c.ListModels(provider) {
		if entry.CharacterPriced() {
			return true
		}
	}
	return false
}

func key(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.TrimSpace(model)
}
