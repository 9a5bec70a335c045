// Package flags is a durable feature flag store backed by a JSON file.
// Flags may carry an auto-rollback rule: enough reported failures inside a
// time window disable the flag without operator action.
package flags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"showrunner/internal/logging"
)

// AutoRollback disables a flag after FailureThreshold failures within Window.
type AutoRollback struct {
	FailureThreshold int           `json:"failure_threshold"`
	Window           time.Duration `json:"time_window"`
}

// Flag is one named switch.
type Flag struct {
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	Experimental bool          `json:"experimental,omitempty"`
	AutoRollback *AutoRollback `json:"auto_rollback,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`

	failures []time.Time
}

type flagFile struct {
	Flags map[string]*Flag `json:"flags"`
}

// Store owns the flag file. All mutations are persisted before they return.
type Store struct {
	path   string
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	flags map[string]*Flag
}

// Option customizes store construction.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open loads the flag file, creating an empty store when it does not exist.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logging.NewNop(),
		clock:  time.Now,
		flags:  make(map[string]*Flag),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	var file flagFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode flag file %s: %w", path, err)
	}
	if file.Flags != nil {
		s.flags = file.Flags
	}
	for name, flag := range s.flags {
		flag.Name = name
	}
	return s, nil
}

// Set creates or replaces a flag definition.
func (s *Store) Set(name string, enabled bool, rollback *AutoRollback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[name]
	if !ok {
		flag = &Flag{Name: name, Experimental: isExperimental(name)}
		s.flags[name] = flag
	}
	flag.Enabled = enabled
	flag.AutoRollback = rollback
	flag.UpdatedAt = s.clock().UTC()
	flag.failures = nil
	return s.persistLocked()
}

// IsEnabled reports the flag state. Unknown flags are disabled.
func (s *Store) IsEnabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.flags[name]
	return ok && flag.Enabled
}

// ReportFailure records a failure against the flag and applies the
// auto-rollback rule. Returns true when the flag was disabled by this report.
func (s *Store) ReportFailure(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[name]
	if !ok || !flag.Enabled || flag.AutoRollback == nil {
		return false, nil
	}

	now := s.clock()
	cutoff := now.Add(-flag.AutoRollback.Window)
	kept := flag.failures[:0]
	for _, at := range flag.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	flag.failures = append(kept, now)

	if len(flag.failures) < flag.AutoRollback.FailureThreshold {
		return false, nil
	}

	flag.Enabled = false
	flag.UpdatedAt = now.UTC()
	flag.failures = nil
	s.logger.Warn("feature flag auto-disabled after repeated failures",
		logging.String("flag", name),
		logging.Int("failure_threshold", flag.AutoRollback.FailureThreshold))
	return true, s.persistLocked()
}

// EmergencyDisable turns a flag off immediately.
func (s *Store) EmergencyDisable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[name]
	if !ok {
		flag = &Flag{Name: name, Experimental: isExperimental(name)}
		s.flags[name] = flag
	}
	flag.Enabled = false
	flag.UpdatedAt = s.clock().UTC()
	s.logger.Warn("feature flag emergency-disabled", logging.String("flag", name))
	return s.persistLocked()
}

// EmergencyKillAllExperimental disables every experimental flag at once.
func (s *Store) EmergencyKillAllExperimental() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	killed := 0
	now := s.clock().UTC()
	for _, flag := range s.flags {
		if flag.Experimental && flag.Enabled {
			flag.Enabled = false
			flag.UpdatedAt = now
			killed++
		}
	}
	if killed == 0 {
		return 0, nil
	}
	s.logger.Warn("experimental feature flags killed", logging.Int("count", killed))
	return killed, s.persistLocked()
}

// List returns all flags sorted by name.
func (s *Store) List() []Flag {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Flag, 0, len(s.flags))
	for _, flag := range s.flags {
		out = append(out, *flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// isExperimental treats names with an experimental prefix as kill-switch
// targets for EmergencyKillAllExperimental.
func isExperimental(name string) bool {
	return strings.HasPrefix(name, "experimental_") || strings.HasSuffix(name, "_experimental")
}

// persistLocked writes the flag file atomically via a temp file rename.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create flag directory: %w", err)
	}
	data, err := json.MarshalIndent(flagFile{Flags: s.flags}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write flag file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace flag file: %w", err)
	}
	return nil
}
