package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"showrunner/internal/logging"
	"showrunner/internal/services"
)

// DefaultHistoryLimit bounds the in-memory snapshot history.
const DefaultHistoryLimit = 100

// episodeLocks hands out one advisory lock per episode id, process-wide.
var episodeLocks sync.Map

func lockFor(episodeID string) *sync.Mutex {
	actual, _ := episodeLocks.LoadOrStore(episodeID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Store is the single writer for one episode's document.
type Store struct {
	dir          string
	historyLimit int
	sizeWarnMB   float64
	logger       *slog.Logger
	clock        func() time.Time

	mu      *sync.Mutex
	doc     Document
	history []Snapshot
}

// StoreOption customizes store construction.
type StoreOption func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithHistoryLimit bounds the snapshot history.
func WithHistoryLimit(limit int) StoreOption {
	return func(s *Store) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithSizeWarnMB sets the serialized-size warning threshold.
func WithSizeWarnMB(mb float64) StoreOption {
	return func(s *Store) {
		if mb > 0 {
			s.sizeWarnMB = mb
		}
	}
}

// NewStore opens a store over a validated document. Checkpoint files are
// written under dir.
func NewStore(dir string, doc Document, opts ...StoreOption) (*Store, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	s := &Store{
		dir:          dir,
		historyLimit: DefaultHistoryLimit,
		sizeWarnMB:   10,
		logger:       logging.NewNop(),
		clock:        time.Now,
		mu:           lockFor(doc.Persistent.EpisodeID),
		doc:          doc.clone(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Document returns an independent copy of the live document.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// UpdatePersistent merges a patch into the persistent partition. The merge is
// rejected wholesale when the result violates an invariant.
func (s *Store) UpdatePersistent(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := mergeInto(s.doc.Persistent, patch)
	if err != nil {
		return err
	}
	var next Persistent
	if err := remarshal(merged, &next); err != nil {
		return err
	}
	candidate := s.doc.clone()
	candidate.Persistent = next
	candidate.Persistent.UpdatedAt = s.clock().UTC()
	if err := candidate.Validate(); err != nil {
		return err
	}
	s.doc = candidate
	return nil
}

// UpdateTransient merges a patch into the transient partition.
func (s *Store) UpdateTransient(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := mergeInto(s.doc.Transient, patch)
	if err != nil {
		return err
	}
	var next Transient
	if err := remarshal(merged, &next); err != nil {
		return err
	}
	s.doc.Transient = next
	return nil
}

// ClearTransient drops the transient partition.
func (s *Store) ClearTransient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Transient = Transient{TempResults: map[string]any{}}
}

// Checkpoint seals the current document into a snapshot, appends it to the
// bounded history, and writes checkpoint_<stage>_<timestamp>.json. The
// returned id names the file for Restore.
func (s *Store) Checkpoint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	snap, err := newSnapshot(s.doc, now)
	if err != nil {
		return "", err
	}

	s.history = append(s.history, snap)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}

	stage := s.doc.Persistent.CurrentStage
	if stage == "" {
		stage = "init"
	}
	id := fmt.Sprintf("checkpoint_%s_%s.json", stage, now.UTC().Format("20060102T150405.000"))

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize checkpoint: %w", err)
	}
	path := filepath.Join(s.dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", id, err)
	}

	s.logger.Debug("checkpoint written",
		logging.String(logging.FieldEpisodeID, s.doc.Persistent.EpisodeID),
		logging.String(logging.FieldStage, stage),
		logging.String("checkpoint", id))
	return id, nil
}

// Restore replaces the live document from a checkpoint file after verifying
// its checksum and migrating older versions.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		return services.Wrap(services.ErrStateMigration, "", "restore",
			fmt.Sprintf("read checkpoint %s", id), err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return services.Wrap(services.ErrStateMigration, "", "restore",
			fmt.Sprintf("decode checkpoint %s", id), err)
	}
	if err := snap.VerifyIntegrity(); err != nil {
		return err
	}

	doc := Document{Version: snap.Version, Persistent: snap.Persistent, Transient: snap.Transient}
	if doc.Version != CurrentVersion {
		raw, err := docToMap(doc)
		if err != nil {
			return err
		}
		doc, err = Load(raw)
		if err != nil {
			return err
		}
	} else if err := doc.Validate(); err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// History returns a copy of the retained snapshots, oldest first.
func (s *Store) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// SizeMB reports the serialized document size and warns above the threshold.
func (s *Store) SizeMB() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(s.doc)
	if err != nil {
		return 0
	}
	mb := float64(len(data)) / (1024 * 1024)
	if mb > s.sizeWarnMB {
		s.logger.Warn("episode state is large",
			logging.String(logging.FieldEpisodeID, s.doc.Persistent.EpisodeID),
			logging.Float64("size_mb", mb),
			logging.Float64("threshold_mb", s.sizeWarnMB))
	}
	return mb
}

// mergeInto shallow-merges a patch over the struct's JSON map form.
func mergeInto(base any, patch map[string]any) (map[string]any, error) {
	var m map[string]any
	if err := remarshal(base, &m); err != nil {
		return nil, err
	}
	for key, value := range patch {
		m[key] = value
	}
	return m, nil
}

func remarshal(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return services.Wrap(services.ErrStateValidation, "", "merge", "serialize partition", err)
	}
	if err := json.Unmarshal(data, to); err != nil {
		return services.Wrap(services.ErrStateValidation, "", "merge", "decode merged partition", err)
	}
	return nil
}

func docToMap(doc Document) (map[string]any, error) {
	var raw map[string]any
	if err := remarshal(doc, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
