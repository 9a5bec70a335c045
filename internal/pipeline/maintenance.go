package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"showrunner/internal/config"
	"showrunner/internal/logging"
)

// Maintenance schedules nightly housekeeping: rotating the cost audit log,
// pruning old checkpoints, and deleting logs past the retention window.
type Maintenance struct {
	cfg    *config.Config
	logger *slog.Logger
	cron   *cron.Cron
}

const nightlySchedule = "0 3 * * *"

// NewMaintenance builds the scheduler without starting it.
func NewMaintenance(cfg *config.Config, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Maintenance{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "maintenance"),
		cron:   cron.New(),
	}
}

// AddJob registers an extra scheduled job using cron syntax.
func (m *Maintenance) AddJob(schedule string, job func()) error {
	_, err := m.cron.AddFunc(schedule, job)
	return err
}

// Start registers the built-in jobs and begins the schedule.
func (m *Maintenance) Start() error {
	jobs := []struct {
		name string
		run  func() error
	}{
		{"archive_cost_log", m.archiveCostLog},
		{"prune_checkpoints", m.pruneCheckpoints},
		{"prune_logs", m.pruneLogs},
	}
	for _, job := range jobs {
		job := job
		if _, err := m.cron.AddFunc(nightlySchedule, func() {
			if err := job.run(); err != nil {
				m.logger.Warn("maintenance job failed",
					logging.String("job", job.name),
					logging.Error(err),
				)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// archiveCostLog moves the append-only cost CSV into a dated archive file so
// the live log stays small. The ledger recreates the file with a header on
// the next write.
func (m *Maintenance) archiveCostLog() error {
	live := filepath.Join(m.cfg.Paths.LogDir, costLogName)
	if _, err := os.Stat(live); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	archiveDir := filepath.Join(m.cfg.Paths.LogDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102")
	target := filepath.Join(archiveDir, fmt.Sprintf("episode_costs_%s.csv", stamp))
	if _, err := os.Stat(target); err == nil {
		// Already archived today.
		return nil
	}
	if err := os.Rename(live, target); err != nil {
		return err
	}
	m.logger.Info("archived cost log", logging.String("archive", target))
	return nil
}

// pruneCheckpoints keeps the newest checkpoints per episode and removes the
// rest beyond the snapshot history limit.
func (m *Maintenance) pruneCheckpoints() error {
	limit := m.cfg.Workflow.SnapshotHistoryLimit
	if limit <= 0 {
		return nil
	}
	episodes, err := os.ReadDir(m.cfg.Paths.CheckpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range episodes {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.Paths.CheckpointDir, entry.Name())
		files, err := filepath.Glob(filepath.Join(dir, "checkpoint_*.json"))
		if err != nil {
			return err
		}
		if len(files) <= limit {
			continue
		}
		// Checkpoint filenames end in a sortable UTC timestamp.
		sortByCheckpointStamp(files)
		for _, stale := range files[:len(files)-limit] {
			if err := os.Remove(stale); err != nil {
				m.logger.Warn("failed to prune checkpoint",
					logging.String("checkpoint", stale), logging.Error(err))
			}
		}
	}
	return nil
}

// pruneLogs deletes log files older than the retention window.
func (m *Maintenance) pruneLogs() error {
	retention := m.cfg.Logging.RetentionDays
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retention)
	entries, err := os.ReadDir(m.cfg.Paths.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.Paths.LogDir, entry.Name())
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to prune log file",
				logging.String("file", path), logging.Error(err))
		}
	}
	return nil
}

func sortByCheckpointStamp(files []string) {
	stamp := func(path string) string {
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		if idx := strings.LastIndex(name, "_"); idx >= 0 {
			return name[idx+1:]
		}
		return name
	}
	sort.Slice(files, func(i, j int) bool { return stamp(files[i]) < stamp(files[j]) })
}
