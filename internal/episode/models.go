package episode

import (
	"strings"
	"time"
)

// Status is the coarse episode lifecycle used by the daemon poll loop.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProducing Status = "producing"
	StatusReview    Status = "review"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusProducing,
	StatusReview,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// DaemonStopReason is recorded when in-flight episodes are failed because the
// daemon shut down.
const DaemonStopReason = "daemon stopped"

// StageStatus is the per-stage lifecycle within an episode.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Episode is one production run persisted in SQLite.
type Episode struct {
	ID            int64
	EpisodeID     string
	Topic         string
	BudgetLimit   float64
	Status        Status
	CurrentStage  string
	ScriptPath    string
	AudioPath     string
	TotalCost     float64
	ErrorMessage  string
	NeedsReview   bool
	ReviewReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastHeartbeat *time.Time
}

// StageRecord is one append-only stage lifecycle entry.
type StageRecord struct {
	ID           int64
	EpisodeID    string
	Stage        string
	Status       StageStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	CostUSD      float64
	OutputRef    string
	ErrorContext string
	CreatedAt    time.Time
}

// HealthSummary aggregates episode counts per lifecycle state.
type HealthSummary struct {
	Total     int
	Pending   int
	Producing int
	Review    int
	Completed int
	Failed    int
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the episode has finished for good.
func (e Episode) IsTerminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// SetFailed marks the episode failed, clearing the heartbeat.
func (e *Episode) SetFailed(message string) {
	e.Status = StatusFailed
	e.ErrorMessage = message
	e.LastHeartbeat = nil
}
