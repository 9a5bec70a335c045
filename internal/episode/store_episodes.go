package episode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const episodeColumns = "id, episode_id, topic, budget_limit, status, current_stage, script_path, audio_path, total_cost, error_message, needs_review, review_reason, created_at, updated_at, last_heartbeat"

func scanEpisode(scanner interface{ Scan(dest ...any) error }) (*Episode, error) {
	var (
		id            int64
		episodeID     string
		topic         string
		budgetLimit   float64
		statusStr     string
		currentStage  sql.NullString
		scriptPath    sql.NullString
		audioPath     sql.NullString
		totalCost     sql.NullFloat64
		errorMessage  sql.NullString
		needsReview   sql.NullInt64
		reviewReason  sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
		heartbeatRaw  sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&episodeID,
		&topic,
		&budgetLimit,
		&statusStr,
		&currentStage,
		&scriptPath,
		&audioPath,
		&totalCost,
		&errorMessage,
		&needsReview,
		&reviewReason,
		&createdRaw,
		&updatedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	status, ok := ParseStatus(statusStr)
	if !ok {
		return nil, fmt.Errorf("unknown episode status %q", statusStr)
	}

	return &Episode{
		ID:            id,
		EpisodeID:     episodeID,
		Topic:         topic,
		BudgetLimit:   budgetLimit,
		Status:        status,
		CurrentStage:  currentStage.String,
		ScriptPath:    scriptPath.String,
		AudioPath:     audioPath.String,
		TotalCost:     totalCost.Float64,
		ErrorMessage:  errorMessage.String,
		NeedsReview:   needsReview.Int64 != 0,
		ReviewReason:  reviewReason.String,
		CreatedAt:     parseTimestamp(createdRaw),
		UpdatedAt:     parseTimestamp(updatedRaw),
		LastHeartbeat: parseTimestampPtr(heartbeatRaw),
	}, nil
}

// NewEpisode inserts a pending episode.
func (s *Store) NewEpisode(ctx context.Context, episodeID, topic string, budget float64) (*Episode, error) {
	if len(episodeID) < 5 {
		return nil, errors.New("episode id must be at least 5 characters")
	}
	if budget <= 0 {
		return nil, errors.New("budget must be positive")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO episodes (episode_id, topic, budget_limit, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		episodeID,
		topic,
		budget,
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}
	return s.GetByEpisodeID(ctx, episodeID)
}

// GetByEpisodeID fetches an episode by its external identifier. A missing
// episode returns nil without error.
func (s *Store) GetByEpisodeID(ctx context.Context, episodeID string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE episode_id = ?`, episodeID)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// Update persists changes to an existing episode.
func (s *Store) Update(ctx context.Context, ep *Episode) error {
	if ep == nil {
		return errors.New("episode is nil")
	}
	ep.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE episodes
         SET topic = ?, budget_limit = ?, status = ?, current_stage = ?,
             script_path = ?, audio_path = ?, total_cost = ?, error_message = ?,
             needs_review = ?, review_reason = ?, updated_at = ?, last_heartbeat = ?
         WHERE episode_id = ?`,
		ep.Topic,
		ep.BudgetLimit,
		ep.Status,
		nullableString(ep.CurrentStage),
		nullableString(ep.ScriptPath),
		nullableString(ep.AudioPath),
		ep.TotalCost,
		nullableString(ep.ErrorMessage),
		boolToInt(ep.NeedsReview),
		nullableString(ep.ReviewReason),
		ep.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(ep.LastHeartbeat),
		ep.EpisodeID,
	); err != nil {
		return fmt.Errorf("update episode: %w", err)
	}
	return nil
}

// List returns episodes filtered by status set, or all when none is given.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Episode, error) {
	baseQuery := `SELECT ` + episodeColumns + ` FROM episodes`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// NextForStatuses returns the oldest episode matching any of the statuses.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Episode, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE status IN (`+placeholders+`) ORDER BY created_at LIMIT 1`,
		args...)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Heartbeat stamps an in-flight episode so stale work can be reclaimed after
// a crash.
func (s *Store) Heartbeat(ctx context.Context, episodeID string, at time.Time) error {
	return s.execWithoutResultRetry(ctx,
		`UPDATE episodes SET last_heartbeat = ? WHERE episode_id = ?`,
		at.UTC().Format(time.RFC3339Nano), episodeID)
}

// ReclaimStale resets producing episodes whose heartbeat is older than the
// timeout back to pending so the daemon can resume them. Returns the number
// of reclaimed episodes.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-timeout).UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes
         SET status = ?, last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusPending,
		now.UTC().Format(time.RFC3339Nano),
		StatusProducing,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale episodes: %w", err)
	}
	return res.RowsAffected()
}

// FailInFlight marks every producing episode failed. Called on daemon
// shutdown when work cannot be resumed cleanly.
func (s *Store) FailInFlight(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes
         SET status = ?, error_message = ?, last_heartbeat = NULL, updated_at = ?
         WHERE status = ?`,
		StatusFailed, reason, now, StatusProducing)
	if err != nil {
		return 0, fmt.Errorf("fail in-flight episodes: %w", err)
	}
	return res.RowsAffected()
}

// Remove deletes an episode and its stage records.
func (s *Store) Remove(ctx context.Context, episodeID string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM episodes WHERE episode_id = ?`, episodeID)
	if err != nil {
		return false, fmt.Errorf("delete episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Health aggregates episode counts per lifecycle state.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM episodes GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("episode health: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var statusStr string
		var count int
		if err := rows.Scan(&statusStr, &count); err != nil {
			return HealthSummary{}, err
		}
		summary.Total += count
		switch Status(statusStr) {
		case StatusPending:
			summary.Pending = count
		case StatusProducing:
			summary.Producing = count
		case StatusReview:
			summary.Review = count
		case StatusCompleted:
			summary.Completed = count
		case StatusFailed:
			summary.Failed = count
		}
	}
	return summary, rows.Err()
}
