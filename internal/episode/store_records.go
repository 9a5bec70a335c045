package episode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = "id, episode_id, stage, status, started_at, ended_at, cost_usd, output_ref, error_context, created_at"

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*StageRecord, error) {
	var (
		id           int64
		episodeID    string
		stage        string
		statusStr    string
		startedRaw   sql.NullString
		endedRaw     sql.NullString
		costUSD      sql.NullFloat64
		outputRef    sql.NullString
		errorContext sql.NullString
		createdRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&episodeID,
		&stage,
		&statusStr,
		&startedRaw,
		&endedRaw,
		&costUSD,
		&outputRef,
		&errorContext,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	return &StageRecord{
		ID:           id,
		EpisodeID:    episodeID,
		Stage:        stage,
		Status:       StageStatus(statusStr),
		StartedAt:    parseTimestampPtr(startedRaw),
		EndedAt:      parseTimestampPtr(endedRaw),
		CostUSD:      costUSD.Float64,
		OutputRef:    outputRef.String,
		ErrorContext: errorContext.String,
		CreatedAt:    parseTimestamp(createdRaw),
	}, nil
}

// AppendStageRecord writes one stage lifecycle entry. Records are append-only:
// a stage retried after failure gets a fresh record rather than reopening the
// previous one.
func (s *Store) AppendStageRecord(ctx context.Context, record *StageRecord) (*StageRecord, error) {
	if record == nil {
		return nil, errors.New("stage record is nil")
	}
	if record.EpisodeID == "" || record.Stage == "" {
		return nil, errors.New("stage record needs episode id and stage")
	}

	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO stage_records (episode_id, stage, status, started_at, ended_at, cost_usd, output_ref, error_context, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.EpisodeID,
		record.Stage,
		record.Status,
		nullableTime(record.StartedAt),
		nullableTime(record.EndedAt),
		record.CostUSD,
		nullableString(record.OutputRef),
		nullableString(record.ErrorContext),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert stage record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM stage_records WHERE id = ?`, id)
	return scanRecord(row)
}

// StageRecords returns all records for an episode in insertion order.
func (s *Store) StageRecords(ctx context.Context, episodeID string) ([]*StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM stage_records WHERE episode_id = ? ORDER BY id`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// LatestStageRecord returns the most recent record for one stage of an
// episode, or nil when the stage has never run.
func (s *Store) LatestStageRecord(ctx context.Context, episodeID, stage string) (*StageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM stage_records WHERE episode_id = ? AND stage = ? ORDER BY id DESC LIMIT 1`,
		episodeID, stage)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest stage record: %w", err)
	}
	return record, nil
}
