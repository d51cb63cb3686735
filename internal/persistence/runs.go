package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is the summary of one finished (or failed) pipeline run.
type RunRecord struct {
	PipelineID     string
	Name           string
	Kind           string // "dag" or "sequential"
	Status         string
	StartedAt      time.Time
	FinishedAt     time.Time
	Completed      int
	Total          int
	OverallQuality float64
	Error          string
	// Detail is an opaque JSON rendering of the final state or result.
	Detail json.RawMessage
}

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var finishedAt sql.NullInt64
	if !run.FinishedAt.IsZero() {
		finishedAt = sql.NullInt64{Int64: run.FinishedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (pipeline_id, name, kind, status, started_at, finished_at, completed, total, overall_quality, error, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			completed = excluded.completed,
			total = excluded.total,
			overall_quality = excluded.overall_quality,
			error = excluded.error,
			detail = excluded.detail
	`, run.PipelineID, run.Name, run.Kind, run.Status, run.StartedAt.UnixMilli(), finishedAt,
		run.Completed, run.Total, run.OverallQuality, run.Error, nullString(run.Detail))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given pipeline ID, or nil if none exists.
func (s *SQLiteStore) GetRun(ctx context.Context, pipelineID string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT pipeline_id, name, kind, status, started_at, finished_at, completed, total, overall_quality, error, detail
		FROM pipeline_runs
		WHERE pipeline_id = ?
	`, pipelineID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. A limit <= 0 returns
// all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pipeline_id, name, kind, status, started_at, finished_at, completed, total, overall_quality, error, detail
		FROM pipeline_runs
		ORDER BY started_at DESC, pipeline_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run        RunRecord
		startedAt  int64
		finishedAt sql.NullInt64
		quality    sql.NullFloat64
		errText    sql.NullString
		detail     sql.NullString
	)
	if err := row.Scan(&run.PipelineID, &run.Name, &run.Kind, &run.Status, &startedAt, &finishedAt,
		&run.Completed, &run.Total, &quality, &errText, &detail); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		run.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	run.OverallQuality = quality.Float64
	run.Error = errText.String
	if detail.Valid && detail.String != "" {
		run.Detail = json.RawMessage(detail.String)
	}
	return &run, nil
}
