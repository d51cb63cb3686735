package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// Record implements pipeline.ShadowTracker. Write failures are logged and
// dropped.
func (s *SQLiteStore) Record(ctx context.Context, rec pipeline.ShadowRecord) {
	if err := s.SaveShadowRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to record shadow entry",
			"pipeline_id", rec.PipelineID,
			"agent_id", rec.AgentID,
			"agent_key", rec.AgentKey,
			"error", err,
		)
	}
}

// SaveShadowRecord persists one shadow audit record.
func (s *SQLiteStore) SaveShadowRecord(ctx context.Context, rec pipeline.ShadowRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_records (id, pipeline_id, agent_id, agent_key, status, duration_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), rec.PipelineID, rec.AgentID, rec.AgentKey, rec.Status,
		rec.Duration.Milliseconds(), rec.Error, recordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save shadow record: %w", err)
	}
	return nil
}

// ListShadowRecords returns the records of one pipeline run in recording order.
func (s *SQLiteStore) ListShadowRecords(ctx context.Context, pipelineID string) ([]pipeline.ShadowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT pipeline_id, agent_id, agent_key, status, duration_ms, error, recorded_at
		FROM shadow_records
		WHERE pipeline_id = ?
		ORDER BY recorded_at, rowid
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shadow records: %w", err)
	}
	defer rows.Close()

	var records []pipeline.ShadowRecord
	for rows.Next() {
		var (
			rec        pipeline.ShadowRecord
			durationMs int64
			errText    sql.NullString
			recordedAt int64
		)
		if err := rows.Scan(&rec.PipelineID, &rec.AgentID, &rec.AgentKey, &rec.Status, &durationMs, &errText, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shadow record: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.Error = errText.String
		rec.RecordedAt = time.UnixMilli(recordedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shadow records: %w", err)
	}
	return records, nil
}
