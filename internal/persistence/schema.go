package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT NOT NULL UNIQUE,
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE TABLE IF NOT EXISTS memory_tags (
		memory_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (memory_id, tag),
		FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);

	CREATE TABLE IF NOT EXISTS shadow_records (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		agent_key TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_shadow_records_pipeline
		ON shadow_records(pipeline_id, recorded_at);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		pipeline_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		completed INTEGER NOT NULL,
		total INTEGER NOT NULL,
		overall_quality REAL,
		error TEXT,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
