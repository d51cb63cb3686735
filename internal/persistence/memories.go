package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// Memory is one stored step output.
type Memory struct {
	ID        string
	Namespace string
	Key       string
	Content   string
	Metadata  map[string]any
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store writes content under (namespace, key), replacing any previous value.
// Tags are taken from metadata["tags"].
func (s *SQLiteStore) Store(ctx context.Context, key, content string, opts pipeline.StoreOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var metadata []byte
	if opts.Metadata != nil {
		var err error
		metadata, err = json.Marshal(opts.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE namespace = ? AND key = ?`,
		opts.Namespace, key,
	).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (id, namespace, key, content, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, opts.Namespace, key, content, nullString(metadata), now, now)
		if err != nil {
			return fmt.Errorf("failed to insert memory: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up memory: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE memories SET content = ?, metadata = ?, updated_at = ? WHERE id = ?
		`, content, nullString(metadata), now, id)
		if err != nil {
			return fmt.Errorf("failed to update memory: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear tags: %w", err)
		}
	}

	for _, tag := range tagsFrom(opts.Metadata) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			id, tag,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tag %q: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Retrieve reads the content stored under (namespace, key).
func (s *SQLiteStore) Retrieve(ctx context.Context, key string, opts pipeline.RetrieveOptions) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM memories WHERE namespace = ? AND key = ?`,
		opts.Namespace, key,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to retrieve memory: %w", err)
	}
	return content, true, nil
}

// FindByTag returns every memory in namespace carrying tag, oldest first.
func (s *SQLiteStore) FindByTag(ctx context.Context, namespace, tag string) ([]Memory, error) {
	return s.queryMemories(ctx, `
		SELECT m.id, m.namespace, m.key, m.content, m.metadata, m.created_at, m.updated_at
		FROM memories m
		JOIN memory_tags t ON t.memory_id = m.id
		WHERE m.namespace = ? AND t.tag = ?
		ORDER BY m.created_at, m.key
	`, namespace, tag)
}

// ListNamespace returns every memory in namespace, oldest first.
func (s *SQLiteStore) ListNamespace(ctx context.Context, namespace string) ([]Memory, error) {
	return s.queryMemories(ctx, `
		SELECT id, namespace, key, content, metadata, created_at, updated_at
		FROM memories
		WHERE namespace = ?
		ORDER BY created_at, key
	`, namespace)
}

func (s *SQLiteStore) queryMemories(ctx context.Context, query string, args ...any) ([]Memory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}

	var memories []Memory
	for rows.Next() {
		var (
			m                    Memory
			metadata             sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&m.ID, &m.Namespace, &m.Key, &m.Content, &metadata, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		m.UpdatedAt = time.UnixMilli(updatedAt)
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}
	rows.Close()

	// Tags are loaded after the cursor is closed; the pool is small.
	for i := range memories {
		tags, err := s.loadTags(ctx, memories[i].ID)
		if err != nil {
			return nil, err
		}
		memories[i].Tags = tags
	}
	return memories, nil
}

func (s *SQLiteStore) loadTags(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// tagsFrom extracts a deduplicated tag list from metadata["tags"], which may
// be []string or []any after a JSON round trip.
func tagsFrom(metadata map[string]any) []string {
	seen := make(map[string]bool)
	add := func(tag string) {
		if tag != "" {
			seen[tag] = true
		}
	}
	switch v := metadata["tags"].(type) {
	case []string:
		for _, tag := range v {
			add(tag)
		}
	case []any:
		for _, tag := range v {
			if str, ok := tag.(string); ok {
				add(str)
			}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
