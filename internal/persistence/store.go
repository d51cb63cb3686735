package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// opTimeout bounds every single store operation.
const opTimeout = 5 * time.Second

// Store is the persistence surface used by the engine: step memory, shadow
// audit records and run history.
type Store interface {
	pipeline.MemoryStore
	pipeline.ShadowTracker

	// Memory lookups beyond the handoff contract
	FindByTag(ctx context.Context, namespace, tag string) ([]Memory, error)
	ListNamespace(ctx context.Context, namespace string) ([]Memory, error)

	// Shadow audit trail
	SaveShadowRecord(ctx context.Context, rec pipeline.ShadowRecord) error
	ListShadowRecords(ctx context.Context, pipelineID string) ([]pipeline.ShadowRecord, error)

	// Run history
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, pipelineID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite. It is safe for concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewInMemoryStore creates a private in-memory SQLite store. Each call gets
// its own database.
func NewInMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Named shared cache so the pool's connections see one database, and a
	// unique name so separate stores never do.
	connStr := fmt.Sprintf("file:agentpipe-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, logger: slog.Default(), now: time.Now}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// WithLogger sets the logger used for fire-and-forget failures.
func (s *SQLiteStore) WithLogger(l *slog.Logger) *SQLiteStore {
	if l != nil {
		s.logger = l
	}
	return s
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
