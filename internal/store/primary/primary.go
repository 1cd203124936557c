package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// StoreImpl implements the document, knowledge base, and run stores on an
// embedded SQLite database. The serve, worker, and CLI processes share the
// file; WAL mode keeps concurrent readers and the single writer happy.
type StoreImpl struct {
	db *sql.DB
}

// NewPrimaryStore opens (and if needed initializes) the metadata database.
func NewPrimaryStore(path string) (*StoreImpl, error) {
	if path == "" {
		return nil, errors.New("primary store path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping primary store: %w", err)
	}

	s := &StoreImpl{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *StoreImpl) Close() error {
	return s.db.Close()
}

func (s *StoreImpl) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_bases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		embed_model TEXT NOT NULL DEFAULT '',
		embed_dim INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kb_id TEXT NOT NULL REFERENCES knowledge_bases(id),
		name TEXT NOT NULL,
		bucket TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'plain',
		status TEXT NOT NULL DEFAULT 'INIT',
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS documents_kb_id_idx ON documents (kb_id);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		document_id TEXT NOT NULL,
		queue TEXT NOT NULL DEFAULT '',
		resume_from TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		failed_step TEXT NOT NULL DEFAULT '',
		result TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_task_idx ON workflow_runs (task_id) WHERE task_id != '';
	CREATE INDEX IF NOT EXISTS workflow_runs_document_idx ON workflow_runs (document_id, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure primary schema: %w", err)
	}
	return nil
}
