// Package store provides SQLite-backed persistence for loom.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the loom SQLite database. It is constructed
// once at process start and handed to every component that needs it;
// there is no implicit global handle.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle so the CAS and artifact components
// can share one connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS network_tasks (
		id TEXT PRIMARY KEY,
		network_id TEXT NOT NULL,
		parent_job_id TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		task_type TEXT NOT NULL,
		description TEXT,
		parameters TEXT,
		step_number INTEGER,
		depends_on TEXT,
		priority TEXT NOT NULL DEFAULT 'medium',
		created_by TEXT,
		assigned_to TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		stage_json TEXT,
		policy_json TEXT,
		marker_json TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		depends_on_task_id TEXT NOT NULL,
		dependency_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES network_tasks(id)
	);

	CREATE TABLE IF NOT EXISTS task_artifacts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		content TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_communications (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS content_store (
		content_hash TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		content BLOB NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS content_chunks (
		id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content BLOB NOT NULL,
		byte_offset INTEGER NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		task_id TEXT,
		current_revision TEXT,
		mime_type TEXT NOT NULL,
		labels TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifact_revisions (
		id TEXT PRIMARY KEY,
		artifact_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		parent_revisions TEXT,
		commit_message TEXT,
		author TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (artifact_id) REFERENCES artifacts(id),
		FOREIGN KEY (content_hash) REFERENCES content_store(content_hash)
	);

	CREATE TABLE IF NOT EXISTS directives (
		id TEXT PRIMARY KEY,
		network_id TEXT NOT NULL,
		directive_type TEXT NOT NULL,
		content TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_by TEXT,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_network_tasks_network ON network_tasks(network_id);
	CREATE INDEX IF NOT EXISTS idx_network_tasks_status ON network_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task ON task_dependencies(task_id);
	CREATE INDEX IF NOT EXISTS idx_content_chunks_hash ON content_chunks(content_hash, chunk_index);
	CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);
	CREATE INDEX IF NOT EXISTS idx_artifact_revisions_artifact ON artifact_revisions(artifact_id);
	CREATE INDEX IF NOT EXISTS idx_directives_network ON directives(network_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}
