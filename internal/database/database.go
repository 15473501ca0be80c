package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection holding the job tables.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) the database at path and ensures the schema.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Writers queue behind each other instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS batch_jobs (
            id TEXT PRIMARY KEY,
            organization_id INTEGER NOT NULL,
            job_type TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            total_items INTEGER NOT NULL DEFAULT 0,
            processed_items INTEGER NOT NULL DEFAULT 0,
            successful_items INTEGER NOT NULL DEFAULT 0,
            failed_items INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            error_message TEXT,
            created_at DATETIME NOT NULL,
            started_at DATETIME,
            completed_at DATETIME
        )`,

		`CREATE TABLE IF NOT EXISTS batch_job_items (
            job_id TEXT NOT NULL,
            item_reference TEXT NOT NULL,
            succeeded BOOLEAN NOT NULL,
            message TEXT NOT NULL DEFAULT '',
            processed_at DATETIME NOT NULL,
            PRIMARY KEY (job_id, item_reference)
        )`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            organization_id INTEGER NOT NULL,
            entity_type TEXT NOT NULL,
            handler TEXT NOT NULL,
            direction TEXT NOT NULL,
            entity_ids TEXT NOT NULL DEFAULT '[]',
            priority INTEGER NOT NULL DEFAULT 100,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            scheduled_at DATETIME NOT NULL,
            created_at DATETIME NOT NULL,
            processed_at DATETIME
        )`,

		`CREATE TABLE IF NOT EXISTS sync_sessions (
            id TEXT PRIMARY KEY,
            organization_id INTEGER NOT NULL,
            entity_type TEXT NOT NULL,
            sync_type TEXT NOT NULL,
            sync_mode TEXT NOT NULL,
            current_offset INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'in_progress',
            last_error TEXT,
            started_at DATETIME NOT NULL,
            last_chunk_at DATETIME NOT NULL,
            completed_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_org ON batch_jobs(organization_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_claim ON sync_queue(status, scheduled_at, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_sessions_status ON sync_sessions(status, last_chunk_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// PingContext checks the connection.
func (db *DB) PingContext(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// ExecContext passes through to the underlying connection.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryContext passes through to the underlying connection.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// QueryRowContext passes through to the underlying connection.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

func (db *DB) Close() error {
	return db.db.Close()
}
