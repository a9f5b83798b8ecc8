// Package db is the SQLite request log. It keeps one row per upstream
// attempt and one per session event, and answers the aggregate queries
// behind the dashboard and history tabs.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	// sqlTimeFilterClause restricts a query to rows newer than a
	// datetime('now', ?) modifier such as "-7 days".
	sqlTimeFilterClause = "AND timestamp >= datetime('now', ?)"

	// sqlTimeLayout is the UTC text layout timestamps are stored in.
	sqlTimeLayout = "2006-01-02 15:04:05"
)

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
	"temp_store(MEMORY)",
	"cache_size(-16000)",
}

const schema = `
CREATE TABLE IF NOT EXISTS api_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	email TEXT NOT NULL,
	model TEXT NOT NULL,
	family TEXT NOT NULL DEFAULT '',
	header_style TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT 'success',
	account_index INTEGER DEFAULT 0,
	attempt INTEGER DEFAULT 0,
	duration_ms INTEGER DEFAULT 0,
	status_code INTEGER DEFAULT 200,
	error TEXT,
	request_id TEXT,
	session_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_calls_timestamp ON api_calls(timestamp);
CREATE INDEX IF NOT EXISTS idx_api_calls_email ON api_calls(email);
CREATE INDEX IF NOT EXISTS idx_api_calls_session ON api_calls(session_id);

CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	email TEXT,
	family TEXT,
	wait_ms INTEGER DEFAULT 0,
	metadata TEXT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
CREATE INDEX IF NOT EXISTS idx_session_events_timestamp ON session_events(timestamp);
`

// DB is the request log handle.
type DB struct {
	*sql.DB
	path string
}

// New opens the log at path, creating the file, its directory, and the
// schema as needed, then migrates databases written by older versions.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := &DB{DB: sqlDB, path: path}

	ctx := context.Background()
	steps := []struct {
		what string
		run  func() error
	}{
		{"connect to database", func() error { return sqlDB.PingContext(ctx) }},
		{"create schema", func() error { _, err := sqlDB.ExecContext(ctx, schema); return err }},
		{"migrate database", db.migrate},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to %s: %w", step.what, err)
		}
	}
	return db, nil
}

// dsn builds a file URI carrying connPragmas as _pragma parameters.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL into the main file and closes the pool.
func (db *DB) Close() error {
	_, _ = db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return db.DB.Close()
}

// Vacuum rebuilds the file to reclaim space left by deleted rows.
func (db *DB) Vacuum() error {
	if _, err := db.ExecContext(context.Background(), "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
