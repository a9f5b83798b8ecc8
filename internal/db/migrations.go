package db

import (
	"context"
	"fmt"
)

const schemaVersion = 2

// columnMigrations add columns that databases created by older versions lack.
// CREATE TABLE IF NOT EXISTS leaves existing tables untouched.
var columnMigrations = []struct {
	table  string
	column string
	ddl    string
}{
	{"api_calls", "family", "TEXT NOT NULL DEFAULT ''"},
	{"api_calls", "header_style", "TEXT NOT NULL DEFAULT ''"},
	{"api_calls", "endpoint", "TEXT NOT NULL DEFAULT ''"},
	{"api_calls", "outcome", "TEXT NOT NULL DEFAULT 'success'"},
	{"api_calls", "account_index", "INTEGER DEFAULT 0"},
	{"api_calls", "attempt", "INTEGER DEFAULT 0"},
	{"session_events", "family", "TEXT"},
	{"session_events", "wait_ms", "INTEGER DEFAULT 0"},
}

// migrate brings an existing database up to schemaVersion.
func (db *DB) migrate() error {
	var version int
	if err := db.QueryRowContext(context.Background(), "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	for _, m := range columnMigrations {
		exists, err := db.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.ddl)
		if _, err := db.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
	}

	if err := db.FixLegacyTimeFormats(); err != nil {
		return err
	}

	query := fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func (db *DB) hasColumn(table, column string) (bool, error) {
	rows, err := db.QueryContext(context.Background(), fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid      int
			name     string
			typ      string
			notNull  int
			dflt     any
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryK); err != nil {
			return false, fmt.Errorf("failed to scan %s columns: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// FixLegacyTimeFormats fixes timestamp formats in the database.
// This is required because modernc.org/sqlite does not store time.Time in a format
// compatible with SQLite's date/time functions by default.
func (db *DB) FixLegacyTimeFormats() error {
	queries := []string{
		`UPDATE api_calls
		 SET timestamp = SUBSTR(timestamp, 1, 19)
		 WHERE length(timestamp) > 19 AND timestamp LIKE '% UTC'`,

		`UPDATE session_events
		 SET timestamp = SUBSTR(timestamp, 1, 19)
		 WHERE length(timestamp) > 19 AND timestamp LIKE '% UTC'`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to fix legacy time formats: %w", err)
		}
	}

	return nil
}
