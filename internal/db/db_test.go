package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_CreatesFileAndSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "requests.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	for _, table := range []string{"api_calls", "session_events"} {
		var name string
		err := db.QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestNew_PragmasOnEveryConnection(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	ctx := context.Background()
	// Hold one connection so the pool has to open another.
	held, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() failed: %v", err)
	}
	defer held.Close()

	for name, conn := range map[string]interface {
		QueryRowContext(context.Context, string, ...any) *sql.Row
	}{"held": held, "pool": db} {
		var mode string
		var timeout int
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
			t.Errorf("%s: journal_mode = %q (err=%v), want wal", name, mode, err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil || timeout != 5000 {
			t.Errorf("%s: busy_timeout = %d (err=%v), want 5000", name, timeout, err)
		}
	}
}

func TestDSN(t *testing.T) {
	got := dsn("/tmp/requests.db")
	if !strings.HasPrefix(got, "file:/tmp/requests.db?") {
		t.Errorf("dsn = %q", got)
	}
	if strings.Count(got, "_pragma=") != len(connPragmas) {
		t.Errorf("dsn %q should carry every pragma", got)
	}
}

func TestMigrate_AddsMissingColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	_, err = legacy.ExecContext(context.Background(), `
		CREATE TABLE api_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			email TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT 'anthropic',
			input_tokens INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			status_code INTEGER DEFAULT 200,
			error TEXT,
			request_id TEXT,
			session_id TEXT
		);
		INSERT INTO api_calls (timestamp, email, model) VALUES ('2025-01-02 03:04:05 +0000 UTC', 'old@example.com', 'gemini-pro');
	`)
	if err != nil {
		t.Fatalf("failed to create legacy schema: %v", err)
	}
	_ = legacy.Close()

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() on legacy database failed: %v", err)
	}
	defer db.Close()

	for _, col := range []string{"family", "header_style", "endpoint", "outcome", "account_index", "attempt"} {
		ok, err := db.hasColumn("api_calls", col)
		if err != nil || !ok {
			t.Errorf("api_calls.%s missing after migration (err=%v)", col, err)
		}
	}

	var ts string
	if err := db.QueryRowContext(context.Background(), "SELECT CAST(timestamp AS TEXT) FROM api_calls").Scan(&ts); err != nil {
		t.Fatalf("failed to read migrated row: %v", err)
	}
	if ts != "2025-01-02 03:04:05" {
		t.Errorf("timestamp = %q, want legacy suffix trimmed", ts)
	}

	var version int
	if err := db.QueryRowContext(context.Background(), "PRAGMA user_version").Scan(&version); err != nil || version != schemaVersion {
		t.Errorf("user_version = %d (err=%v), want %d", version, err, schemaVersion)
	}

	calls, err := db.GetRecentAPICalls(10)
	if err != nil || len(calls) != 1 || calls[0].Outcome != "success" {
		t.Errorf("GetRecentAPICalls() = %+v, %v", calls, err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		db, err := New(dbPath)
		if err != nil {
			t.Fatalf("New() #%d failed: %v", i, err)
		}
		db.Close()
	}
}

func TestVacuumAndClose(t *testing.T) {
	db := newTestDB(t)

	if err := db.Vacuum(); err != nil {
		t.Errorf("Vacuum() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := db.QueryContext(context.Background(), "SELECT 1"); err == nil {
		t.Error("query on a closed database should fail")
	}
	if err := db.Vacuum(); err == nil {
		t.Error("Vacuum() on a closed database should fail")
	}
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	return db
}
