package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

const (
	outcomeRateLimitedSQL = "outcome IN ('rate_limited', 'capacity')"
	outcomeErrorSQL       = "outcome IN ('upstream_error', 'transport_error')"
)

// InsertAPICall logs an upstream attempt to the database.
func (db *DB) InsertAPICall(call *models.APICall) error {
	query := `
		INSERT INTO api_calls (
			timestamp, email, model, family, header_style, endpoint, outcome,
			account_index, attempt, duration_ms, status_code,
			error, request_id, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	timestamp := call.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	outcome := call.Outcome
	if outcome == "" {
		outcome = models.OutcomeSuccess
	}

	result, err := db.ExecContext(context.Background(), query,
		timestamp.UTC().Format(sqlTimeLayout),
		call.Email,
		call.Model,
		call.Family,
		call.HeaderStyle,
		call.Endpoint,
		outcome,
		call.AccountIndex,
		call.Attempt,
		call.DurationMs,
		call.StatusCode,
		nullString(call.Error),
		nullString(call.RequestID),
		nullString(call.SessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert API call: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		call.ID = id
	}

	return nil
}

// GetRecentAPICalls returns the most recent API calls.
func (db *DB) GetRecentAPICalls(limit int) ([]models.APICall, error) {
	query := `
		SELECT id, timestamp, email, model, family, header_style, endpoint, outcome,
			   account_index, attempt, duration_ms, status_code,
			   error, request_id, session_id
		FROM api_calls
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(context.Background(), query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent API calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []models.APICall
	for rows.Next() {
		var call models.APICall
		var errStr, reqID, sessID sql.NullString

		err := rows.Scan(
			&call.ID,
			&call.Timestamp,
			&call.Email,
			&call.Model,
			&call.Family,
			&call.HeaderStyle,
			&call.Endpoint,
			&call.Outcome,
			&call.AccountIndex,
			&call.Attempt,
			&call.DurationMs,
			&call.StatusCode,
			&errStr,
			&reqID,
			&sessID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan API call: %w", err)
		}

		call.Error = errStr.String
		call.RequestID = reqID.String
		call.SessionID = sessID.String
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

// GetHourlyStats returns aggregated statistics grouped by hour, newest first.
func (db *DB) GetHourlyStats(hours int) ([]models.HourlyStats, error) {
	query := fmt.Sprintf(`
		SELECT
			strftime('%%Y-%%m-%%d %%H:00:00', timestamp) as hour,
			COUNT(*) as total_calls,
			SUM(CASE WHEN %s THEN 1 ELSE 0 END) as rate_limited,
			SUM(CASE WHEN %s THEN 1 ELSE 0 END) as error_count,
			COALESCE(AVG(duration_ms), 0) as avg_duration
		FROM api_calls
		WHERE 1=1 %s
		GROUP BY hour
		ORDER BY hour DESC
	`, outcomeRateLimitedSQL, outcomeErrorSQL, sqlTimeFilterClause)

	rows, err := db.QueryContext(context.Background(), query, fmt.Sprintf("-%d hours", hours))
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var stats []models.HourlyStats
	for rows.Next() {
		var s models.HourlyStats
		var hourStr string

		err := rows.Scan(
			&hourStr,
			&s.TotalCalls,
			&s.RateLimited,
			&s.ErrorCount,
			&s.AvgDurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hourly stats: %w", err)
		}

		s.Hour, _ = time.Parse(sqlTimeLayout, hourStr)
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// GetTotalStats returns overall aggregated statistics.
func (db *DB) GetTotalStats() (*models.TotalStats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) as total_calls,
			COALESCE(SUM(CASE WHEN %s THEN 1 ELSE 0 END), 0) as rate_limited,
			COALESCE(SUM(CASE WHEN %s THEN 1 ELSE 0 END), 0) as error_count,
			COALESCE(AVG(duration_ms), 0) as avg_duration,
			COUNT(DISTINCT email) as unique_accounts,
			COUNT(DISTINCT model) as unique_models
		FROM api_calls
	`, outcomeRateLimitedSQL, outcomeErrorSQL)

	var stats models.TotalStats
	err := db.QueryRowContext(context.Background(), query).Scan(
		&stats.TotalCalls,
		&stats.RateLimited,
		&stats.ErrorCount,
		&stats.AvgDurationMs,
		&stats.UniqueAccounts,
		&stats.UniqueModels,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query total stats: %w", err)
	}

	return &stats, nil
}

// InsertSessionEvent records an account level transition.
func (db *DB) InsertSessionEvent(ev *models.SessionEvent) error {
	query := `
		INSERT INTO session_events (event_type, email, family, wait_ms, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	timestamp := ev.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := db.ExecContext(context.Background(), query,
		ev.Kind,
		nullString(ev.Email),
		nullString(ev.Family),
		ev.WaitMs,
		nullString(ev.Detail),
		timestamp.UTC().Format(sqlTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// GetRecentSessionEvents returns the newest session events first.
func (db *DB) GetRecentSessionEvents(limit int) ([]models.SessionEvent, error) {
	query := `
		SELECT id, timestamp, event_type, email, family, wait_ms, metadata
		FROM session_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(context.Background(), query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var email, family, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Kind, &email, &family, &ev.WaitMs, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		ev.Email = email.String
		ev.Family = family.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanupOldCalls removes request log rows older than the given number of
// days and returns how many were deleted.
func (db *DB) CleanupOldCalls(olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := fmt.Sprintf("-%d days", olderThanDays)

	var total int64
	for _, table := range []string{"api_calls", "session_events"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE timestamp < datetime('now', ?)", table)
		result, err := db.ExecContext(context.Background(), query, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// nullString returns a sql.NullString from a string.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
