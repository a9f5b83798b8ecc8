package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

var timeFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	sqlTimeLayout,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01-02 15:04:05 -0700 MST",
	"2006-01-02 15:04:05 +0000 UTC",
}

func parseTimeString(s string) (time.Time, bool) {
	for _, format := range timeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// historyFilter builds the WHERE tail for an optional account and window.
func historyFilter(email string, days int) (string, []any) {
	clause := ""
	var args []any
	if email != "" {
		clause += " AND email = ?"
		args = append(args, email)
	}
	if days > 0 {
		clause += " " + sqlTimeFilterClause
		args = append(args, fmt.Sprintf("-%d days", days))
	}
	return clause, args
}

// GetHistoryStats returns the history view data for an account, or for the
// whole pool when email is empty.
func (db *DB) GetHistoryStats(email string, timeRange models.TimeRange) (*models.HistoryStats, error) {
	days := timeRange.Days()
	stats := &models.HistoryStats{Email: email, TimeRange: timeRange}

	filter, args := historyFilter(email, days)
	var first, last sql.NullString
	query := fmt.Sprintf(`
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM api_calls
		WHERE outcome != 'warmup' %s
	`, filter)
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&stats.TotalCalls, &first, &last); err != nil {
		return nil, fmt.Errorf("failed to query call range: %w", err)
	}
	if t, ok := parseTimeString(first.String); ok {
		stats.FirstCall = t
	}
	if t, ok := parseTimeString(last.String); ok {
		stats.LastCall = t
	}

	limits, err := db.GetRateLimitStats(email, days)
	if err != nil {
		return nil, err
	}
	stats.RateLimits = limits

	patterns, err := db.GetHourlyPatterns(email, days)
	if err != nil {
		return nil, err
	}
	stats.HourlyPatterns = patterns

	return stats, nil
}

// GetRateLimitStats counts 429 responses for an account (all accounts when
// email is empty) within the last days (0 = all time).
func (db *DB) GetRateLimitStats(email string, days int) (*models.RateLimitStats, error) {
	stats := &models.RateLimitStats{}

	filter, args := historyFilter(email, days)
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			MAX(timestamp),
			COALESCE(SUM(CASE WHEN family = 'claude' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN family = 'gemini' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'capacity' THEN 1 ELSE 0 END), 0)
		FROM api_calls
		WHERE %s %s
	`, outcomeRateLimitedSQL, filter)

	var lastHit sql.NullString
	err := db.QueryRowContext(context.Background(), query, args...).Scan(
		&stats.HitsInRange, &lastHit, &stats.ClaudeHits, &stats.GeminiHits, &stats.CapacityHits,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate limit stats: %w", err)
	}
	if t, ok := parseTimeString(lastHit.String); ok {
		stats.LastHitTime = t
	}

	stats.TotalHits = db.countRateLimits(email, 0)
	stats.HitsLast7Days = db.countRateLimits(email, 7)

	if err := db.getHitsByDay(email, days, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (db *DB) countRateLimits(email string, days int) int {
	filter, args := historyFilter(email, days)
	query := fmt.Sprintf("SELECT COUNT(*) FROM api_calls WHERE %s %s", outcomeRateLimitedSQL, filter)
	var n int
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (db *DB) getHitsByDay(email string, days int, stats *models.RateLimitStats) error {
	filter, args := historyFilter(email, days)
	query := fmt.Sprintf(`
		SELECT date(timestamp) as hit_date, COUNT(*) as count
		FROM api_calls
		WHERE %s %s
		GROUP BY hit_date
		ORDER BY hit_date ASC
	`, outcomeRateLimitedSQL, filter)

	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return fmt.Errorf("failed to query hits by day: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var dateStr string
		var count int
		if err := rows.Scan(&dateStr, &count); err != nil {
			continue
		}
		if t, ok := parseTimeString(dateStr); ok {
			stats.HitsByDay = append(stats.HitsByDay, models.DailyHitCount{
				Date:  t,
				Count: count,
			})
		}
	}
	return rows.Err()
}

// GetHourlyPatterns returns call counts by hour of day (UTC).
func (db *DB) GetHourlyPatterns(email string, days int) ([]models.HourlyPattern, error) {
	filter, args := historyFilter(email, days)
	query := fmt.Sprintf(`
		SELECT
			CAST(strftime('%%H', timestamp) AS INTEGER) as hour,
			COUNT(*) as calls,
			COALESCE(SUM(CASE WHEN %s THEN 1 ELSE 0 END), 0) as limited
		FROM api_calls
		WHERE outcome != 'warmup' %s
		GROUP BY hour
		ORDER BY hour ASC
	`, outcomeRateLimitedSQL, filter)

	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Initialize all 24 hours
	patterns := make([]models.HourlyPattern, 24)
	for i := range 24 {
		patterns[i] = models.HourlyPattern{Hour: i}
	}

	for rows.Next() {
		var hour sql.NullInt64
		var calls, limited int
		if err := rows.Scan(&hour, &calls, &limited); err != nil {
			continue
		}
		if hour.Valid && hour.Int64 >= 0 && hour.Int64 < 24 {
			patterns[hour.Int64].Calls = calls
			patterns[hour.Int64].RateLimited = limited
		}
	}

	return patterns, rows.Err()
}
