package models

import "time"

// TimeRange represents the selected history time range.
type TimeRange int

const (
	// TimeRange24Hours shows data from the last 24 hours.
	TimeRange24Hours TimeRange = iota
	// TimeRange7Days shows data from the last 7 days.
	TimeRange7Days
	// TimeRange30Days shows data from the last 30 days.
	TimeRange30Days
	// TimeRangeAllTime shows all available historical data.
	TimeRangeAllTime
)

// String returns the display name for a time range.
func (t TimeRange) String() string {
	switch t {
	case TimeRange24Hours:
		return "24 Hours"
	case TimeRange7Days:
		return "7 Days"
	case TimeRange30Days:
		return "30 Days"
	case TimeRangeAllTime:
		return "All Time"
	default:
		return "Unknown"
	}
}

// Days returns the number of days for the time range (0 = unlimited).
func (t TimeRange) Days() int {
	switch t {
	case TimeRange24Hours:
		return 1
	case TimeRange7Days:
		return 7
	case TimeRange30Days:
		return 30
	case TimeRangeAllTime:
		return 0
	default:
		return 30
	}
}

// Next cycles to the next time range.
func (t TimeRange) Next() TimeRange {
	return (t + 1) % 4
}

// RateLimitStats aggregates 429 responses from the request log.
type RateLimitStats struct {
	LastHitTime   time.Time
	HitsByDay     []DailyHitCount
	TotalHits     int
	HitsInRange   int
	HitsLast7Days int
	CapacityHits  int
	ClaudeHits    int
	GeminiHits    int
}

// DailyHitCount tracks rate limit hits per day.
type DailyHitCount struct {
	Date  time.Time
	Count int
}

// HourlyPattern is the request load in one hour-of-day slot.
type HourlyPattern struct {
	Hour        int // 0-23
	Calls       int
	RateLimited int
}

// HistoryStats contains the history view data for one account, or for the
// whole pool when Email is empty.
type HistoryStats struct {
	FirstCall      time.Time
	LastCall       time.Time
	RateLimits     *RateLimitStats
	Email          string
	HourlyPatterns []HourlyPattern
	TotalCalls     int
	TimeRange      TimeRange
}

// HasData returns true if any call was recorded.
func (h *HistoryStats) HasData() bool {
	return h.TotalCalls > 0
}

// PeakHour returns the hour of day with the most calls.
func (h *HistoryStats) PeakHour() (hour, calls int) {
	for _, p := range h.HourlyPatterns {
		if p.Calls > calls {
			hour, calls = p.Hour, p.Calls
		}
	}
	return hour, calls
}

// RateLimitRatio returns the share of calls in the range answered with 429.
func (h *HistoryStats) RateLimitRatio() float64 {
	if h.RateLimits == nil {
		return 0
	}
	total := 0
	for _, p := range h.HourlyPatterns {
		total += p.Calls
	}
	if total == 0 {
		return 0
	}
	return float64(h.RateLimits.HitsInRange) / float64(total)
}
