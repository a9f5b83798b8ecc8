package models

import "time"

// HourlyStats represents request statistics grouped by hour.
type HourlyStats struct {
	Hour          time.Time
	TotalCalls    int
	RateLimited   int
	ErrorCount    int
	AvgDurationMs float64
}

// TotalStats represents overall aggregated statistics.
type TotalStats struct {
	TotalCalls     int
	RateLimited    int
	ErrorCount     int
	AvgDurationMs  float64
	UniqueAccounts int
	UniqueModels   int
}

// CacheStats mirrors the signature cache counters.
type CacheStats struct {
	MemoryHits   int64  `json:"memory_hits"`
	DiskHits     int64  `json:"disk_hits"`
	Misses       int64  `json:"misses"`
	Writes       int64  `json:"writes"`
	MemoryKeys   int    `json:"memory_keys"`
	LastFlushErr string `json:"last_flush_error,omitempty"`
}
