package dispatch

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultServerDelay = 60 * time.Second
	maxBackoffDelay    = 60 * time.Second
)

// serverDelay picks the retry delay of a 429 in priority order: RetryInfo,
// quotaResetDelay metadata, retry-after-ms, retry-after, then 60s.
func serverDelay(h http.Header, ue *UpstreamError, now time.Time) time.Duration {
	if d, ok := ue.RetryDelay(); ok {
		return d
	}
	if v := strings.TrimSpace(h.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil {
			return max(at.Sub(now), 0)
		}
	}
	return defaultServerDelay
}

// backoffDelay grows the server delay with consecutive 429s on an account,
// capped at one minute but never below what the server asked for.
func backoffDelay(server time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	grown := maxBackoffDelay
	if f := float64(server) * math.Pow(2, float64(attempt-1)); f < float64(maxBackoffDelay) {
		grown = time.Duration(f)
	}
	return max(server, grown)
}
