package dispatch

import (
	"sync"
	"time"
)

// defaultStateWindow is how long rate-limit and failure streaks survive
// without a new event.
const defaultStateWindow = 2 * time.Minute

type rateLimitState struct {
	lastEventAt time.Time
	count       int
}

type failureState struct {
	lastFailureAt time.Time
	count         int
}

// health tracks per-account 429 streaks, consecutive failures and capacity
// hits, keyed by account index. It is owned by one Dispatcher.
type health struct {
	mu         sync.Mutex
	rateLimits map[int]*rateLimitState
	failures   map[int]*failureState
	capacity   map[int]int
	window     time.Duration
}

func newHealth(window time.Duration) *health {
	if window <= 0 {
		window = defaultStateWindow
	}
	return &health{
		rateLimits: make(map[int]*rateLimitState),
		failures:   make(map[int]*failureState),
		capacity:   make(map[int]int),
		window:     window,
	}
}

// nextRateLimitAttempt records a 429 and returns its attempt number. The
// streak restarts at 1 when the previous 429 is older than the window.
func (h *health) nextRateLimitAttempt(index int, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.rateLimits[index]
	if !ok || now.Sub(st.lastEventAt) >= h.window {
		st = &rateLimitState{}
		h.rateLimits[index] = st
	}
	st.count++
	st.lastEventAt = now
	return st.count
}

// recordFailure counts a non-429 failure and returns the streak length.
func (h *health) recordFailure(index int, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.failures[index]
	if !ok || now.Sub(st.lastFailureAt) >= h.window {
		st = &failureState{}
		h.failures[index] = st
	}
	st.count++
	st.lastFailureAt = now
	return st.count
}

// failureCount returns the live failure streak of an account.
func (h *health) failureCount(index int, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.failures[index]
	if !ok || now.Sub(st.lastFailureAt) >= h.window {
		return 0
	}
	return st.count
}

func (h *health) resetFailures(index int) {
	h.mu.Lock()
	delete(h.failures, index)
	h.mu.Unlock()
}

// capacityHit counts consecutive capacity exhaustion responses.
func (h *health) capacityHit(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.capacity[index]++
	return h.capacity[index]
}

// succeeded clears every streak of the account.
func (h *health) succeeded(index int) {
	h.mu.Lock()
	delete(h.rateLimits, index)
	delete(h.failures, index)
	delete(h.capacity, index)
	h.mu.Unlock()
}

// forget drops all state of a removed account.
func (h *health) forget(index int) {
	h.succeeded(index)
}
