package signature

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

const (
	defaultWarmupSessions = 1000
	defaultWarmupAttempts = 2
)

type warmupState struct {
	attempts  int
	succeeded bool
}

// WarmupTracker limits warmup calls per session. Once the tracked session
// count hits its cap the least recently used session is forgotten.
type WarmupTracker struct {
	mu          sync.Mutex
	sessions    *lru.Cache
	maxAttempts int
}

// NewWarmupTracker creates a tracker. Zero values select 1000 sessions and
// 2 attempts per session.
func NewWarmupTracker(maxSessions, maxAttempts int) *WarmupTracker {
	if maxSessions <= 0 {
		maxSessions = defaultWarmupSessions
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultWarmupAttempts
	}
	return &WarmupTracker{
		sessions:    lru.New(maxSessions),
		maxAttempts: maxAttempts,
	}
}

// Begin records a warmup attempt for sessionID and reports whether one is
// allowed.
func (w *WarmupTracker) Begin(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.stateLocked(sessionID)
	if st.succeeded || st.attempts >= w.maxAttempts {
		return false
	}
	st.attempts++
	return true
}

// MarkSuccess stops further warmups for sessionID.
func (w *WarmupTracker) MarkSuccess(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stateLocked(sessionID).succeeded = true
}

// Len returns the number of tracked sessions.
func (w *WarmupTracker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions.Len()
}

func (w *WarmupTracker) stateLocked(sessionID string) *warmupState {
	if v, ok := w.sessions.Get(sessionID); ok {
		return v.(*warmupState)
	}
	st := &warmupState{}
	w.sessions.Add(sessionID, st)
	return st
}
