// Package app is the root Bubble Tea model of the dispatcher TUI. It owns
// the pool snapshot shared with the tabs and turns service events into
// state changes and toasts.
package app

import (
	"slices"
	"sync"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services"
)

// Loading resources tracked by State.
const (
	ResourceInitial  = "initial"
	ResourceAccounts = "accounts"
	ResourceStats    = "stats"
)

const maxRecentCalls = 50

// State is the snapshot shared by the root model and its tabs. The root
// model is the only writer for the pool and stats; tabs move the selection.
type State struct {
	updatedAt time.Time
	stats     *services.StatsEvent
	pending   map[string]bool
	accounts  []models.AccountStatus
	calls     []models.APICall
	toasts    []Notification
	selected  int
	mu        sync.RWMutex
}

// NewState returns a state waiting for its first pool snapshot.
func NewState() *State {
	return &State{
		pending: map[string]bool{ResourceInitial: true},
	}
}

// SetLoading marks a resource as loading or done.
func (s *State) SetLoading(resource string, loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loading {
		s.pending[resource] = true
		return
	}
	delete(s.pending, resource)
}

// IsLoading reports whether resource is loading.
func (s *State) IsLoading(resource string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending[resource]
}

// AnyLoading reports whether anything is still loading.
func (s *State) AnyLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// IsInitialLoading reports whether the first snapshot is still pending.
func (s *State) IsInitialLoading() bool {
	return s.IsLoading(ResourceInitial)
}

// GetLoadingResources returns the loading resources in sorted order.
func (s *State) GetLoadingResources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pending))
	for r := range s.pending {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// SetAccounts replaces the pool snapshot. The selection is clamped to the
// new length.
func (s *State) SetAccounts(accounts []models.AccountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = accounts
	s.updatedAt = time.Now()
	if s.selected >= len(accounts) {
		s.selected = max(len(accounts)-1, 0)
	}
}

// GetAccounts returns a copy of the pool snapshot.
func (s *State) GetAccounts() []models.AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.accounts)
}

// GetAccountCount returns the pool size.
func (s *State) GetAccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// GetSelectedAccount returns the account under the cursor, or nil for an
// empty pool.
func (s *State) GetSelectedAccount() *models.AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected < 0 || s.selected >= len(s.accounts) {
		return nil
	}
	acc := s.accounts[s.selected]
	return &acc
}

// GetSelectedAccountIndex returns the cursor position.
func (s *State) GetSelectedAccountIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// SetSelectedAccountIndex moves the cursor.
func (s *State) SetSelectedAccountIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = idx
}

// ActiveFor returns the account currently serving family, or nil.
func (s *State) ActiveFor(family models.ModelFamily) *models.AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.accounts {
		if slices.Contains(s.accounts[i].ActiveFor, family) {
			acc := s.accounts[i]
			return &acc
		}
	}
	return nil
}

// SetStats stores the latest pool statistics.
func (s *State) SetStats(stats services.StatsEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = &stats
}

// GetStats returns the latest pool statistics, or nil before the first load.
func (s *State) GetStats() *services.StatsEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// RecordCall appends an upstream attempt, keeping the newest maxRecentCalls.
func (s *State) RecordCall(call models.APICall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if over := len(s.calls) - maxRecentCalls; over > 0 {
		s.calls = slices.Delete(s.calls, 0, over)
	}
}

// RecentCalls returns up to limit attempts, newest first.
func (s *State) RecentCalls(limit int) []models.APICall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(limit, len(s.calls))
	out := slices.Clone(s.calls[len(s.calls)-n:])
	slices.Reverse(out)
	return out
}

// GetLastUpdated returns when the pool snapshot was last replaced.
func (s *State) GetLastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// TimeSinceUpdate returns the age of the pool snapshot, or 0 before the
// first one.
func (s *State) TimeSinceUpdate() time.Duration {
	updated := s.GetLastUpdated()
	if updated.IsZero() {
		return 0
	}
	return time.Since(updated)
}
