package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

// Manager owns the in-memory account pool and its per-family and
// per-header-style cooldowns. Accounts are handed out as pointers; callers
// must go through the Manager to read or mutate fields that change at runtime.
type Manager struct {
	mu        sync.RWMutex
	accounts  []*models.Account
	current   map[models.ModelFamily]*models.Account
	active    *models.Account
	nextIndex int
	styles    []models.HeaderStyle
	store     *Store
	now       func() time.Time
}

// NewManager creates a manager backed by store. A nil store keeps the pool
// in memory only. styles is the header style priority order.
func NewManager(store *Store, styles []models.HeaderStyle) *Manager {
	return &Manager{
		current: make(map[models.ModelFamily]*models.Account),
		styles:  styles,
		store:   store,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Add appends an account to the pool and assigns it a fresh index.
func (m *Manager) Add(acc models.Account) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(acc)
}

func (m *Manager) addLocked(acc models.Account) *models.Account {
	a := acc.Clone()
	a.Index = m.nextIndex
	m.nextIndex++
	if a.AddedAt.IsZero() {
		a.AddedAt = m.now()
	}
	m.accounts = append(m.accounts, &a)
	return &a
}

// Count returns the number of accounts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// Accounts returns the pool in order. The pointers are live.
func (m *Manager) Accounts() []*models.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// GetCurrentOrNextForFamily returns the sticky account for family if it is
// still eligible, otherwise the next eligible account in pool order. It
// returns nil when every account is cooling down for the family.
func (m *Manager) GetCurrentOrNextForFamily(family models.ModelFamily) *models.Account {
	return m.GetNextForFamilyExcept(family, nil)
}

// GetNextForFamilyExcept is GetCurrentOrNextForFamily ignoring accounts for
// which skip returns true.
func (m *Manager) GetNextForFamilyExcept(family models.ModelFamily, skip func(*models.Account) bool) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.accounts)
	if n == 0 {
		return nil
	}

	start := m.positionLocked(m.current[family])
	if start < 0 {
		start = 0
	}

	nowMs := m.now().UnixMilli()
	for i := 0; i < n; i++ {
		acc := m.accounts[(start+i)%n]
		clearExpired(acc, nowMs)
		if skip != nil && skip(acc) {
			continue
		}
		if m.limitedForFamilyLocked(acc, family, nowMs) {
			continue
		}
		if prev := m.current[family]; prev != acc {
			logger.Debug("account selected", "family", family, "index", acc.Index, "email", acc.Email)
		}
		m.current[family] = acc
		m.active = acc
		acc.LastUsed = m.now()
		return acc
	}
	return nil
}

// GetMinWaitTimeForFamily returns the shortest time until any account becomes
// eligible for family. It is zero when an account is already eligible.
func (m *Manager) GetMinWaitTimeForFamily(family models.ModelFamily) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nowMs := m.now().UnixMilli()
	minWait := int64(-1)
	for _, acc := range m.accounts {
		if !m.limitedForFamilyLocked(acc, family, nowMs) {
			return 0
		}
		wait := remaining(acc, models.QuotaKey(family, ""), nowMs)
		styleWait := int64(-1)
		for _, style := range family.Styles(m.styles) {
			w := remaining(acc, models.QuotaKey(family, style), nowMs)
			if styleWait < 0 || w < styleWait {
				styleWait = w
			}
		}
		if styleWait > wait {
			wait = styleWait
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return time.Duration(minWait) * time.Millisecond
}

// MarkRateLimited puts the (account, family, style) key into cooldown for
// delay. An empty style marks the whole family.
func (m *Manager) MarkRateLimited(acc *models.Account, delay time.Duration, family models.ModelFamily, style models.HeaderStyle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.positionLocked(acc) < 0 {
		return
	}
	key := models.QuotaKey(family, style)
	setReset(acc, key, m.now().Add(delay).UnixMilli())
	logger.Info("account rate limited",
		"index", acc.Index, "email", acc.Email, "key", key, "delay", delay)
}

// MarkCoolingDown puts the whole family into cooldown for a non-429 reason
// such as repeated refresh or transport failures.
func (m *Manager) MarkCoolingDown(acc *models.Account, delay time.Duration, family models.ModelFamily, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.positionLocked(acc) < 0 {
		return
	}
	setReset(acc, models.QuotaKey(family, ""), m.now().Add(delay).UnixMilli())
	logger.Warn("account cooling down",
		"index", acc.Index, "email", acc.Email, "family", family, "delay", delay, "reason", reason)
}

// IsRateLimitedForHeaderStyle reports whether the account may not be used
// for family through style.
func (m *Manager) IsRateLimitedForHeaderStyle(acc *models.Account, family models.ModelFamily, style models.HeaderStyle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nowMs := m.now().UnixMilli()
	return active(acc, models.QuotaKey(family, ""), nowMs) ||
		active(acc, models.QuotaKey(family, style), nowMs)
}

// IsRateLimitedForFamily reports whether no header style can serve family
// on the account.
func (m *Manager) IsRateLimitedForFamily(acc *models.Account, family models.ModelFamily) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limitedForFamilyLocked(acc, family, m.now().UnixMilli())
}

func (m *Manager) limitedForFamilyLocked(acc *models.Account, family models.ModelFamily, nowMs int64) bool {
	if active(acc, models.QuotaKey(family, ""), nowMs) {
		return true
	}
	for _, style := range family.Styles(m.styles) {
		if !active(acc, models.QuotaKey(family, style), nowMs) {
			return false
		}
	}
	return true
}

// RemoveAccount evicts the account. It returns false if it was already gone.
func (m *Manager) RemoveAccount(acc *models.Account) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.positionLocked(acc)
	if pos < 0 {
		return false
	}
	m.accounts = append(m.accounts[:pos], m.accounts[pos+1:]...)

	for family, cur := range m.current {
		if cur == acc {
			delete(m.current, family)
		}
	}
	if m.active == acc {
		m.active = nil
	}
	logger.Warn("account removed", "index", acc.Index, "email", acc.Email, "remaining", len(m.accounts))
	return true
}

// UpdateFromAuth stores a refreshed credential on the account.
func (m *Manager) UpdateFromAuth(acc *models.Account, cred models.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc.AccessToken = cred.AccessToken
	acc.AccessExpiry = cred.Expiry
	if cred.RefreshToken != "" {
		acc.RefreshToken = cred.RefreshToken
	}
	if acc.Email == "" && cred.Email != "" {
		acc.Email = cred.Email
	}
}

// Credential returns the account's current token material.
func (m *Manager) Credential(acc *models.Account) models.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.Credential{
		AccessToken:  acc.AccessToken,
		RefreshToken: acc.RefreshToken,
		Expiry:       acc.AccessExpiry,
		Email:        acc.Email,
	}
}

// Project returns the stored project ids of the account.
func (m *Manager) Project(acc *models.Account) (projectID, managedProjectID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return acc.ProjectID, acc.ManagedProjectID
}

// SetProject records a resolved project on the account.
func (m *Manager) SetProject(acc *models.Account, projectID, managedProjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID != "" {
		acc.ProjectID = projectID
	}
	if managedProjectID != "" {
		acc.ManagedProjectID = managedProjectID
	}
}

// Label returns a display name for the account.
func (m *Manager) Label(acc *models.Account) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return acc.Label()
}

// ShouldToast reports whether a desktop notification may be shown for the
// account and records the time when it may.
func (m *Manager) ShouldToast(acc *models.Account, interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !acc.ToastShownAt.IsZero() && now.Sub(acc.ToastShownAt) < interval {
		return false
	}
	acc.ToastShownAt = now
	return true
}

// Snapshot returns a read-only view of the pool.
func (m *Manager) Snapshot() []models.AccountStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	nowMs := now.UnixMilli()
	out := make([]models.AccountStatus, 0, len(m.accounts))
	for _, acc := range m.accounts {
		status := models.AccountStatus{
			Index:     acc.Index,
			Email:     acc.Email,
			ProjectID: acc.ProjectID,
			LastUsed:  acc.LastUsed,
			TokenExpired: models.Credential{
				AccessToken: acc.AccessToken,
				Expiry:      acc.AccessExpiry,
			}.Expired(now, 0),
		}
		for key, reset := range acc.RateLimitResetTimes {
			if reset <= nowMs {
				continue
			}
			if status.Cooldowns == nil {
				status.Cooldowns = make(map[string]time.Time)
			}
			status.Cooldowns[key] = time.UnixMilli(reset)
		}
		for family, cur := range m.current {
			if cur == acc {
				status.ActiveFor = append(status.ActiveFor, family)
			}
		}
		out = append(out, status)
	}
	return out
}

// SaveToDisk persists the pool. Failures are logged and swallowed so they
// never abort a request.
func (m *Manager) SaveToDisk(ctx context.Context) {
	if m.store == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	state := m.poolState()
	if err := m.store.Save(state); err != nil {
		logger.Error("failed to save accounts", "path", m.store.Path(), "error", err)
	}
}

func (m *Manager) poolState() *PoolState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := &PoolState{
		Accounts:    make([]models.Account, 0, len(m.accounts)),
		ActiveIndex: max(m.positionLocked(m.active), 0),
	}
	for _, acc := range m.accounts {
		state.Accounts = append(state.Accounts, acc.Clone())
	}
	for family, cur := range m.current {
		if pos := m.positionLocked(cur); pos >= 0 {
			if state.ActiveIndexByFamily == nil {
				state.ActiveIndexByFamily = make(map[models.ModelFamily]int)
			}
			state.ActiveIndexByFamily[family] = pos
		}
	}
	return state
}

// LoadFromDisk replaces the pool with the content of the accounts file.
func (m *Manager) LoadFromDisk(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = nil
	m.current = make(map[models.ModelFamily]*models.Account)
	m.active = nil
	for _, acc := range state.Accounts {
		m.addLocked(acc)
	}
	if pos := state.ActiveIndex; pos >= 0 && pos < len(m.accounts) {
		m.active = m.accounts[pos]
	}
	for family, pos := range state.ActiveIndexByFamily {
		if pos >= 0 && pos < len(m.accounts) {
			m.current[family] = m.accounts[pos]
		}
	}

	logger.Info("accounts loaded", "count", len(m.accounts), "path", m.store.Path())
	return nil
}

// Reload merges an externally edited accounts file into the pool. Accounts
// are matched by refresh token and keep their index, tokens and cooldowns.
func (m *Manager) Reload() error {
	if m.store == nil {
		return nil
	}

	state, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to reload accounts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]*models.Account, len(m.accounts))
	for _, acc := range m.accounts {
		existing[acc.RefreshToken] = acc
	}

	merged := make([]*models.Account, 0, len(state.Accounts))
	added := 0
	for _, loaded := range state.Accounts {
		if acc, ok := existing[loaded.RefreshToken]; ok {
			delete(existing, loaded.RefreshToken)
			if loaded.Email != "" {
				acc.Email = loaded.Email
			}
			if loaded.ProjectID != "" {
				acc.ProjectID = loaded.ProjectID
			}
			if loaded.ManagedProjectID != "" {
				acc.ManagedProjectID = loaded.ManagedProjectID
			}
			for k, v := range loaded.RateLimitResetTimes {
				if v > acc.RateLimitResetTimes[k] {
					setReset(acc, k, v)
				}
			}
			merged = append(merged, acc)
			continue
		}

		a := loaded.Clone()
		a.Index = m.nextIndex
		m.nextIndex++
		merged = append(merged, &a)
		added++
	}
	m.accounts = merged

	for _, gone := range existing {
		for family, cur := range m.current {
			if cur == gone {
				delete(m.current, family)
			}
		}
		if m.active == gone {
			m.active = nil
		}
	}

	logger.Info("accounts reloaded", "count", len(merged), "added", added, "removed", len(existing))
	return nil
}

// positionLocked returns the slice position of acc or -1.
func (m *Manager) positionLocked(acc *models.Account) int {
	if acc == nil {
		return -1
	}
	for i, a := range m.accounts {
		if a == acc {
			return i
		}
	}
	return -1
}

func setReset(acc *models.Account, key string, resetMs int64) {
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[string]int64)
	}
	acc.RateLimitResetTimes[key] = resetMs
}

func active(acc *models.Account, key string, nowMs int64) bool {
	reset, ok := acc.RateLimitResetTimes[key]
	return ok && reset > nowMs
}

func remaining(acc *models.Account, key string, nowMs int64) int64 {
	if reset, ok := acc.RateLimitResetTimes[key]; ok && reset > nowMs {
		return reset - nowMs
	}
	return 0
}

// clearExpired drops cooldowns that are already over.
func clearExpired(acc *models.Account, nowMs int64) {
	for key, reset := range acc.RateLimitResetTimes {
		if reset <= nowMs {
			delete(acc.RateLimitResetTimes, key)
		}
	}
}
