// Package services wires the account pool, token refresh, signature cache
// and dispatcher together and fans their events out to the request log,
// metrics, desktop notifications and the monitor.
package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"

	"github.com/j-veylop/antigravity-dispatch/internal/config"
	"github.com/j-veylop/antigravity-dispatch/internal/db"
	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/metrics"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/accounts"
	"github.com/j-veylop/antigravity-dispatch/internal/services/auth"
	"github.com/j-veylop/antigravity-dispatch/internal/services/dispatch"
	"github.com/j-veylop/antigravity-dispatch/internal/services/signature"
	"github.com/j-veylop/antigravity-dispatch/internal/services/stream"
	"github.com/j-veylop/antigravity-dispatch/internal/services/upstream"
)

const (
	toastInterval      = time.Minute
	poolRefreshPeriod  = 15 * time.Second
	cleanupPeriod      = 6 * time.Hour
	requestLogMaxDays  = 30
	vacuumAfterDeletes = 10000
	upstreamTimeout    = 10 * time.Minute
	sessionEventSwitch = "account_switch"
	sessionEventLimit  = "rate_limited"
	sessionEventDrain  = "all_exhausted"
	sessionEventRemove = "account_removed"
)

type (
	// PoolChangedEvent is emitted when accounts or cooldowns change.
	PoolChangedEvent struct {
		Accounts []models.AccountStatus
	}

	// AttemptEvent is emitted for every upstream attempt.
	AttemptEvent struct {
		Call models.APICall
	}

	// RateLimitedEvent is emitted for every 429.
	RateLimitedEvent struct {
		dispatch.RateLimitEvent
	}

	// AccountSwitchedEvent is emitted when a family moves to another account.
	AccountSwitchedEvent struct {
		dispatch.AccountSwitchEvent
	}

	// PoolExhaustedEvent is emitted when every account is cooling down.
	PoolExhaustedEvent struct {
		dispatch.ExhaustedEvent
	}

	// AccountRemovedEvent is emitted when a revoked account leaves the pool.
	AccountRemovedEvent struct {
		dispatch.AccountRemovedEvent
	}

	// ErrorEvent is emitted when an error occurs in any service.
	ErrorEvent struct {
		Service string
		Error   error
	}

	// StatsEvent summarizes the pool and the signature cache.
	StatsEvent struct {
		Cache        models.CacheStats
		AccountCount int
		Cooling      int
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (PoolChangedEvent) isServiceEvent()     {}
func (AttemptEvent) isServiceEvent()         {}
func (RateLimitedEvent) isServiceEvent()     {}
func (AccountSwitchedEvent) isServiceEvent() {}
func (PoolExhaustedEvent) isServiceEvent()   {}
func (AccountRemovedEvent) isServiceEvent()  {}
func (ErrorEvent) isServiceEvent()           {}
func (StatsEvent) isServiceEvent()           {}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient sends upstream, token and project discovery requests
// through client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

// WithNotifier replaces the desktop notification function.
func WithNotifier(notify func(title, message string) error) Option {
	return func(m *Manager) { m.notify = notify }
}

// WithMetrics uses an existing metrics registry.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager orchestrates services and event routing.
type Manager struct {
	mu          sync.RWMutex
	cfg         *config.Config
	client      *http.Client
	notify      func(title, message string) error
	store       *accounts.Store
	pool        *accounts.Manager
	cache       *signature.Cache
	dispatcher  *dispatch.Dispatcher
	database    *db.DB
	metrics     *metrics.Metrics
	stopChan    chan struct{}
	doneChan    chan struct{}
	subscribers []chan ServiceEvent
	drainToasts map[models.ModelFamily]time.Time
	closed      atomic.Bool
}

// NewManager creates a new service manager and loads the account pool.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		notify:      defaultNotify,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		drainToasts: make(map[models.ModelFamily]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: upstreamTimeout}
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	var err error
	m.database, err = db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	styles := headerStyles(cfg.Upstream.HeaderStyles)
	m.store = accounts.NewStore(cfg.AccountsPath)
	m.pool = accounts.NewManager(m.store, styles)
	if err := m.pool.LoadFromDisk(context.Background()); err != nil {
		_ = m.database.Close()
		return nil, err
	}

	instanceID, err := signature.LoadInstanceID(cfg.DataDir)
	if err != nil {
		_ = m.database.Close()
		return nil, err
	}

	m.cache = signature.NewCache(signature.CacheConfig{
		Path:          cfg.SignatureCachePath,
		MemoryTTL:     cfg.Signature.MemoryTTL,
		DiskTTL:       cfg.Signature.DiskTTL,
		WriteInterval: cfg.Signature.WriteInterval,
	})
	if err := m.cache.Load(); err != nil {
		logger.Warn("failed to load signature cache", "path", cfg.SignatureCachePath, "error", err)
	}
	m.cache.Start()
	m.metrics.RegisterCacheStats(m.cache.Stats)

	refresher := auth.NewRefresher(auth.RefresherConfig{
		HTTPClient:   m.client,
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})
	projects := auth.NewProjectResolver(m.client, nil, cfg.DefaultProjectID)
	builder := upstream.NewBuilder(instanceID, m.cache)

	m.dispatcher = dispatch.New(dispatch.Config{
		Endpoints:           endpoints(cfg.Upstream.Endpoints),
		Styles:              styles,
		DebugThinking:       cfg.DebugThinking,
		MaxRateLimitWait:    cfg.Dispatch.MaxRateLimitWait,
		ShortRetryThreshold: cfg.Dispatch.ShortRetryThreshold,
		FailureCooldown:     cfg.Dispatch.FailureCooldown,
		FailureThreshold:    cfg.Dispatch.FailureThreshold,
		Warmup:              cfg.Dispatch.Warmup,
		UnwrapResponses:     true,
	}, dispatch.Deps{
		Pool:        m.pool,
		Refresher:   refresher,
		Projects:    projects,
		Builder:     builder,
		Client:      m.client,
		Signatures:  m.cache,
		Transformer: stream.NewTransformer(m.cache, 0),
		Warmups:     signature.NewWarmupTracker(0, 0),
	}, m.hooks())

	if err := m.store.Watch(m.reloadPool); err != nil {
		logger.Warn("accounts file watcher disabled", "error", err)
	}
	m.metrics.SetPool(m.Snapshot())

	go m.routeEvents()

	logger.Info("dispatcher ready", "accounts", m.pool.Count(), "instance", instanceID)
	return m, nil
}

func defaultNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

func headerStyles(names []string) []models.HeaderStyle {
	styles := make([]models.HeaderStyle, 0, len(names))
	for _, name := range names {
		styles = append(styles, models.HeaderStyle(name))
	}
	return styles
}

func endpoints(overrides map[string][]string) upstream.Endpoints {
	eps := upstream.DefaultEndpoints()
	for style, list := range overrides {
		if len(list) > 0 {
			eps[models.HeaderStyle(style)] = list
		}
	}
	return eps
}

// routeEvents forwards store events and runs the periodic pool and request
// log maintenance.
func (m *Manager) routeEvents() {
	defer close(m.doneChan)

	poolTicker := time.NewTicker(poolRefreshPeriod)
	defer poolTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupPeriod)
	defer cleanupTicker.Stop()

	for {
		select {
		case event := <-m.store.Events():
			if event.Type == accounts.EventError {
				m.broadcast(ErrorEvent{Service: "accounts", Error: event.Error})
			}

		case <-poolTicker.C:
			m.publishPool()

		case <-cleanupTicker.C:
			m.cleanup()

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) reloadPool() {
	if err := m.pool.Reload(); err != nil {
		logger.Error("failed to reload accounts", "error", err)
		m.broadcast(ErrorEvent{Service: "accounts", Error: err})
		return
	}
	m.publishPool()
}

func (m *Manager) publishPool() {
	snapshot := m.Snapshot()
	m.metrics.SetPool(snapshot)
	m.broadcast(PoolChangedEvent{Accounts: snapshot})
}

func (m *Manager) cleanup() {
	n, err := m.database.CleanupOldCalls(requestLogMaxDays)
	if err != nil {
		logger.Error("failed to clean up request log", "error", err)
		return
	}
	if n == 0 {
		return
	}
	logger.Info("request log cleaned up", "deleted", n)
	if n >= vacuumAfterDeletes {
		if err := m.database.Vacuum(); err != nil {
			logger.Warn("failed to vacuum request log", "error", err)
		}
	}
}

func (m *Manager) hooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnAttempt:              m.onAttempt,
		OnRateLimited:          m.onRateLimited,
		OnAccountSwitch:        m.onAccountSwitch,
		OnAllAccountsExhausted: m.onExhausted,
		OnAccountRemoved:       m.onAccountRemoved,
		ClearCredential:        m.clearCredential,
	}
}

func (m *Manager) onAttempt(call models.APICall) {
	m.metrics.ObserveAttempt(call)
	if !m.closed.Load() {
		if err := m.database.InsertAPICall(&call); err != nil {
			logger.Error("failed to log api call", "error", err)
		}
	}
	m.broadcast(AttemptEvent{Call: call})
}

func (m *Manager) onRateLimited(ev dispatch.RateLimitEvent) {
	m.metrics.ObserveRateLimit(ev.Family, ev.Style, ev.Capacity)
	m.recordSession(&models.SessionEvent{
		Kind:   sessionEventLimit,
		Email:  ev.Account,
		Family: string(ev.Family),
		Detail: fmt.Sprintf("%s attempt %d: %s", ev.Style, ev.Attempt, ev.Reason),
		WaitMs: ev.Delay.Milliseconds(),
	})
	m.broadcast(RateLimitedEvent{RateLimitEvent: ev})

	if ev.Capacity || ev.Delay <= m.cfg.Dispatch.ShortRetryThreshold {
		return
	}
	if acc := m.account(ev.Index); acc != nil && m.pool.ShouldToast(acc, toastInterval) {
		m.toast(fmt.Sprintf("Rate limited: %s", ev.Account),
			fmt.Sprintf("%s quota resets in %s", ev.Family, ev.Delay.Round(time.Second)))
	}
	m.publishPool()
}

func (m *Manager) onAccountSwitch(ev dispatch.AccountSwitchEvent) {
	m.metrics.ObserveSwitch(ev.Family)
	m.recordSession(&models.SessionEvent{
		Kind:   sessionEventSwitch,
		Email:  ev.To,
		Family: string(ev.Family),
		Detail: ev.From + " -> " + ev.To,
	})
	m.broadcast(AccountSwitchedEvent{AccountSwitchEvent: ev})

	if acc := m.account(ev.ToIndex); acc != nil && m.pool.ShouldToast(acc, toastInterval) {
		m.toast(fmt.Sprintf("Switched %s account", ev.Family), fmt.Sprintf("Now using %s", ev.To))
	}
}

func (m *Manager) onExhausted(ev dispatch.ExhaustedEvent) {
	m.metrics.ObserveExhausted(ev.Family, ev.Fatal)
	m.recordSession(&models.SessionEvent{
		Kind:   sessionEventDrain,
		Family: string(ev.Family),
		Detail: fmt.Sprintf("%d accounts, fatal=%t", ev.Accounts, ev.Fatal),
		WaitMs: ev.Wait.Milliseconds(),
	})
	m.broadcast(PoolExhaustedEvent{ExhaustedEvent: ev})

	m.mu.Lock()
	last := m.drainToasts[ev.Family]
	show := time.Since(last) >= toastInterval
	if show {
		m.drainToasts[ev.Family] = time.Now()
	}
	m.mu.Unlock()
	if show {
		m.toast(fmt.Sprintf("All %s accounts rate limited", ev.Family),
			fmt.Sprintf("Waiting %s for the next reset", ev.Wait.Round(time.Second)))
	}
}

func (m *Manager) onAccountRemoved(ev dispatch.AccountRemovedEvent) {
	m.metrics.ObserveRemoved()
	m.recordSession(&models.SessionEvent{
		Kind:   sessionEventRemove,
		Email:  ev.Account,
		Detail: ev.Reason,
	})
	m.broadcast(AccountRemovedEvent{AccountRemovedEvent: ev})
	m.toast(fmt.Sprintf("Account removed: %s", ev.Account),
		fmt.Sprintf("Refresh token revoked, %d accounts left", ev.Remaining))
	m.publishPool()
}

func (m *Manager) clearCredential() {
	logger.Warn("last account removed, pool is empty", "path", m.cfg.AccountsPath)
	m.pool.SaveToDisk(context.Background())
}

func (m *Manager) recordSession(ev *models.SessionEvent) {
	if m.closed.Load() {
		return
	}
	if err := m.database.InsertSessionEvent(ev); err != nil {
		logger.Error("failed to log session event", "kind", ev.Kind, "error", err)
	}
}

func (m *Manager) toast(title, message string) {
	if !m.cfg.Notifications {
		return
	}
	if err := m.notify(title, message); err != nil {
		logger.Debug("desktop notification failed", "error", err)
	}
}

// account returns the live account with the given index.
func (m *Manager) account(index int) *models.Account {
	for _, acc := range m.pool.Accounts() {
		if acc.Index == index {
			return acc
		}
	}
	return nil
}

// broadcast sends an event to all subscribers.
func (m *Manager) broadcast(event ServiceEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// Subscribe creates a channel for receiving service events.
// Returns a tea.Cmd that can be used in Bubble Tea's Init or Update.
func (m *Manager) Subscribe() (chan ServiceEvent, tea.Cmd) {
	ch := make(chan ServiceEvent, 50)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch, WaitForEvent(ch)
}

// WaitForEvent returns a tea.Cmd for the next event on a channel.
func WaitForEvent(ch <-chan ServiceEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return nil
		}
		return event
	}
}

// Unsubscribe removes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Snapshot returns the pool state with the dispatcher's failure streaks.
func (m *Manager) Snapshot() []models.AccountStatus {
	snapshot := m.pool.Snapshot()
	if m.dispatcher != nil {
		for i := range snapshot {
			snapshot[i].Failures = m.dispatcher.Failures(snapshot[i].Index)
		}
	}
	return snapshot
}

// CacheStats returns the signature cache counters.
func (m *Manager) CacheStats() models.CacheStats {
	return m.cache.Stats()
}

// GetStats returns aggregated statistics.
func (m *Manager) GetStats() StatsEvent {
	snapshot := m.pool.Snapshot()
	cooling := 0
	for _, acc := range snapshot {
		if len(acc.Cooldowns) > 0 {
			cooling++
		}
	}
	return StatsEvent{
		Cache:        m.cache.Stats(),
		AccountCount: len(snapshot),
		Cooling:      cooling,
	}
}

// GetHistory retrieves historical statistics for an account, or for the
// whole pool when email is empty.
func (m *Manager) GetHistory(email string, timeRange models.TimeRange) (*models.HistoryStats, error) {
	if m.database == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return m.database.GetHistoryStats(email, timeRange)
}

// GetHourlyStats returns per-hour request totals for the last hours.
func (m *Manager) GetHourlyStats(hours int) ([]models.HourlyStats, error) {
	if m.database == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return m.database.GetHourlyStats(hours)
}

// GetRecentCalls returns the newest logged attempts.
func (m *Manager) GetRecentCalls(limit int) ([]models.APICall, error) {
	if m.database == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return m.database.GetRecentAPICalls(limit)
}

// InitialState returns the initial state of all services for TUI initialization.
func (m *Manager) InitialState() ([]models.AccountStatus, StatsEvent) {
	return m.Snapshot(), m.GetStats()
}

// Dispatcher returns the request dispatcher.
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Pool returns the account pool.
func (m *Manager) Pool() *accounts.Manager {
	return m.pool
}

// Cache returns the signature cache.
func (m *Manager) Cache() *signature.Cache {
	return m.cache
}

// Metrics returns the metrics registry.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Database returns the database instance for direct access.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close stops background work, flushes the cache and the pool and closes
// the database.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.stopChan)
	<-m.doneChan

	m.mu.Lock()
	for _, sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = nil
	m.mu.Unlock()

	var errs []error

	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := m.cache.Close(); err != nil {
		errs = append(errs, err)
	}

	m.pool.SaveToDisk(context.Background())

	if m.database != nil {
		if err := m.database.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
