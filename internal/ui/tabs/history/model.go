// Package history provides the history tab for logged request statistics.
package history

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/app"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/components"
)

// Source loads aggregated history. An empty email means the whole pool.
type Source interface {
	GetHistory(email string, timeRange models.TimeRange) (*models.HistoryStats, error)
}

// keyMap defines the key bindings specific to the history tab.
type keyMap struct {
	ToggleRange key.Binding
	ToggleScope key.Binding
	Refresh     key.Binding
	Up          key.Binding
	Down        key.Binding
}

// defaultKeyMap returns the default key bindings for the history tab.
func defaultKeyMap() keyMap {
	return keyMap{
		ToggleRange: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "toggle time range"),
		),
		ToggleScope: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "pool / selected account"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "scroll down"),
		),
	}
}

// historyLoadedMsg is sent when history data is loaded.
type historyLoadedMsg struct {
	stats *models.HistoryStats
}

// historyErrorMsg is sent when there's an error loading history.
type historyErrorMsg struct {
	err string
}

// Model represents the history tab state.
type Model struct {
	lastRefresh time.Time
	source      Source
	state       *app.State
	historyData *models.HistoryStats
	errorMsg    string
	spinner     components.LoadingSpinner
	keys        keyMap
	viewport    viewport.Model
	width       int
	height      int
	timeRange   models.TimeRange
	loading     bool
	poolWide    bool
}

// New creates a new history model. The tab starts on the whole pool.
func New(state *app.State, source Source) *Model {
	return &Model{
		state:     state,
		source:    source,
		spinner:   components.NewSpinner("Loading history..."),
		keys:      defaultKeyMap(),
		viewport:  viewport.New(0, 0),
		timeRange: models.TimeRange7Days,
		poolWide:  true,
	}
}

// Init initializes the history tab.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Init(), m.reload())
}

// scopeEmail returns the account the tab is scoped to, or "" for the pool.
func (m *Model) scopeEmail() string {
	if m.poolWide {
		return ""
	}
	if acc := m.state.GetSelectedAccount(); acc != nil {
		return acc.Email
	}
	return ""
}

func (m *Model) reload() tea.Cmd {
	m.loading = true
	return m.loadHistoryCmd(m.scopeEmail(), m.timeRange)
}

// loadHistoryCmd creates a command to load history data.
func (m *Model) loadHistoryCmd(email string, timeRange models.TimeRange) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		if src == nil {
			return historyErrorMsg{err: "Request log not available"}
		}
		stats, err := src.GetHistory(email, timeRange)
		if err != nil {
			return historyErrorMsg{err: err.Error()}
		}
		return historyLoadedMsg{stats: stats}
	}
}

// Update handles messages for the history tab.
func (m *Model) Update(msg tea.Msg) (app.Tab, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case historyLoadedMsg:
		m.historyData = msg.stats
		m.loading = false
		m.lastRefresh = time.Now()
		m.errorMsg = ""

	case historyErrorMsg:
		m.loading = false
		m.errorMsg = msg.err
		cmds = append(cmds, func() tea.Msg {
			return app.AddNotificationMsg{
				Type:     app.NotificationError,
				Message:  fmt.Sprintf("History error: %s", msg.err),
				Duration: app.LongNotificationDuration,
			}
		})

	case app.TabSwitchMsg:
		if msg.Tab == app.TabHistory {
			cmds = append(cmds, m.handleShown())
		}

	case app.SelectedAccountChangedMsg:
		if !m.poolWide && !m.loading {
			cmds = append(cmds, m.reload())
		}

	case tea.KeyMsg:
		cmds = append(cmds, m.handleKeyMsg(msg))

	default:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// handleShown reloads when the data is missing, stale, or scoped to an
// account that is no longer selected.
func (m *Model) handleShown() tea.Cmd {
	if m.loading {
		return nil
	}
	if m.historyData == nil || time.Since(m.lastRefresh) > time.Minute {
		return m.reload()
	}
	if m.historyData.Email != m.scopeEmail() {
		return m.reload()
	}
	return nil
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.ToggleRange):
		m.timeRange = m.timeRange.Next()
		return m.reload()

	case key.Matches(msg, m.keys.ToggleScope):
		m.poolWide = !m.poolWide
		return m.reload()

	case key.Matches(msg, m.keys.Refresh):
		return m.reload()

	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return cmd
	}
}

// SetSize sets the available size for the history tab.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height
}

// ShortHelp returns the key bindings for the short help view.
func (m *Model) ShortHelp() []key.Binding {
	return []key.Binding{
		m.keys.ToggleRange,
		m.keys.ToggleScope,
		m.keys.Refresh,
	}
}

// FullHelp returns the key bindings for the full help view.
func (m *Model) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{m.keys.ToggleRange, m.keys.ToggleScope, m.keys.Refresh},
		{m.keys.Up, m.keys.Down},
	}
}
