// Package dashboard provides the live pool view: account cooldowns, the
// signature cache and recent upstream traffic.
package dashboard

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/app"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/components"
)

const (
	trafficHours     = 24
	recentCallLimit  = 8
	trafficMaxAge    = 30 * time.Second
	trafficMinReload = 5 * time.Second
)

type animationTickMsg time.Time

func animationTickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*40, func(t time.Time) tea.Msg {
		return animationTickMsg(t)
	})
}

// DataSource supplies logged traffic for the charts.
type DataSource interface {
	GetHourlyStats(hours int) ([]models.HourlyStats, error)
	GetRecentCalls(limit int) ([]models.APICall, error)
}

type trafficLoadedMsg struct {
	err    error
	hourly []models.HourlyStats
	recent []models.APICall
}

// keyMap defines the key bindings specific to the dashboard tab.
type keyMap struct {
	NextAccount  key.Binding
	PrevAccount  key.Binding
	FirstAccount key.Binding
	LastAccount  key.Binding
	Refresh      key.Binding
}

// defaultKeyMap returns the default key bindings for the dashboard tab.
func defaultKeyMap() keyMap {
	return keyMap{
		NextAccount: key.NewBinding(
			key.WithKeys("n", "j", "down"),
			key.WithHelp("j/n", "next account"),
		),
		PrevAccount: key.NewBinding(
			key.WithKeys("p", "k", "up"),
			key.WithHelp("k/p", "prev account"),
		),
		FirstAccount: key.NewBinding(
			key.WithKeys("g", "home"),
			key.WithHelp("g", "first account"),
		),
		LastAccount: key.NewBinding(
			key.WithKeys("G", "end"),
			key.WithHelp("G", "last account"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
	}
}

// Model represents the dashboard tab state.
type Model struct {
	lastTraffic    time.Time
	source         DataSource
	state          *app.State
	trafficErr     error
	spinner        components.LoadingSpinner
	hourly         []models.HourlyStats
	keys           keyMap
	viewport       viewport.Model
	cooldownBar    components.CooldownBar
	width          int
	height         int
	animationFrame int
	trafficStale   bool
	trafficLoading bool
}

// New creates a dashboard. source may be nil, in which case the traffic
// card only shows attempts seen since startup.
func New(state *app.State, source DataSource) *Model {
	return &Model{
		state:       state,
		source:      source,
		spinner:     components.NewSpinner("Loading account pool..."),
		cooldownBar: components.NewCooldownBar(),
		keys:        defaultKeyMap(),
		viewport:    viewport.New(0, 0),
	}
}

// Init initializes the model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Init(), animationTickCmd(), m.loadTrafficCmd())
}

func (m *Model) loadTrafficCmd() tea.Cmd {
	if m.source == nil {
		return nil
	}
	m.trafficLoading = true
	src := m.source
	seed := len(m.state.RecentCalls(1)) == 0
	return func() tea.Msg {
		hourly, err := src.GetHourlyStats(trafficHours)
		if err != nil {
			return trafficLoadedMsg{err: err}
		}
		msg := trafficLoadedMsg{hourly: hourly}
		if seed {
			msg.recent, msg.err = src.GetRecentCalls(recentCallLimit)
		}
		return msg
	}
}

// Update handles messages and updates the model.
func (m *Model) Update(msg tea.Msg) (app.Tab, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case animationTickMsg:
		m.animationFrame++
		if m.state.IsInitialLoading() {
			cmds = append(cmds, animationTickCmd())
		}

	case trafficLoadedMsg:
		m.handleTrafficLoaded(msg)

	case app.TickMsg:
		if m.trafficDue(msg.Time) {
			cmds = append(cmds, m.loadTrafficCmd())
		}

	case app.CallRecordedMsg:
		m.trafficStale = true

	case tea.KeyMsg:
		cmds = append(cmds, m.handleKeyMsg(msg))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleTrafficLoaded(msg trafficLoadedMsg) {
	m.trafficLoading = false
	m.lastTraffic = time.Now()
	m.trafficStale = false
	m.trafficErr = msg.err
	if msg.err != nil {
		return
	}
	m.hourly = msg.hourly

	// Seed the in-memory ring oldest first so it reads newest first.
	if len(m.state.RecentCalls(1)) == 0 {
		for i := len(msg.recent) - 1; i >= 0; i-- {
			m.state.RecordCall(msg.recent[i])
		}
	}
}

func (m *Model) trafficDue(now time.Time) bool {
	if m.source == nil || m.trafficLoading {
		return false
	}
	age := now.Sub(m.lastTraffic)
	return age >= trafficMaxAge || (m.trafficStale && age >= trafficMinReload)
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) tea.Cmd {
	count := m.state.GetAccountCount()
	selected := m.state.GetSelectedAccountIndex()

	switch {
	case key.Matches(msg, m.keys.NextAccount):
		if count == 0 {
			return nil
		}
		return m.selectAccount((selected + 1) % count)
	case key.Matches(msg, m.keys.PrevAccount):
		if count == 0 {
			return nil
		}
		return m.selectAccount((selected - 1 + count) % count)
	case key.Matches(msg, m.keys.FirstAccount):
		if count == 0 {
			return nil
		}
		return m.selectAccount(0)
	case key.Matches(msg, m.keys.LastAccount):
		if count == 0 {
			return nil
		}
		return m.selectAccount(count - 1)
	case key.Matches(msg, m.keys.Refresh):
		if m.trafficLoading {
			return nil
		}
		return m.loadTrafficCmd()
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return cmd
	}
}

func (m *Model) selectAccount(idx int) tea.Cmd {
	m.state.SetSelectedAccountIndex(idx)
	acc := m.state.GetSelectedAccount()
	if acc == nil {
		return nil
	}
	email := acc.Email
	return func() tea.Msg {
		return app.SelectedAccountChangedMsg{Index: idx, Email: email}
	}
}

// SetSize sets the available size for the dashboard.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height
}

// ShortHelp returns the key bindings for the short help view.
func (m *Model) ShortHelp() []key.Binding {
	return []key.Binding{
		m.keys.NextAccount,
		m.keys.PrevAccount,
		m.keys.Refresh,
	}
}

// FullHelp returns the key bindings for the full help view.
func (m *Model) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{m.keys.NextAccount, m.keys.PrevAccount},
		{m.keys.FirstAccount, m.keys.LastAccount},
		{m.keys.Refresh},
	}
}
