package app

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/services"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

// TabID identifies a tab. The order matches the number keys.
type TabID int

// Tabs.
const (
	TabDashboard TabID = iota
	TabHistory
	TabInfo
	tabCount
)

var tabNames = [tabCount]string{"Dashboard", "History", "Info"}

func (t TabID) String() string {
	if t < 0 || t >= tabCount {
		return "Unknown"
	}
	return tabNames[t]
}

// Tab is one screen of the TUI. Tabs share *State with the root model.
type Tab interface {
	Init() tea.Cmd
	Update(msg tea.Msg) (Tab, tea.Cmd)
	View() string
	SetSize(width, height int)
	ShortHelp() []key.Binding
	FullHelp() [][]key.Binding
}

// chromeHeight is the number of rows taken by the navbar and footer.
const chromeHeight = 4

// Model is the root model. It routes every message to the active tab after
// handling the global ones.
type Model struct {
	source   PoolSource
	state    *State
	events   chan services.ServiceEvent
	tabs     []Tab
	keymap   KeyMap
	spinner  spinner.Model
	width    int
	height   int
	active   TabID
	showHelp bool
	ready    bool
}

// NewModel returns a root model reading from src. A nil src runs the UI
// without a backend.
func NewModel(src PoolSource) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.FocusedStyle

	return &Model{
		source:  src,
		state:   NewState(),
		tabs:    make([]Tab, tabCount),
		keymap:  DefaultKeyMap(),
		spinner: sp,
	}
}

// SetTabs installs the tab models, indexed by TabID.
func (m *Model) SetTabs(tabs []Tab) {
	m.tabs = tabs
	m.resizeTabs()
}

// GetState returns the state shared with the tabs.
func (m *Model) GetState() *State {
	return m.state
}

// Init starts the spinner, the tick, the service subscription, and every tab.
func (m *Model) Init() tea.Cmd {
	m.state.SetLoadingNotification("Loading account pool...")

	cmds := []tea.Cmd{m.spinner.Tick, tick()}
	if m.source != nil {
		cmds = append(cmds, subscribeCmd(m.source), loadInitialData(m.source))
	}
	for _, tab := range m.tabs {
		if tab != nil {
			cmds = append(cmds, tab.Init())
		}
	}
	return tea.Batch(cmds...)
}

// Update handles global messages, then forwards msg to the active tab.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	cmds := m.handle(msg)

	if tab := m.current(); tab != nil {
		var cmd tea.Cmd
		m.tabs[m.active], cmd = tab.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) handle(msg tea.Msg) []tea.Cmd {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.resizeTabs()

	case tea.KeyMsg:
		return []tea.Cmd{m.handleKeyMsg(msg)}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return []tea.Cmd{cmd}

	case TickMsg:
		m.state.ClearExpiredNotifications()
		return []tea.Cmd{tick()}

	case SubscriptionEventMsg:
		m.events = msg.Channel
		return []tea.Cmd{waitForServiceEventCmd(m.events)}

	case ServiceEventMsg:
		cmds := []tea.Cmd{m.handleServiceEvent(msg.Event)}
		if m.events != nil {
			cmds = append(cmds, waitForServiceEventCmd(m.events))
		}
		return cmds

	case AccountsLoadedMsg:
		m.state.SetAccounts(msg.Accounts)
		m.state.SetStats(msg.Stats)
		m.state.SetLoading(ResourceInitial, false)
		m.finishLoading(ResourceAccounts)

	case StatsLoadedMsg:
		m.state.SetStats(msg.Stats)
		m.finishLoading(ResourceStats)

	case StartLoadingMsg:
		m.state.SetLoading(msg.Resource, true)
		m.state.SetLoadingNotification("Refreshing...")

	case StopLoadingMsg:
		m.finishLoading(msg.Resource)

	case RefreshMsg:
		return []tea.Cmd{m.refresh(msg.Resource)}

	case AddNotificationMsg:
		id := m.state.AddNotification(msg.Type, msg.Message, msg.Duration)
		if msg.Duration > 0 {
			return []tea.Cmd{expireNotificationCmd(id, msg.Duration)}
		}

	case RemoveNotificationMsg:
		m.state.RemoveNotification(msg.ID)

	case ClearExpiredNotificationsMsg:
		m.state.ClearExpiredNotifications()

	case ErrorMsg:
		return []tea.Cmd{notify(NotificationError, msg.Error.Error())}

	case TabSwitchMsg:
		m.active = msg.Tab
		m.resizeTabs()

	case ToggleHelpMsg:
		m.showHelp = !m.showHelp
	}
	return nil
}

func (m *Model) finishLoading(resource string) {
	m.state.SetLoading(resource, false)
	if !m.state.AnyLoading() {
		m.state.ClearLoadingNotification()
	}
}

// refresh reloads resource ("all", "accounts" or "stats").
func (m *Model) refresh(resource string) tea.Cmd {
	if m.source == nil {
		return nil
	}
	var load tea.Cmd
	switch resource {
	case "all", ResourceAccounts:
		resource, load = ResourceAccounts, loadAccountsCmd(m.source)
	case ResourceStats:
		load = loadStatsCmd(m.source)
	default:
		return nil
	}
	return tea.Sequence(func() tea.Msg { return StartLoadingMsg{Resource: resource} }, load)
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) tea.Cmd {
	k := m.keymap
	switch {
	case key.Matches(msg, k.Quit):
		return tea.Quit
	case key.Matches(msg, k.Help):
		m.showHelp = !m.showHelp
	case key.Matches(msg, k.Close):
		m.showHelp = false
	case key.Matches(msg, k.Tab1):
		return m.switchTab(TabDashboard)
	case key.Matches(msg, k.Tab2):
		return m.switchTab(TabHistory)
	case key.Matches(msg, k.Tab3):
		return m.switchTab(TabInfo)
	case key.Matches(msg, k.NextTab):
		return m.cycleTab(1)
	case key.Matches(msg, k.PrevTab):
		return m.cycleTab(-1)
	case key.Matches(msg, k.Refresh):
		return m.refresh(ResourceAccounts)
	}
	return nil
}

// switchTab activates tab and announces it so the tab can refresh anything
// that changed while it was hidden.
func (m *Model) switchTab(tab TabID) tea.Cmd {
	m.active = tab
	m.resizeTabs()
	return func() tea.Msg { return TabSwitchMsg{Tab: tab} }
}

func (m *Model) cycleTab(step int) tea.Cmd {
	n := len(m.tabs)
	if m.showHelp || n == 0 {
		return nil
	}
	return m.switchTab(TabID((int(m.active) + step + n) % n))
}

func (m *Model) current() Tab {
	if int(m.active) < len(m.tabs) {
		return m.tabs[m.active]
	}
	return nil
}

func (m *Model) resizeTabs() {
	if !m.ready {
		return
	}
	h := max(m.height-chromeHeight, 0)
	for _, tab := range m.tabs {
		if tab != nil {
			tab.SetSize(m.width, h)
		}
	}
}
