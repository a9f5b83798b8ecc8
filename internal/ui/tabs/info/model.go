// Package info provides the info tab: effective configuration and build
// details.
package info

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/app"
	"github.com/j-veylop/antigravity-dispatch/internal/config"
)

// Model is a scrollable, read-only page. Its bindings are the viewport's.
type Model struct {
	state    *app.State
	config   *config.Config
	viewport viewport.Model
	width    int
	height   int
}

// New returns the info tab for cfg.
func New(state *app.State, cfg *config.Config) *Model {
	return &Model{state: state, config: cfg, viewport: viewport.New(0, 0)}
}

// Init implements app.Tab.
func (m *Model) Init() tea.Cmd { return nil }

// Update scrolls on key and mouse input.
func (m *Model) Update(msg tea.Msg) (app.Tab, tea.Cmd) {
	switch msg.(type) {
	case tea.KeyMsg, tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

// SetSize implements app.Tab.
func (m *Model) SetSize(width, height int) {
	m.width, m.height = width, height
	m.viewport.Width, m.viewport.Height = width, height
}

// ShortHelp implements app.Tab.
func (m *Model) ShortHelp() []key.Binding {
	return []key.Binding{m.viewport.KeyMap.Up, m.viewport.KeyMap.Down}
}

// FullHelp implements app.Tab.
func (m *Model) FullHelp() [][]key.Binding {
	km := m.viewport.KeyMap
	return [][]key.Binding{
		{km.Up, km.Down},
		{km.PageUp, km.PageDown, km.HalfPageUp, km.HalfPageDown},
	}
}
