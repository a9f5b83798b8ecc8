package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

var (
	navBarStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(styles.Subtle)
	navActiveStyle   = lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 2)
	navInactiveStyle = lipgloss.NewStyle().Foreground(styles.TextSecondary).Padding(0, 2)
	helpKeyStyle     = lipgloss.NewStyle().Foreground(styles.Primary).Width(12)
	helpGroupStyle   = lipgloss.NewStyle().Bold(true).Foreground(styles.Secondary)
)

// toastTop is the row where the toast stack starts, below the navbar.
const toastTop = 2

// View renders the navbar, the active tab, the footer, and any overlays.
func (m *Model) View() string {
	if !m.ready {
		return styles.DocStyle.Render(m.spinner.View() + " Loading...")
	}

	screen := lipgloss.JoinVertical(lipgloss.Left,
		m.renderNavbar(),
		m.renderBody(),
		m.renderFooter(),
	)

	if m.showHelp {
		panel := m.renderHelp()
		x := max((m.width-lipgloss.Width(panel))/2, 0)
		y := max((m.height-lipgloss.Height(panel))/2, 0)
		screen = overlay(screen, panel, x, y)
	}

	if toasts := m.renderToasts(); toasts != "" {
		x := max(m.width-lipgloss.Width(toasts)-2, 0)
		screen = overlay(screen, toasts, x, toastTop)
	}
	return screen
}

// renderNavbar draws the tab strip with a pool badge flush right.
func (m *Model) renderNavbar() string {
	items := make([]string, 0, tabCount)
	for id := TabDashboard; id < tabCount; id++ {
		label := fmt.Sprintf("%d %s", id+1, id)
		if id == m.active {
			items = append(items, navActiveStyle.Render("▸ "+label))
		} else {
			items = append(items, navInactiveStyle.Render("  "+label))
		}
	}
	left := lipgloss.JoinHorizontal(lipgloss.Top, items...)
	right := m.poolBadge()

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-1, 1)
	return navBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

// poolBadge summarizes the pool: size and accounts in cooldown.
func (m *Model) poolBadge() string {
	if m.state.IsInitialLoading() {
		return styles.HelpStyle.Render(m.spinner.View() + " pool")
	}
	n := m.state.GetAccountCount()
	if n == 0 {
		return styles.ErrorTextStyle.Render("no accounts")
	}

	cooling := 0
	if stats := m.state.GetStats(); stats != nil {
		cooling = stats.Cooling
	}
	badge := styles.SuccessTextStyle.Render(fmt.Sprintf("● %d accounts", n))
	if cooling > 0 {
		style := styles.WarningTextStyle
		if cooling >= n {
			style = styles.ErrorTextStyle
		}
		badge += "  " + style.Render(fmt.Sprintf("%d cooling", cooling))
	}
	return badge
}

func (m *Model) renderBody() string {
	if tab := m.current(); tab != nil {
		return tab.View()
	}
	return styles.DocStyle.Render(styles.HelpStyle.Render(
		fmt.Sprintf("No view registered for %s.", m.active)))
}

// renderFooter lists the active tab's short help followed by the global keys.
func (m *Model) renderFooter() string {
	var bindings []key.Binding
	if tab := m.current(); tab != nil {
		bindings = append(bindings, tab.ShortHelp()...)
	}
	bindings = append(bindings, m.keymap.ShortHelp()...)

	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if h := b.Help(); b.Enabled() && h.Key != "" {
			parts = append(parts, h.Key+" "+h.Desc)
		}
	}
	return styles.HelpStyle.Render(" " + strings.Join(parts, " • "))
}

// renderHelp lists every global group and the active tab's bindings.
func (m *Model) renderHelp() string {
	lines := []string{styles.TitleStyle.Render("Keyboard Shortcuts"), ""}

	groups := m.keymap.FullHelp()
	titles := []string{"Tabs", "General"}
	if tab := m.current(); tab != nil {
		for _, g := range tab.FullHelp() {
			groups = append(groups, g)
			titles = append(titles, m.active.String())
		}
	}

	prev := ""
	for i, group := range groups {
		if titles[i] != prev {
			if prev != "" {
				lines = append(lines, "")
			}
			lines = append(lines, helpGroupStyle.Render(titles[i]))
			prev = titles[i]
		}
		for _, b := range group {
			h := b.Help()
			lines = append(lines, "  "+helpKeyStyle.Render(h.Key)+h.Desc)
		}
	}

	lines = append(lines, "", styles.HelpStyle.Render("? or esc to close"))
	return styles.HelpPanelStyle.Render(strings.Join(lines, "\n"))
}

// renderToasts stacks the live toasts, newest at the bottom.
func (m *Model) renderToasts() string {
	notes := m.state.GetNotifications()
	if len(notes) == 0 {
		return ""
	}

	toasts := make([]string, 0, len(notes))
	for _, n := range notes {
		toasts = append(toasts, styles.ToastStyle.Render(m.toastLine(n)))
	}
	return lipgloss.JoinVertical(lipgloss.Right, toasts...)
}

func (m *Model) toastLine(n Notification) string {
	switch n.Type {
	case NotificationSuccess:
		return styles.SuccessTextStyle.Render("✓ " + n.Message)
	case NotificationError:
		return styles.ErrorTextStyle.Bold(true).Render("✗ " + n.Message)
	case NotificationWarning:
		return styles.WarningTextStyle.Render("! " + n.Message)
	case NotificationLoading:
		return m.spinner.View() + " " + styles.InfoTextStyle.Render(n.Message)
	default:
		return styles.InfoTextStyle.Render("• " + n.Message)
	}
}

// overlay draws top over base with its top left corner at column x, row y.
// Cells of base outside top are kept.
func overlay(base, top string, x, y int) string {
	rows := strings.Split(base, "\n")
	width := lipgloss.Width(top)

	for i, line := range strings.Split(top, "\n") {
		row := y + i
		for row >= len(rows) {
			rows = append(rows, "")
		}
		under := rows[row]
		left := ansi.Truncate(under, x, "")
		if pad := x - lipgloss.Width(left); pad > 0 {
			left += strings.Repeat(" ", pad)
		}
		rows[row] = left + line + ansi.TruncateLeft(under, x+width, "")
	}
	return strings.Join(rows, "\n")
}
