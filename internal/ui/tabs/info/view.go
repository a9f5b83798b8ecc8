package info

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
	"github.com/j-veylop/antigravity-dispatch/internal/version"
)

// View renders the info tab.
func (m *Model) View() string {
	sections := []string{
		m.renderTitle(),
		m.renderConfigCard(),
		m.renderDispatchCard(),
		m.renderAboutCard(),
	}

	content := lipgloss.JoinVertical(lipgloss.Left, sections...)

	m.viewport.SetContent(content)

	return styles.DocStyle.
		Width(m.width).
		Height(m.height).
		Render(m.viewport.View())
}

func (m *Model) renderTitle() string {
	title := styles.TitleStyle.Render("Info")
	subtitle := styles.HelpStyle.Render("Configuration and build information")

	return lipgloss.JoinVertical(lipgloss.Left, title, subtitle, "")
}

func (m *Model) cardWidth() int {
	return min(max(m.width-6, 50), 90)
}

// renderConfigCard renders paths and endpoints.
func (m *Model) renderConfigCard() string {
	rows := []string{styles.CardTitleStyle.Render("Configuration")}

	if m.config == nil {
		rows = append(rows, styles.HelpStyle.Render("Configuration not loaded"))
		return styles.CardStyle.Width(m.cardWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	c := m.config
	rows = append(rows,
		renderConfigRow("Listen", c.ListenAddr),
		renderConfigRow("Accounts File", c.AccountsPath),
		renderConfigRow("Database", c.DatabasePath),
		renderConfigRow("Signature Cache", c.SignatureCachePath),
		renderConfigRow("Log File", orNone(c.LogFile)),
		renderConfigRow("Log Level", c.LogLevel),
		renderConfigRow("Default Project", c.DefaultProjectID),
		renderConfigRow("Notifications", strconv.FormatBool(c.Notifications)),
	)
	if c.DebugThinking != "" {
		rows = append(rows, renderConfigRow("Debug Thinking", styles.WarningTextStyle.Render("enabled")))
	}

	return styles.CardStyle.Width(m.cardWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// renderDispatchCard renders retry and cache tuning.
func (m *Model) renderDispatchCard() string {
	if m.config == nil {
		return ""
	}
	d := m.config.Dispatch
	s := m.config.Signature

	styleOrder := "default"
	if len(m.config.Upstream.HeaderStyles) > 0 {
		styleOrder = strings.Join(m.config.Upstream.HeaderStyles, " → ")
	}

	rows := []string{
		styles.CardTitleStyle.Render("Dispatch"),
		renderConfigRow("Max 429 Wait", d.MaxRateLimitWait.String()),
		renderConfigRow("Short Retry", d.ShortRetryThreshold.String()),
		renderConfigRow("Failure Limit", fmt.Sprintf("%d in a row, %s cooldown", d.FailureThreshold, d.FailureCooldown)),
		renderConfigRow("Warmup", strconv.FormatBool(d.Warmup)),
		renderConfigRow("Header Styles", styleOrder),
		renderConfigRow("Signature TTL", fmt.Sprintf("%s memory, %s disk", s.MemoryTTL, s.DiskTTL)),
		renderConfigRow("Cache Flush", s.WriteInterval.String()),
	}

	return styles.CardStyle.Width(m.cardWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderConfigRow(label, value string) string {
	labelStyle := lipgloss.NewStyle().
		Width(18).
		Foreground(styles.TextMuted)

	valueStyle := lipgloss.NewStyle().
		Foreground(styles.TextPrimary)

	return labelStyle.Render(label+":") + " " + valueStyle.Render(value)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// renderAboutCard renders the about/version information card.
func (m *Model) renderAboutCard() string {
	rows := []string{
		styles.CardTitleStyle.Render("About Antigravity Dispatch"),
		renderConfigRow("Version", version.GetVersion()),
		renderConfigRow("Build Date", version.GetDate()),
		renderConfigRow("Git Commit", version.GetCommit()),
		renderConfigRow("Go Version", runtime.Version()),
		renderConfigRow("Platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)),
		"",
		fmt.Sprintf("Accounts: %s", styles.InfoTextStyle.Render(strconv.Itoa(m.state.GetAccountCount()))),
	}

	return styles.CardStyle.Width(m.cardWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
