package dashboard

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/components"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

const indentSpace = "    "

// View renders the dashboard component.
func (m *Model) View() string {
	if m.state.IsInitialLoading() {
		return m.renderLoading()
	}

	sections := []string{
		m.renderTitle(),
		m.renderSummary(),
		m.renderAccountList(),
		m.renderTraffic(),
	}

	content := lipgloss.JoinVertical(lipgloss.Left, sections...)

	m.viewport.SetContent(content)

	return styles.DocStyle.
		Width(m.width).
		Height(m.height).
		Render(m.viewport.View())
}

func (m *Model) renderLoading() string {
	width := max(m.width/2, 40)
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.spinner.View(),
		"",
		components.LoadingBar("claude", width, m.animationFrame),
		components.LoadingBar("gemini", width, m.animationFrame),
	)
	return styles.CenterBoth(content, m.width, m.height)
}

func (m *Model) renderTitle() string {
	title := styles.TitleStyle.Render("Antigravity Dispatch")
	subtitle := styles.HelpStyle.Render("Multi-account request routing")

	return lipgloss.JoinVertical(lipgloss.Left, title, subtitle, "")
}

func (m *Model) cardWidth() int {
	return max(m.width-6, 40)
}

func (m *Model) renderSummary() string {
	var rows []string

	titleIcon := lipgloss.NewStyle().Foreground(styles.Primary).Render("◈")
	rows = append(rows, fmt.Sprintf("%s %s", titleIcon, styles.CardTitleStyle.Render("Pool")))

	stats := m.state.GetStats()
	if stats == nil {
		rows = append(rows, styles.HelpStyle.Render("  Waiting for stats..."))
		return styles.CardStyle.Width(m.cardWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	cooling := styles.ReadyStyle.Render("0")
	if stats.Cooling > 0 {
		cooling = styles.CooldownLongStyle.Render(fmt.Sprintf("%d", stats.Cooling))
	}
	rows = append(rows,
		fmt.Sprintf("  Accounts: %s   Cooling: %s",
			styles.InfoTextStyle.Render(fmt.Sprintf("%d", stats.AccountCount)), cooling),
		"",
		"  "+m.renderActive(models.FamilyClaude),
		"  "+m.renderActive(models.FamilyGemini),
		"",
		"  "+renderCacheStats(stats.Cache),
	)
	if len(m.hourly) > 1 {
		calls, _ := hourlySeries(m.hourly)
		rows = append(rows, "  Requests (24h): "+components.RenderSparkline(calls, len(calls)))
	}
	if stats.Cache.LastFlushErr != "" {
		rows = append(rows, "  "+styles.ErrorTextStyle.Render("Cache flush failed: "+stats.Cache.LastFlushErr))
	}

	return styles.CardStyle.Width(m.cardWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m *Model) renderActive(family models.ModelFamily) string {
	label := lipgloss.NewStyle().
		Foreground(styles.GetFamilyColor(string(family))).
		Bold(true).
		Width(8).
		Render(string(family))

	acc := m.state.ActiveFor(family)
	if acc == nil {
		return label + styles.HelpStyle.Render("no active account")
	}
	return label + acc.Email
}

func renderCacheStats(c models.CacheStats) string {
	lookups := c.MemoryHits + c.DiskHits + c.Misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(c.MemoryHits+c.DiskHits) / float64(lookups) * 100
	}
	return fmt.Sprintf("Signatures: %s keys, %d mem / %d disk hits, %d misses, %d writes (%.0f%% hit rate)",
		styles.InfoTextStyle.Render(fmt.Sprintf("%d", c.MemoryKeys)),
		c.MemoryHits, c.DiskHits, c.Misses, c.Writes, hitRate)
}

func (m *Model) renderAccountList() string {
	accounts := m.state.GetAccounts()
	cardWidth := m.cardWidth()

	var rows []string

	titleIcon := lipgloss.NewStyle().Foreground(styles.Primary).Render("◈")
	rows = append(rows, fmt.Sprintf("%s %s", titleIcon, styles.CardTitleStyle.Render("Accounts")))

	if len(accounts) == 0 {
		rows = append(rows, "")
		emptyIcon := lipgloss.NewStyle().Foreground(styles.Subtle).Render("○")
		rows = append(rows, fmt.Sprintf("  %s %s", emptyIcon, styles.HelpStyle.Render("No accounts configured")))
		rows = append(rows, "")
		rows = append(rows, styles.InfoTextStyle.Render("  ╰─▶ Add accounts by editing the accounts file"))

		return styles.CardStyle.Width(cardWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, rows...),
		)
	}

	dividerWidth := max(cardWidth-8, 20)
	divider := lipgloss.NewStyle().Foreground(styles.Subtle).Render(
		"  ├" + strings.Repeat("─", dividerWidth) + "┤",
	)

	selected := m.state.GetSelectedAccountIndex()
	now := time.Now()

	rows = append(rows, "")
	for i, acc := range accounts {
		rows = append(rows, m.renderAccountRow(acc, i == selected, cardWidth-4, now))
		if i < len(accounts)-1 {
			rows = append(rows, divider)
		}
	}

	return styles.CardStyle.Width(cardWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, rows...),
	)
}

func (m *Model) renderAccountRow(acc models.AccountStatus, selected bool, width int, now time.Time) string {
	lines := []string{
		renderAccountHeader(acc, selected),
		indentSpace + renderAccountDetails(acc, now),
	}

	keys := make([]string, 0, len(acc.Cooldowns))
	for k, until := range acc.Cooldowns {
		if until.After(now) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	if len(keys) == 0 {
		lines = append(lines, indentSpace+styles.ReadyStyle.Render("● ready"))
	}
	for _, k := range keys {
		remaining := acc.Cooldowns[k].Sub(now)
		lines = append(lines, indentSpace+m.cooldownBar.View(k, remaining, max(width-len(indentSpace), 30)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderAccountHeader(acc models.AccountStatus, selected bool) string {
	activeIndicator := lipgloss.NewStyle().Foreground(styles.Subtle).Render("○ ")
	if len(acc.ActiveFor) > 0 {
		activeIndicator = styles.SuccessTextStyle.Render("● ")
	}

	selectionPrefix := "  "
	if selected {
		selectionPrefix = styles.FocusedStyle.Render("▸ ")
	}

	email := acc.Email
	if email == "" {
		email = fmt.Sprintf("account #%d", acc.Index)
	}
	if len(email) > 35 {
		email = email[:32] + "..."
	}

	header := fmt.Sprintf("%s%s%s %s",
		selectionPrefix,
		activeIndicator,
		lipgloss.NewStyle().Bold(true).Render(email),
		styles.HelpStyle.Render(fmt.Sprintf("#%d", acc.Index)),
	)
	for _, f := range acc.ActiveFor {
		header += " " + styles.FamilyBadgeStyle.Render(string(f))
	}
	return header
}

func renderAccountDetails(acc models.AccountStatus, now time.Time) string {
	parts := []string{"last used " + formatAgo(acc.LastUsed, now)}
	if acc.ProjectID != "" {
		parts = append([]string{"project " + acc.ProjectID}, parts...)
	}

	details := styles.HelpStyle.Render(strings.Join(parts, " · "))
	if acc.Failures > 0 {
		details += " " + styles.WarningTextStyle.Render(fmt.Sprintf("· %d failures", acc.Failures))
	}
	if acc.TokenExpired {
		details += " " + styles.TokenExpiredStyle.Render("· token expired")
	}
	return details
}

func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return components.FormatRemaining(d) + " ago"
}

func (m *Model) renderTraffic() string {
	cardWidth := m.cardWidth()

	var rows []string
	titleIcon := lipgloss.NewStyle().Foreground(styles.Primary).Render("📈")
	rows = append(rows, fmt.Sprintf("%s %s", titleIcon, styles.CardTitleStyle.Render("Traffic")))

	switch {
	case m.trafficErr != nil:
		rows = append(rows, styles.ErrorTextStyle.Render("  "+m.trafficErr.Error()))
	case len(m.hourly) == 0:
		rows = append(rows, styles.HelpStyle.Render("  No requests in the last 24 hours"))
	default:
		calls, limited := hourlySeries(m.hourly)
		chart := components.RenderDualLineChart(calls, limited, max(cardWidth-14, 30), 6,
			fmt.Sprintf("Requests per hour, last %d hours", len(calls)))
		for line := range strings.SplitSeq(chart, "\n") {
			rows = append(rows, "  "+line)
		}
		rows = append(rows, "", "  "+components.RenderLegend([]components.LegendItem{
			{Label: "Requests", Color: components.ChartCallsColor},
			{Label: "Rate limited", Color: components.ChartRateLimitColor},
		}))
	}

	rows = append(rows, "", styles.SubTitleStyle.Render("  Recent attempts"))
	rows = append(rows, m.renderRecentCalls()...)

	return styles.CardStyle.Width(cardWidth).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// hourlySeries converts newest-first hourly rows into oldest-first series.
func hourlySeries(hourly []models.HourlyStats) (calls, limited []float64) {
	calls = make([]float64, len(hourly))
	limited = make([]float64, len(hourly))
	for i, h := range hourly {
		j := len(hourly) - 1 - i
		calls[j] = float64(h.TotalCalls)
		limited[j] = float64(h.RateLimited)
	}
	return calls, limited
}

func (m *Model) renderRecentCalls() []string {
	calls := m.state.RecentCalls(recentCallLimit)
	if len(calls) == 0 {
		return []string{styles.HelpStyle.Render("  No attempts yet")}
	}

	header := styles.TableHeaderStyle.Render(fmt.Sprintf("%-8s %-4s %-28s %-26s %7s  %s",
		"time", "code", "model", "account", "ms", "outcome"))
	rows := []string{"  " + header}
	for _, c := range calls {
		code := styles.GetStatusStyle(c.StatusCode).Render(fmt.Sprintf("%-4d", c.StatusCode))
		rows = append(rows, fmt.Sprintf("  %-8s %s %-28s %-26s %7d  %s",
			c.Timestamp.Local().Format("15:04:05"),
			code,
			clip(c.Model, 28),
			clip(c.Email, 26),
			c.DurationMs,
			c.Outcome,
		))
	}
	return rows
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
