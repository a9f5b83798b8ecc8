package history

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/antigravity-dispatch/internal/ui/components"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

// maxDayBars caps the rate limit bar chart so long ranges stay readable.
const maxDayBars = 14

// View renders the history tab.
func (m *Model) View() string {
	if m.loading {
		return m.renderLoading()
	}
	if m.errorMsg != "" {
		return m.renderError()
	}
	if m.historyData == nil || !m.historyData.HasData() {
		return m.renderEmpty()
	}

	sections := []string{
		m.renderHeader(),
		m.renderSummary(),
		m.renderRateLimits(),
		m.renderHourlyPattern(),
	}

	content := lipgloss.JoinVertical(lipgloss.Left, sections...)
	m.viewport.SetContent(content)

	return styles.DocStyle.
		Width(m.width).
		Height(m.height).
		Render(m.viewport.View())
}

func (m *Model) renderLoading() string {
	return components.RenderSpinnerCentered(m.spinner, m.width, m.height)
}

func (m *Model) renderError() string {
	content := fmt.Sprintf("%s %s",
		styles.ErrorTextStyle.Render("Error:"),
		m.errorMsg,
	)
	return styles.DocStyle.
		Width(m.width).
		Height(m.height).
		Render(content)
}

func (m *Model) renderEmpty() string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		styles.TitleStyle.Render("History: "+m.scopeLabel()),
		"",
		styles.HelpStyle.Render(fmt.Sprintf("No requests logged in the last %s.", strings.ToLower(m.timeRange.String()))),
		styles.HelpStyle.Render("Data will appear as requests are dispatched."),
	)
	return styles.DocStyle.
		Width(m.width).
		Height(m.height).
		Render(content)
}

func (m *Model) scopeLabel() string {
	email := m.scopeEmail()
	if email == "" {
		return "all accounts"
	}
	if len(email) > 40 {
		email = email[:37] + "..."
	}
	return email
}

func (m *Model) renderHeader() string {
	title := styles.TitleStyle.Render("History: " + m.scopeLabel())

	rangeStyle := lipgloss.NewStyle().
		Foreground(styles.Primary).
		Bold(true).
		Padding(0, 1).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.Primary)

	rangeIndicator := rangeStyle.Render(fmt.Sprintf("[t] %s", m.timeRange.String()))

	header := lipgloss.JoinHorizontal(lipgloss.Center, title, "  ", rangeIndicator)

	var subtitle string
	if !m.historyData.FirstCall.IsZero() {
		subtitle = styles.HelpStyle.Render(fmt.Sprintf("Data: %s → %s",
			m.historyData.FirstCall.Local().Format("Jan 2 15:04"),
			m.historyData.LastCall.Local().Format("Jan 2 15:04"),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, subtitle, "")
}

func (m *Model) renderSummary() string {
	cardWidth := max(m.width-6, 40)
	h := m.historyData

	var rows []string
	titleIcon := lipgloss.NewStyle().Foreground(styles.Primary).Render("◈")
	rows = append(rows, fmt.Sprintf("%s %s", titleIcon, styles.CardTitleStyle.Render("Summary")))

	rows = append(rows, fmt.Sprintf("  Requests: %s",
		styles.InfoTextStyle.Render(fmt.Sprintf("%d", h.TotalCalls))))

	if rl := h.RateLimits; rl != nil {
		ratio := h.RateLimitRatio() * 100
		ratioStyle := styles.SuccessTextStyle
		switch {
		case ratio >= 20:
			ratioStyle = styles.ErrorTextStyle
		case ratio >= 5:
			ratioStyle = styles.WarningTextStyle
		}
		rows = append(rows,
			fmt.Sprintf("  Accepted: %s", components.RenderGradientBar((1-h.RateLimitRatio())*100, 30)),
			fmt.Sprintf("  Rate limited: %d in range (%s), %d in last 7 days, %d total",
				rl.HitsInRange, ratioStyle.Render(fmt.Sprintf("%.1f%%", ratio)), rl.HitsLast7Days, rl.TotalHits),
			fmt.Sprintf("  By family: %s %d   %s %d   capacity %d",
				lipgloss.NewStyle().Foreground(styles.Claude).Render("claude"), rl.ClaudeHits,
				lipgloss.NewStyle().Foreground(styles.Gemini).Render("gemini"), rl.GeminiHits,
				rl.CapacityHits),
		)
		if !rl.LastHitTime.IsZero() {
			rows = append(rows, styles.HelpStyle.Render(
				"  Last 429: "+rl.LastHitTime.Local().Format("Jan 2 15:04:05")))
		}
	}

	return styles.CardStyle.Width(cardWidth).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m *Model) renderRateLimits() string {
	cardWidth := max(m.width-6, 40)

	var rows []string
	titleIcon := lipgloss.NewStyle().Foreground(styles.Primary).Render("📅")
	rows = append(rows, fmt.Sprintf("%s %s", titleIcon, styles.CardTitleStyle.Render("Rate Limits by Day")))

	var days []float64
	var labels []string
	if rl := m.historyData.RateLimits; rl != nil {
		hits := rl.HitsByDay
		if len(hits) > maxDayBars {
			hits = hits[len(hits)-maxDayBars:]
		}
		for _, d := range hits {
			days = append(days, float64(d.Count))
			labels = append(labels, d.Date.Format("Jan 02"))
		}
	}

	if len(days) == 0 {
		rows = append(rows, styles.HelpStyle.Render("  No rate limits in this range"))
	} else {
		chart := components.RenderBarChart(days, labels, max(cardWidth-12, 30))
		for line := range strings.SplitSeq(chart, "\n") {
			rows = append(rows, "  "+line)
		}
	}

	return styles.CardStyle.Width(cardWidth).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m *Model) renderHourlyPattern() string {
	cardWidth := max(m.width-6, 40)

	var rows []string
	titleIcon := lipgloss.NewStyle().Foreground(styles.Primary).Render("🕐")
	rows = append(rows, fmt.Sprintf("%s %s", titleIcon, styles.CardTitleStyle.Render("Hourly Pattern")))

	patterns := m.historyData.HourlyPatterns
	if len(patterns) == 0 {
		rows = append(rows, styles.HelpStyle.Render("  No hourly data available"))
		return styles.CardStyle.Width(cardWidth).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	calls := make([]float64, 24)
	for _, p := range patterns {
		if p.Hour >= 0 && p.Hour < 24 {
			calls[p.Hour] = float64(p.Calls)
		}
	}

	rows = append(rows, "  "+components.RenderHourlyHeatmap(calls), "")

	chart := components.RenderLineChart(calls, max(cardWidth-12, 30), 6, "Requests by hour of day (UTC)")
	for line := range strings.SplitSeq(chart, "\n") {
		rows = append(rows, "  "+line)
	}

	peakHour, peakCalls := m.historyData.PeakHour()
	rows = append(rows, fmt.Sprintf("  Peak: %s (%d requests)",
		lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).
			Render(fmt.Sprintf("%02d:00-%02d:00", peakHour, (peakHour+1)%24)),
		peakCalls,
	))

	return styles.CardStyle.Width(cardWidth).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
