package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

const (
	cooldownFrom = "#ffd93d"
	cooldownTo   = "#6c5ce7"
	labelWidth   = 22
	timeWidth    = 9
)

// CooldownBar renders how much of a rate-limit cooldown has elapsed. The bar
// fills up as the reset time approaches.
type CooldownBar struct {
	progress progress.Model
}

// NewCooldownBar creates a cooldown bar with the yellow to purple gradient.
func NewCooldownBar() CooldownBar {
	p := progress.New(
		progress.WithScaledGradient(cooldownFrom, cooldownTo),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)
	return CooldownBar{progress: p}
}

// CooldownPeriod picks the reference window a remaining cooldown is drawn
// against. Cooldowns are learned from 429s, so the original length is not
// known.
func CooldownPeriod(remaining time.Duration) time.Duration {
	switch {
	case remaining <= time.Minute:
		return time.Minute
	case remaining <= time.Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// CooldownPercent returns the elapsed fraction of the reference window.
func CooldownPercent(remaining time.Duration) float64 {
	if remaining <= 0 {
		return 1
	}
	period := CooldownPeriod(remaining)
	p := 1 - float64(remaining)/float64(period)
	return min(max(p, 0), 1)
}

// View renders one cooldown row: key, bar and remaining time.
func (c CooldownBar) View(label string, remaining time.Duration, width int) string {
	barWidth := max(width-labelWidth-timeWidth-4, 10)
	c.progress.Width = barWidth

	labelStr := lipgloss.NewStyle().
		Foreground(styles.TextSecondary).
		Width(labelWidth).
		Render(truncate(label, labelWidth-1))

	bar := c.progress.ViewAs(CooldownPercent(remaining))

	timeStr := styles.GetCooldownStyle(remaining).
		Width(timeWidth).
		Align(lipgloss.Right).
		Render(FormatRemaining(remaining))

	return lipgloss.JoinHorizontal(lipgloss.Center, labelStr, bar, " ", timeStr)
}

// FormatRemaining formats a countdown for display.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "ready"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h >= 24:
		return fmt.Sprintf("%dd %02dh", h/24, h%24)
	case h > 0:
		return fmt.Sprintf("%dh %02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// RenderGradientBar renders a red to green bar for a 0-100 percentage.
func RenderGradientBar(percent float64, width int) string {
	return renderGradient(percent/100, width, "#ff6b6b", "#51cf66")
}

func renderGradient(fraction float64, width int, from, to string) string {
	if width < 1 {
		return ""
	}

	filled := min(max(int(float64(width)*fraction), 0), width)

	var b strings.Builder
	for i := range width {
		if i < filled {
			t := float64(i) / float64(max(1, width-1))
			color := interpolateColor(from, to, t)
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("█"))
		} else {
			b.WriteString(lipgloss.NewStyle().Foreground(styles.Subtle).Render("░"))
		}
	}
	return b.String()
}

func interpolateColor(fromHex, toHex string, t float64) string {
	from := hexToRGB(fromHex)
	to := hexToRGB(toHex)

	r := int(float64(from[0]) + t*(float64(to[0])-float64(from[0])))
	g := int(float64(from[1]) + t*(float64(to[1])-float64(from[1])))
	b := int(float64(from[2]) + t*(float64(to[2])-float64(from[2])))

	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hexToRGB(hex string) [3]int {
	hex = strings.TrimPrefix(hex, "#")
	var r, g, b int
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		logger.Error("failed to parse hex color", "hex", hex, "error", err)
		return [3]int{0, 0, 0}
	}
	return [3]int{r, g, b}
}

// LoadingBar renders a shimmering placeholder bar while the pool loads.
func LoadingBar(label string, width int, frame int) string {
	barWidth := max(width-labelWidth-timeWidth-4, 10)

	accentColor := styles.Gemini
	cycle := 100
	if strings.Contains(strings.ToLower(label), "claude") {
		accentColor = styles.Claude
		cycle = 80
	}

	t := float64(frame%cycle) / float64(cycle)
	var p float64
	if t < 0.5 {
		p = t * 2
	} else {
		p = (1 - t) * 2
	}
	eased := p * p * (3 - 2*p)
	shimmerPos := int(eased * float64(barWidth))

	var b strings.Builder
	for i := range barWidth {
		dist := shimmerPos - i
		if dist < 0 {
			dist = -dist
		}

		switch {
		case dist < 3:
			b.WriteString(lipgloss.NewStyle().Foreground(accentColor).Render("▓"))
		case dist < 5:
			b.WriteString(lipgloss.NewStyle().Foreground(styles.TextSecondary).Render("▒"))
		default:
			b.WriteString(lipgloss.NewStyle().Foreground(styles.BgLight).Render("░"))
		}
	}

	dots := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	dot := dots[(frame/2)%len(dots)]

	labelStr := lipgloss.NewStyle().Foreground(styles.TextSecondary).Width(labelWidth).Render(label)
	loadingStr := lipgloss.NewStyle().
		Width(timeWidth).
		Align(lipgloss.Right).
		Foreground(accentColor).
		Render(dot)

	return lipgloss.JoinHorizontal(lipgloss.Left, labelStr, b.String(), " ", loadingStr)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
