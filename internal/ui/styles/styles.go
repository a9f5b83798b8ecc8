// Package styles is the lipgloss palette and the shared styles of the TUI.
package styles

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Palette, as 256-color codes.
var (
	Primary   = lipgloss.Color("205")
	Secondary = lipgloss.Color("63")
	Subtle    = lipgloss.Color("240")

	// Model families.
	Claude = lipgloss.Color("208")
	Gemini = lipgloss.Color("39")

	Success = lipgloss.Color("42")
	Error   = lipgloss.Color("196")
	Warning = lipgloss.Color("220")
	Info    = lipgloss.Color("39")

	BgDark  = lipgloss.Color("235")
	BgLight = lipgloss.Color("237")

	TextPrimary   = lipgloss.Color("252")
	TextSecondary = lipgloss.Color("245")
	TextMuted     = lipgloss.Color("240")
)

// Layout.
var (
	DocStyle = lipgloss.NewStyle().Margin(1, 2).Padding(0, 1)

	TitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	SubTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(Secondary).MarginBottom(1)

	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Subtle).
			Padding(1, 2).
			MarginBottom(1)
	CardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)

	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(Subtle)

	HelpStyle      = lipgloss.NewStyle().Foreground(TextMuted)
	HelpPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(Primary).
			Padding(1, 3).
			Background(BgDark)

	ToastStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(0, 1).
			MarginBottom(1)

	FocusedStyle = lipgloss.NewStyle().Foreground(Primary).Bold(true)
)

// Text by severity.
var (
	ErrorTextStyle   = lipgloss.NewStyle().Foreground(Error)
	SuccessTextStyle = lipgloss.NewStyle().Foreground(Success)
	WarningTextStyle = lipgloss.NewStyle().Foreground(Warning)
	InfoTextStyle    = lipgloss.NewStyle().Foreground(Info)
)

// Account state.
var (
	ReadyStyle         = lipgloss.NewStyle().Foreground(Success)
	CooldownShortStyle = lipgloss.NewStyle().Foreground(Warning)
	CooldownLongStyle  = lipgloss.NewStyle().Foreground(Error).Bold(true)
	TokenExpiredStyle  = lipgloss.NewStyle().Foreground(Warning).Italic(true)

	// FamilyBadgeStyle marks the families an account is currently serving.
	FamilyBadgeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("229")).
				Background(Secondary).
				Padding(0, 1)
)

// GetCooldownStyle colors a remaining cooldown: ready, under a minute, or
// longer.
func GetCooldownStyle(remaining time.Duration) lipgloss.Style {
	switch {
	case remaining <= 0:
		return ReadyStyle
	case remaining <= time.Minute:
		return CooldownShortStyle
	default:
		return CooldownLongStyle
	}
}

// GetStatusStyle colors an upstream HTTP status. Zero means the request
// never got a response.
func GetStatusStyle(code int) lipgloss.Style {
	switch {
	case code == 0:
		return HelpStyle
	case code == 429:
		return WarningTextStyle
	case code < 300 && code >= 200:
		return SuccessTextStyle
	default:
		return ErrorTextStyle
	}
}

// GetFamilyColor returns the color of a model family.
func GetFamilyColor(family string) lipgloss.Color {
	if family == "claude" {
		return Claude
	}
	return Gemini
}

// CenterBoth places content in the middle of a width by height box.
func CenterBoth(content string, width, height int) string {
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}
