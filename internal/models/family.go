package models

import (
	"strconv"
	"strings"
)

// ModelFamily groups models that share one quota bucket per account.
type ModelFamily string

const (
	FamilyClaude ModelFamily = "claude"
	FamilyGemini ModelFamily = "gemini"
)

// HeaderStyle is an upstream routing variant with its own quota.
type HeaderStyle string

const (
	HeaderStyleAntigravity HeaderStyle = "antigravity"
	HeaderStyleGeminiCLI   HeaderStyle = "gemini-cli"
)

// FamilyForModel maps a model id to its quota family.
func FamilyForModel(model string) ModelFamily {
	if strings.Contains(strings.ToLower(model), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

// Styles returns the header styles able to serve the family, filtered and
// ordered by priority. An empty priority keeps the built-in order.
func (f ModelFamily) Styles(priority []HeaderStyle) []HeaderStyle {
	supported := []HeaderStyle{HeaderStyleAntigravity}
	if f == FamilyGemini {
		supported = append(supported, HeaderStyleGeminiCLI)
	}
	if len(priority) == 0 {
		return supported
	}

	ordered := make([]HeaderStyle, 0, len(supported))
	for _, p := range priority {
		for _, s := range supported {
			if p == s && !containsStyle(ordered, s) {
				ordered = append(ordered, s)
			}
		}
	}
	if len(ordered) == 0 {
		return supported
	}
	return ordered
}

func containsStyle(list []HeaderStyle, s HeaderStyle) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// QuotaKey returns the RateLimitResetTimes key for a family, or for a
// family and header style when style is non-empty.
func QuotaKey(family ModelFamily, style HeaderStyle) string {
	if style == "" {
		return string(family)
	}
	return string(family) + ":" + string(style)
}

// RequiresSignedThinking reports whether the model rejects tool turns that
// are not preceded by a signed thinking block.
func RequiresSignedThinking(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "claude") && strings.Contains(m, "thinking")
}

func itoa(n int) string { return strconv.Itoa(n) }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }
