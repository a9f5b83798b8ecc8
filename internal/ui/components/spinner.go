package components

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

// LoadingSpinner is a dot spinner followed by a caption.
type LoadingSpinner struct {
	model spinner.Model
	label string
}

// NewSpinner returns a spinner captioned with label.
func NewSpinner(label string) LoadingSpinner {
	return LoadingSpinner{
		model: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.FocusedStyle)),
		label: label,
	}
}

// Init starts the animation.
func (l LoadingSpinner) Init() tea.Cmd {
	return l.model.Tick
}

// Update advances the animation on its own tick messages.
func (l LoadingSpinner) Update(msg tea.Msg) (LoadingSpinner, tea.Cmd) {
	var cmd tea.Cmd
	l.model, cmd = l.model.Update(msg)
	return l, cmd
}

// View renders the current frame and the caption.
func (l LoadingSpinner) View() string {
	return l.model.View() + " " + styles.HelpStyle.Render(l.label)
}

// RenderSpinnerCentered centers the spinner in a width by height box.
func RenderSpinnerCentered(s LoadingSpinner, width, height int) string {
	return styles.CenterBoth(s.View(), width, height)
}
