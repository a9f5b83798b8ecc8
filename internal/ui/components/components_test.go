package components

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

func TestSpinner(t *testing.T) {
	s := NewSpinner("Loading history...")
	if s.Init() == nil {
		t.Error("Init should start the animation")
	}
	if !strings.Contains(s.View(), "Loading history...") {
		t.Errorf("View = %q, want caption", s.View())
	}

	_, cmd := s.Update(s.model.Tick())
	if cmd == nil {
		t.Error("own tick should schedule the next frame")
	}
	if _, cmd := s.Update(spinner.TickMsg{ID: s.model.ID() + 1}); cmd != nil {
		t.Error("foreign tick should be ignored")
	}

	if view := RenderSpinnerCentered(s, 40, 5); !strings.Contains(view, "Loading history...") {
		t.Error("centered spinner lost its caption")
	}
}

func TestRenderLineChart(t *testing.T) {
	s := RenderLineChart([]float64{1, 2, 3, 4}, 20, 5, "requests")
	if !strings.Contains(s, "requests") {
		t.Errorf("caption missing:\n%s", s)
	}
}

func TestRenderDualLineChart(t *testing.T) {
	s := RenderDualLineChart([]float64{1, 2, 3}, []float64{1}, 20, 5, "traffic")
	if !strings.Contains(s, "traffic") {
		t.Errorf("caption missing:\n%s", s)
	}
}

func TestRenderBarChart(t *testing.T) {
	s := RenderBarChart([]float64{10, 20}, []string{"Jan 01", "Jan 02"}, 30)
	lines := strings.Split(s, "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if strings.Count(lines[1], "█") <= strings.Count(lines[0], "█") {
		t.Error("larger value should draw a longer bar")
	}
	if !strings.HasPrefix(lines[0], "Jan 01 │") {
		t.Errorf("label missing: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], " 20") {
		t.Errorf("value missing: %q", lines[1])
	}
}

func TestRenderCharts_Empty(t *testing.T) {
	if !strings.Contains(RenderLineChart(nil, 20, 5, ""), "No data") {
		t.Error("empty line chart should say so")
	}
	if !strings.Contains(RenderDualLineChart(nil, nil, 20, 5, ""), "No data") {
		t.Error("empty dual chart should say so")
	}
	if RenderBarChart(nil, nil, 20) != "" {
		t.Error("empty bar chart should render nothing")
	}
	if RenderSparkline(nil, 10) != "" {
		t.Error("empty sparkline should render nothing")
	}
}

func TestRenderHourlyHeatmap(t *testing.T) {
	hours := make([]float64, 24)
	hours[9] = 30

	s := RenderHourlyHeatmap(hours)
	if !strings.HasPrefix(s, "00 ") || !strings.HasSuffix(s, " 23") {
		t.Errorf("axis labels missing: %q", s)
	}
	if strings.Count(s, "█") != 1 || strings.Count(s, "░") != 23 {
		t.Errorf("expected one hot cell: %q", s)
	}

	// Short input is padded to a full day.
	if got := RenderHourlyHeatmap([]float64{1}); strings.Count(got, "░")+strings.Count(got, "█") != 24 {
		t.Errorf("padded heatmap = %q", got)
	}
}

func TestRenderSparkline(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		width  int
		want   string
	}{
		{"one cell per value", []float64{0, 7}, 10, "▁█"},
		{"buckets averaged", []float64{0, 0, 7, 7}, 2, "▁█"},
		{"flat zero", []float64{0, 0, 0}, 3, "▁▁▁"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderSparkline(tt.values, tt.width)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if utf8.RuneCountInString(got) > tt.width {
				t.Errorf("sparkline wider than %d", tt.width)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	if level(0, 10, 4) != 0 || level(10, 10, 4) != 3 || level(20, 10, 4) != 3 || level(-1, 10, 4) != 0 {
		t.Error("level should clamp to [0, n-1]")
	}
	if peakOf([]float64{0, -2}) != 1 {
		t.Error("peakOf should default to 1")
	}
}

func TestRenderLegend(t *testing.T) {
	s := RenderLegend([]LegendItem{
		{Label: "requests", Color: lipgloss.Color("#ffffff")},
		{Label: "429s", Color: lipgloss.Color("#ff0000")},
	})
	if !strings.Contains(s, "■ requests") || !strings.Contains(s, "■ 429s") {
		t.Errorf("legend = %q", s)
	}
}
