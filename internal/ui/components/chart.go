// Package components holds the charts, bars, and spinners shared by the tabs.
package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/j-veylop/antigravity-dispatch/internal/ui/styles"
)

// Series colors of the traffic chart. They match the asciigraph colors used
// by RenderDualLineChart.
var (
	ChartCallsColor     = lipgloss.Color("#4285f4")
	ChartRateLimitColor = lipgloss.Color("#ff5f87")
)

var (
	sparkRunes   = []rune("▁▂▃▄▅▆▇█")
	heatmapRunes = []rune("░▒▓█")
	heatColors   = []lipgloss.Color{styles.Subtle, styles.Success, styles.Warning, styles.Error}
)

const (
	minChartWidth  = 20
	minChartHeight = 3
)

// LegendItem is one colored swatch of a chart legend.
type LegendItem struct {
	Label string
	Color lipgloss.Color
}

// RenderLegend joins the swatches on one line.
func RenderLegend(items []LegendItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = lipgloss.NewStyle().Foreground(item.Color).Render("■") + " " + item.Label
	}
	return strings.Join(parts, "  ")
}

func plotOptions(width, height int, caption string) []asciigraph.Option {
	return []asciigraph.Option{
		asciigraph.Width(max(width, minChartWidth)),
		asciigraph.Height(max(height, minChartHeight)),
		asciigraph.LowerBound(0),
		asciigraph.Precision(0),
		asciigraph.Caption(caption),
	}
}

// RenderLineChart plots one series of counts.
func RenderLineChart(data []float64, width, height int, caption string) string {
	if len(data) == 0 {
		return styles.HelpStyle.Render("No data available")
	}
	return asciigraph.Plot(data, plotOptions(width, height, caption)...)
}

// RenderDualLineChart plots calls (blue) against rate limits (red). The
// shorter series is padded with zeros.
func RenderDualLineChart(calls, limited []float64, width, height int, caption string) string {
	n := max(len(calls), len(limited))
	if n == 0 {
		return styles.HelpStyle.Render("No data available")
	}

	series := [][]float64{make([]float64, n), make([]float64, n)}
	copy(series[0], calls)
	copy(series[1], limited)

	opts := append(plotOptions(width, height, caption),
		asciigraph.SeriesColors(asciigraph.Blue, asciigraph.Red))
	return asciigraph.PlotMany(series, opts...)
}

// RenderBarChart draws one horizontal bar per value with its label right
// aligned and the count after the bar.
func RenderBarChart(values []float64, labels []string, width int) string {
	if len(values) == 0 {
		return ""
	}

	peak := peakOf(values)
	labelWidth := 0
	for _, l := range labels {
		labelWidth = max(labelWidth, lipgloss.Width(l))
	}
	barWidth := max(width-labelWidth-10, 10)

	lines := make([]string, len(values))
	for i, v := range values {
		label := ""
		if i < len(labels) {
			label = labels[i]
		}
		bar := strings.Repeat("█", max(int(v/peak*float64(barWidth)), 0))
		color := heatColors[level(v, peak, len(heatColors))]
		lines[i] = fmt.Sprintf("%*s │%s %.0f", labelWidth, label,
			lipgloss.NewStyle().Foreground(color).Render(bar), v)
	}
	return strings.Join(lines, "\n")
}

// RenderHourlyHeatmap draws one cell per UTC hour, split at noon. Missing
// hours are zero.
func RenderHourlyHeatmap(hours []float64) string {
	var cells [24]float64
	copy(cells[:], hours)
	peak := peakOf(cells[:])

	var b strings.Builder
	b.WriteString("00 ")
	for h, v := range cells {
		l := level(v, peak, len(heatmapRunes))
		b.WriteString(lipgloss.NewStyle().Foreground(heatColors[l]).Render(string(heatmapRunes[l])))
		if h == 11 {
			b.WriteByte(' ')
		}
	}
	b.WriteString(" 23")
	return b.String()
}

// RenderSparkline squeezes values into at most width cells. Each cell shows
// the mean of the values it covers.
func RenderSparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}

	cells := min(width, len(values))
	buckets := make([]float64, cells)
	for i := range cells {
		lo, hi := i*len(values)/cells, (i+1)*len(values)/cells
		sum := 0.0
		for _, v := range values[lo:hi] {
			sum += v
		}
		buckets[i] = sum / float64(hi-lo)
	}

	peak := peakOf(buckets)
	out := make([]rune, cells)
	for i, v := range buckets {
		out[i] = sparkRunes[level(v, peak, len(sparkRunes))]
	}
	return string(out)
}

// peakOf returns the largest value, or 1 when nothing is positive.
func peakOf(values []float64) float64 {
	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}
	if peak == 0 {
		return 1
	}
	return peak
}

// level maps v in [0, peak] to one of n steps.
func level(v, peak float64, n int) int {
	return min(max(int(v/peak*float64(n-1)), 0), n-1)
}
