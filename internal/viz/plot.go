package viz

import (
	"fmt"
	"strings"

	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/beamline/internal/lattice"
)

var seriesColors = []asciigraph.AnsiColor{
	asciigraph.Cyan, asciigraph.Magenta, asciigraph.Yellow, asciigraph.Green,
}

// PlotColumn plots one column of t against the row index.
func PlotColumn(t *lattice.Table, column string, width, height int) (string, error) {
	return PlotColumns(t, []string{column}, width, height)
}

// PlotColumns overlays several columns in one plot.
func PlotColumns(t *lattice.Table, columns []string, width, height int) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("viz: no columns to plot")
	}
	series := make([][]float64, 0, len(columns))
	for _, c := range columns {
		data, err := t.Column(c)
		if err != nil {
			return "", err
		}
		if len(data) == 0 {
			return "", fmt.Errorf("viz: column %s is empty", c)
		}
		series = append(series, data)
	}

	opts := []asciigraph.Option{
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(fmt.Sprintf("%s: %s", t.Name(), strings.Join(columns, ", "))),
	}
	if len(series) > 1 {
		opts = append(opts, asciigraph.SeriesColors(seriesColors[:min(len(series), len(seriesColors))]...))
	}
	return asciigraph.PlotMany(series, opts...), nil
}
