package viz

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/san-kum/beamline/internal/lattice"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444466"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// Table renders the selected columns of t; no columns means all of them.
// "name" selects the row names when the table has them. maxRows > 0 cuts
// the output after that many rows.
func Table(t *lattice.Table, columns []string, maxRows int) (string, error) {
	names := t.Names()
	if len(columns) == 0 {
		if names != nil {
			columns = append(columns, "name")
		}
		columns = append(columns, t.Columns()...)
	}

	var headers []string
	var data [][]float64
	showNames := false
	for _, c := range columns {
		c = strings.ToLower(c)
		if c == "name" {
			if names != nil {
				showNames = true
			}
			continue
		}
		col, err := t.Column(c)
		if err != nil {
			return "", err
		}
		headers = append(headers, c)
		data = append(data, col)
	}
	if showNames {
		headers = append([]string{"name"}, headers...)
	}

	rows := t.Rows()
	shown := rows
	if maxRows > 0 && maxRows < rows {
		shown = maxRows
	}

	tbl := newTable().Headers(headers...)
	for r := 0; r < shown; r++ {
		row := make([]string, 0, len(headers))
		if showNames {
			row = append(row, names[r])
		}
		for _, col := range data {
			row = append(row, formatFloat(col[r]))
		}
		tbl.Row(row...)
	}

	out := tbl.String()
	if shown < rows {
		out += "\n" + Subtle.Render(fmt.Sprintf("… %d more rows", rows-shown))
	}
	return out, nil
}

// Summary renders the scalar summary of t as key/value rows.
func Summary(t *lattice.Table) string {
	tbl := newTable().Headers("key", "value")
	summary := t.Summary()
	for _, k := range t.SummaryKeys() {
		tbl.Row(k, formatFloat(summary[k]))
	}
	return tbl.String()
}

// ValueText renders a value as its number, or as "formula = number" for a
// deferred value.
func ValueText(v lattice.Value) string {
	f, err := v.Float()
	if !v.IsDeferred() {
		return formatFloat(f)
	}
	if err != nil {
		return v.Expr() + " = ?"
	}
	return v.Expr() + " = " + formatFloat(f)
}

// Elements renders one row per element: id, type, position, length and the
// remaining attributes.
func Elements(list lattice.ElementList) string {
	tbl := newTable().Headers("id", "type", "at", "l", "attributes")
	for _, e := range list {
		var extra []string
		for _, name := range e.Attrs() {
			if name == "at" || name == "l" {
				continue
			}
			v, _ := e.Attr(name)
			extra = append(extra, name+"="+ValueText(v))
		}
		tbl.Row(e.ID(), e.Type, ValueText(e.Position()), ValueText(e.Length()), strings.Join(extra, ", "))
	}
	return tbl.String()
}
