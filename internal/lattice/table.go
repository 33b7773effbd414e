package lattice

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
)

// Table is an immutable analysis result: named equal-length columns plus a
// scalar summary. Accessors return copies. Column names keep the engine's
// spelling; lookups ignore case.
type Table struct {
	name    string
	order   []string
	cols    map[string][]float64 // keyed by lower-cased name
	names   []string
	summary map[string]float64
	rows    int
}

// NewTable validates and copies raw engine data.
func NewTable(data backend.TableData) (*Table, error) {
	t := &Table{
		name:    strings.ToLower(data.Name),
		cols:    make(map[string][]float64, len(data.Columns)),
		summary: make(map[string]float64, len(data.Summary)),
		rows:    -1,
	}
	for _, c := range data.Columns {
		key := strings.ToLower(c.Name)
		if _, dup := t.cols[key]; dup {
			return nil, fmt.Errorf("table %s: duplicate column %s", t.name, c.Name)
		}
		if t.rows >= 0 && len(c.Data) != t.rows {
			return nil, fmt.Errorf("table %s: column %s has %d rows, want %d", t.name, c.Name, len(c.Data), t.rows)
		}
		t.rows = len(c.Data)
		t.order = append(t.order, c.Name)
		t.cols[key] = append([]float64(nil), c.Data...)
	}
	if t.rows < 0 {
		t.rows = 0
	}
	if len(data.Names) > 0 {
		if len(data.Names) != t.rows {
			return nil, fmt.Errorf("table %s: %d row names for %d rows", t.name, len(data.Names), t.rows)
		}
		t.names = make([]string, len(data.Names))
		for i, n := range data.Names {
			t.names[i] = strings.ToLower(n)
		}
	}
	for k, v := range data.Summary {
		t.summary[strings.ToLower(k)] = v
	}
	return t, nil
}

func (t *Table) Name() string { return t.name }

// Rows returns the number of rows.
func (t *Table) Rows() int { return t.rows }

// Columns returns the column names in engine order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.order...)
}

func (t *Table) Has(column string) bool {
	_, ok := t.cols[strings.ToLower(column)]
	return ok
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]float64, error) {
	c, ok := t.cols[strings.ToLower(name)]
	if !ok {
		return nil, &backend.NotFoundError{Kind: "column", Name: name}
	}
	return append([]float64(nil), c...), nil
}

// Row returns row i keyed by the names Columns reports.
func (t *Table) Row(i int) (map[string]float64, error) {
	if i < 0 || i >= t.rows {
		return nil, fmt.Errorf("table %s: row %d out of range [0,%d)", t.name, i, t.rows)
	}
	row := make(map[string]float64, len(t.order))
	for _, k := range t.order {
		row[k] = t.cols[strings.ToLower(k)][i]
	}
	return row, nil
}

// Names returns the element name of each row, if the engine reported them.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Range returns the row indices of two row names, both inclusive. A bare
// name matches its first occurrence. It fails when the table carries no row
// names.
func (t *Table) Range(first, last string) (int, int, error) {
	find := func(name string) int {
		name = strings.ToLower(name)
		for i, n := range t.names {
			if n == name || strings.HasPrefix(n, name+":") {
				return i
			}
		}
		return -1
	}
	lo, hi := find(first), find(last)
	if lo < 0 {
		return 0, 0, &backend.NotFoundError{Kind: "row", Name: first}
	}
	if hi < 0 {
		return 0, 0, &backend.NotFoundError{Kind: "row", Name: last}
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("table %s: range %s/%s is reversed", t.name, first, last)
	}
	return lo, hi, nil
}

// Summary returns a copy of the scalar summary.
func (t *Table) Summary() map[string]float64 {
	out := make(map[string]float64, len(t.summary))
	for k, v := range t.summary {
		out[k] = v
	}
	return out
}

// SummaryKeys returns the summary keys in sorted order.
func (t *Table) SummaryKeys() []string {
	keys := make([]string, 0, len(t.summary))
	for k := range t.summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Table) SummaryValue(key string) (float64, error) {
	v, ok := t.summary[strings.ToLower(key)]
	if !ok {
		return 0, &backend.NotFoundError{Kind: "summary value", Name: key}
	}
	return v, nil
}

// Equal reports whether both tables carry the same columns and summary keys
// with values within tol.
func (t *Table) Equal(o *Table, tol float64) bool {
	if t.rows != o.rows || len(t.order) != len(o.order) || len(t.summary) != len(o.summary) {
		return false
	}
	for k, c := range t.cols {
		oc, ok := o.cols[k]
		if !ok {
			return false
		}
		for i, v := range c {
			if !within(v, oc[i], tol) {
				return false
			}
		}
	}
	for k, v := range t.summary {
		ov, ok := o.summary[k]
		if !ok || !within(v, ov, tol) {
			return false
		}
	}
	return true
}

func within(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= tol
}
