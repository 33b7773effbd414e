package fake

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
)

var twissColumns = []string{"s", "betx", "alfx", "mux", "bety", "alfy", "muy"}

var surveyColumns = []string{"s", "x", "y", "z", "theta", "phi", "psi"}

// plane holds the optics functions of one transverse plane.
type plane struct {
	beta, alpha, mu float64
}

func (p *plane) gamma() float64 {
	return (1 + p.alpha*p.alpha) / p.beta
}

func (p *plane) drift(l float64) {
	if l == 0 {
		return
	}
	g := p.gamma()
	p.mu += math.Atan2(l, p.beta-l*p.alpha) / (2 * math.Pi)
	p.beta = p.beta - 2*l*p.alpha + l*l*g
	p.alpha = p.alpha - l*g
}

// kick applies a thin lens of integrated focusing strength k (focusing for
// k > 0).
func (p *plane) kick(k float64) {
	p.alpha += k * p.beta
}

// target resolves the sequence an analysis statement refers to.
func (e *Engine) target(stmt string, st command.Statement) (*sequence, error) {
	name := e.active
	if a, ok := st.Arg("sequence"); ok {
		name = strings.ToLower(a.Value)
	}
	if name == "" {
		return nil, reject(stmt, "no sequence selected")
	}
	seq, ok := e.seqs[name]
	if !ok {
		return nil, &backend.NotFoundError{Kind: "sequence", Name: name}
	}
	if !e.used[name] {
		return nil, &backend.PreconditionError{Sequence: name, Message: "sequence not expanded, use it first"}
	}
	return seq, nil
}

func (e *Engine) numArg(st command.Statement, key string, def float64) (float64, error) {
	a, ok := st.Arg(key)
	if !ok {
		return def, nil
	}
	at, err := e.makeAttr(a)
	if err != nil {
		return 0, err
	}
	return e.attrValue(at, 0)
}

func tableName(st command.Statement, def string) string {
	if a, ok := st.Arg("table"); ok && a.Value != "" {
		return strings.ToLower(a.Value)
	}
	return def
}

// rowNames returns "#s" followed by "name:n" for every node.
func rowNames(nodes []node) []string {
	names := make([]string, 0, len(nodes)+1)
	names = append(names, "#s")
	seen := make(map[string]int)
	for _, n := range nodes {
		seen[n.name]++
		names = append(names, n.name+":"+strconv.Itoa(seen[n.name]))
	}
	return names
}

func (e *Engine) twiss(stmt string, st command.Statement) error {
	seq, err := e.target(stmt, st)
	if err != nil {
		return err
	}
	if !e.hasBeam(seq.name) {
		return &backend.PreconditionError{Sequence: seq.name, Message: "no beam attached"}
	}

	x, y := plane{beta: 1}, plane{beta: 1}
	for _, f := range []struct {
		key string
		dst *float64
		def float64
	}{
		{"betx", &x.beta, 1}, {"alfx", &x.alpha, 0}, {"mux", &x.mu, 0},
		{"bety", &y.beta, 1}, {"alfy", &y.alpha, 0}, {"muy", &y.mu, 0},
	} {
		v, err := e.numArg(st, f.key, f.def)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	if x.beta <= 0 || y.beta <= 0 {
		return reject(stmt, "initial beta must be positive")
	}

	nodes := e.layout(seq)
	names := rowNames(nodes)
	first, last, err := span(stmt, st, names)
	if err != nil {
		return err
	}
	cols := make(map[string][]float64, len(twissColumns))
	row := func(s float64) {
		for k, v := range map[string]float64{
			"s": s, "betx": x.beta, "alfx": x.alpha, "mux": x.mu,
			"bety": y.beta, "alfy": y.alpha, "muy": y.mu,
		} {
			cols[k] = append(cols[k], v)
		}
	}
	s := 0.0
	if first > 0 {
		s = nodes[first-1].entry + nodes[first-1].length
	}
	row(s)

	betxMax, betyMax := x.beta, y.beta
	for _, n := range nodes[first:last] {
		centre := n.entry + n.length/2
		x.drift(centre - s)
		y.drift(centre - s)
		if n.def.typ == "quadrupole" {
			var k1 float64
			if a, ok := n.def.get("k1"); ok {
				k1, _ = e.attrValue(a, 0)
			}
			l := n.length
			if l == 0 {
				l = 1
			}
			x.kick(k1 * l)
			y.kick(-k1 * l)
		}
		exit := n.entry + n.length
		x.drift(exit - centre)
		y.drift(exit - centre)
		s = exit
		betxMax = math.Max(betxMax, x.beta)
		betyMax = math.Max(betyMax, y.beta)
		row(s)
	}

	length, _ := e.attrValue(seq.length, 0)
	summary := map[string]float64{
		"length":  length,
		"q1":      x.mu,
		"q2":      y.mu,
		"betxmax": betxMax,
		"betymax": betyMax,
	}
	for _, p := range e.beamOf(seq.name) {
		v := p.Value
		if p.IsExpr() {
			v, _ = e.eval(p.Expr, 0)
		}
		summary[p.Name] = v
	}

	name := tableName(st, "twiss")
	e.tables[name] = buildTable(name, twissColumns, cols, names[first:last+1], summary)
	return nil
}

// span resolves the range argument against the row names. A bare element
// name means its first occurrence; without a range all rows are covered.
func span(stmt string, st command.Statement, names []string) (int, int, error) {
	a, ok := st.Arg("range")
	if !ok || strings.TrimSpace(a.Value) == "" {
		return 0, len(names) - 1, nil
	}
	lookup := func(ref string) (int, bool) {
		ref = strings.ToLower(strings.Trim(strings.TrimSpace(ref), `"'`))
		switch ref {
		case "#s":
			return 0, true
		case "#e":
			return len(names) - 1, true
		}
		if !strings.Contains(ref, ":") {
			ref += ":1"
		}
		return slices.Index(names, ref), slices.Contains(names, ref)
	}
	lo, hi, _ := strings.Cut(a.Value, "/")
	first, ok := lookup(lo)
	if !ok {
		return 0, 0, reject(stmt, "unknown range start %q", lo)
	}
	last := first
	if strings.TrimSpace(hi) != "" {
		if last, ok = lookup(hi); !ok {
			return 0, 0, reject(stmt, "unknown range end %q", hi)
		}
	}
	if last < first {
		return 0, 0, reject(stmt, "range %q runs backwards", a.Value)
	}
	return first, last, nil
}

func (e *Engine) survey(stmt string, st command.Statement) error {
	seq, err := e.target(stmt, st)
	if err != nil {
		return err
	}
	var x, y, z, theta, phi, psi float64
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"x0", &x}, {"y0", &y}, {"z0", &z},
		{"theta0", &theta}, {"phi0", &phi}, {"psi0", &psi},
	} {
		v, err := e.numArg(st, f.key, 0)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	cols := make(map[string][]float64, len(surveyColumns))
	row := func(s float64) {
		for k, v := range map[string]float64{
			"s": s, "x": x, "y": y, "z": z, "theta": theta, "phi": phi, "psi": psi,
		} {
			cols[k] = append(cols[k], v)
		}
	}
	row(0)

	advance := func(l float64) {
		x += l * math.Sin(theta)
		z += l * math.Cos(theta)
	}
	s := 0.0
	for _, n := range e.layout(seq) {
		advance(n.entry - s)
		if n.def.typ == "sbend" || n.def.typ == "rbend" {
			var angle float64
			if a, ok := n.def.get("angle"); ok {
				angle, _ = e.attrValue(a, 0)
			}
			// chord of the arc, then turn by the full angle
			theta += angle / 2
			chord := n.length
			if angle != 0 {
				chord = 2 * n.length / angle * math.Sin(angle/2)
			}
			advance(chord)
			theta += angle / 2
		} else {
			advance(n.length)
		}
		s = n.entry + n.length
		row(s)
	}

	length, _ := e.attrValue(seq.length, 0)
	summary := map[string]float64{"length": length, "theta": theta, "x": x, "z": z}
	name := tableName(st, "survey")
	e.tables[name] = buildTable(name, surveyColumns, cols, rowNames(e.layout(seq)), summary)
	return nil
}

func buildTable(name string, order []string, cols map[string][]float64, names []string, summary map[string]float64) backend.TableData {
	t := backend.TableData{Name: name, Names: names, Summary: summary}
	for _, k := range order {
		t.Columns = append(t.Columns, backend.Column{Name: k, Data: cols[k]})
	}
	return t
}
