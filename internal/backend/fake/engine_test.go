package fake

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/san-kum/beamline/internal/backend"
)

const doc = `
	! constants
	QP_K1 = 2;

	! elements
	qp: quadrupole, k1:=QP_K1, l=1;
	sb: sbend, l=2, angle=3.14/4;

	! sequences
	s1: sequence, l=4, refer=center;
	qp, at=0.5;
	qp, at=1.5;
	sb, at=3;
	endsequence;

	s2: sequence, l=3, refer=entry;
	qp1: qp, at=0, k1=3;
	qp2: qp, at=1, l=2;
	endsequence;
`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	if err := e.Input(doc); err != nil {
		t.Fatalf("loading document: %v", err)
	}
	return e
}

func attrOf(t *testing.T, rec backend.ElementRecord, name string) backend.Param {
	t.Helper()
	for _, p := range rec.Attrs {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("%s has no attribute %s", rec.Name, name)
	return backend.Param{}
}

func TestEngine_Evaluate(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		expr     string
		expected float64
	}{
		{"1/QP_K1", 0.5},
		{"2*(1+qp_k1)", 6},
		{"-qp_k1^2", -4},
		{"sqrt(16)", 4},
		{"1e-3*1000", 1},
		{"qp->k1", 2},
		{"pi", math.Pi},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.expected)
			}
		})
	}
}

func TestEngine_EvaluateErrors(t *testing.T) {
	e := newEngine(t)
	for _, expr := range []string{"nope*2", "1/(2", "3 4", "1/0"} {
		_, err := e.Evaluate(expr)
		var evalErr *backend.EvaluationError
		if !errors.As(err, &evalErr) {
			t.Errorf("Evaluate(%q): expected EvaluationError, got %v", expr, err)
		}
	}
}

func TestEngine_RecursiveGlobal(t *testing.T) {
	e := New()
	if err := e.Input("a := b; b := a;"); err != nil {
		t.Fatalf("input: %v", err)
	}
	if _, err := e.Evaluate("a"); err == nil {
		t.Error("expected error for recursive definition")
	}
}

func TestEngine_Sequences(t *testing.T) {
	e := newEngine(t)
	names, err := e.SequenceNames()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "s1,s2" {
		t.Errorf("SequenceNames() = %v", names)
	}

	info, err := e.Sequence("S1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Length != 4 || info.Refer != "centre" || info.HasBeam {
		t.Errorf("unexpected info: %+v", info)
	}

	if _, err := e.Sequence("sN"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_ElementsCentre(t *testing.T) {
	e := newEngine(t)
	recs, err := e.Elements("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(recs))
	}
	wantAt := []float64{0, 1, 2}
	for i, rec := range recs {
		if got := attrOf(t, rec, "at").Value; got != wantAt[i] {
			t.Errorf("%s at = %v, want %v", rec.Name, got, wantAt[i])
		}
	}
	k1 := attrOf(t, recs[0], "k1")
	if !k1.IsExpr() || strings.ToLower(k1.Expr) != "qp_k1" || k1.Value != 2 {
		t.Errorf("k1 = %+v", k1)
	}
	angle := attrOf(t, recs[2], "angle")
	if angle.IsExpr() || math.Abs(angle.Value-3.14/4) > 1e-12 {
		t.Errorf("angle = %+v", angle)
	}
}

func TestEngine_ElementsEntryWithOverrides(t *testing.T) {
	e := newEngine(t)
	recs, err := e.Elements("s2")
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Name != "qp1" || recs[1].Name != "qp2" {
		t.Fatalf("unexpected order: %s, %s", recs[0].Name, recs[1].Name)
	}
	if k1 := attrOf(t, recs[0], "k1"); k1.IsExpr() || k1.Value != 3 {
		t.Errorf("qp1 k1 = %+v", k1)
	}
	if l := attrOf(t, recs[1], "l"); l.Value != 2 {
		t.Errorf("qp2 l = %+v", l)
	}
	if at := attrOf(t, recs[1], "at"); at.Value != 1 {
		t.Errorf("qp2 at = %+v", at)
	}
}

func TestEngine_SortsByPosition(t *testing.T) {
	e := New()
	script := `
		m: marker;
		s: sequence, l=10, refer=entry;
		b: m, at=5;
		a: m, at=1;
		c: m, at=5;
		endsequence;
	`
	if err := e.Input(script); err != nil {
		t.Fatal(err)
	}
	recs, err := e.Elements("s")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.Name)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("order = %v, want a,b,c", got)
	}
}

func TestEngine_CommandErrors(t *testing.T) {
	tests := []string{
		"frobnicate, x=1;",
		"use, sequence=nope;",
		"q: nothing, l=1;",
		"endsequence;",
		"beam, sequence=nope;",
	}
	for _, stmt := range tests {
		t.Run(stmt, func(t *testing.T) {
			e := newEngine(t)
			var cmdErr *backend.CommandError
			if err := e.Input(stmt); !errors.As(err, &cmdErr) {
				t.Errorf("expected CommandError, got %v", err)
			}
		})
	}
}

func TestEngine_Twiss(t *testing.T) {
	e := newEngine(t)

	err := e.Input("use, sequence=s1; twiss, sequence=s1;")
	var pre *backend.PreconditionError
	if !errors.As(err, &pre) || pre.Sequence != "s1" {
		t.Fatalf("expected PreconditionError for s1, got %v", err)
	}

	if err := e.Input("beam, ex=1, ey=2, particle=electron, sequence=s1;"); err != nil {
		t.Fatal(err)
	}
	if err := e.Input("twiss, sequence=s1, alfx=0.5, alfy=1.5, betx=2.5, bety=3.5;"); err != nil {
		t.Fatal(err)
	}
	tab, err := e.Table("twiss")
	if err != nil {
		t.Fatal(err)
	}
	if len(tab.Names) != 4 || tab.Names[0] != "#s" || tab.Names[2] != "qp:2" {
		t.Errorf("Names = %v", tab.Names)
	}
	want := map[string]float64{"betx": 2.5, "bety": 3.5, "alfx": 0.5, "alfy": 1.5, "s": 0}
	for _, c := range tab.Columns {
		if len(c.Data) != 4 {
			t.Errorf("column %s has %d rows", c.Name, len(c.Data))
		}
		if v, ok := want[c.Name]; ok && c.Data[0] != v {
			t.Errorf("%s[0] = %v, want %v", c.Name, c.Data[0], v)
		}
	}
	if tab.Summary["ex"] != 1 || tab.Summary["ey"] != 2 || tab.Summary["length"] != 4 {
		t.Errorf("summary = %v", tab.Summary)
	}
}

func TestEngine_TwissRange(t *testing.T) {
	e := newEngine(t)
	if err := e.Input("beam, sequence=s1; use, sequence=s1; twiss, betx=2, bety=3;"); err != nil {
		t.Fatal(err)
	}
	full, err := e.Table("twiss")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Input("twiss, range=qp:2/#e, betx=2.5, bety=3.5;"); err != nil {
		t.Fatal(err)
	}
	part, err := e.Table("twiss")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"qp:2", "sb:1"}; !slices.Equal(part.Names, want) {
		t.Errorf("Names = %v, want %v", part.Names, want)
	}
	if len(part.Names) >= len(full.Names) {
		t.Errorf("ranged twiss has %d rows, full has %d", len(part.Names), len(full.Names))
	}
	first := map[string]float64{"betx": 2.5, "bety": 3.5, "s": 2}
	for _, c := range part.Columns {
		if len(c.Data) != 2 {
			t.Errorf("column %s has %d rows", c.Name, len(c.Data))
		}
		if v, ok := first[c.Name]; ok && c.Data[0] != v {
			t.Errorf("%s[0] = %v, want %v", c.Name, c.Data[0], v)
		}
	}

	// a bare name is its first occurrence, a single name a one-row table
	if err := e.Input("twiss, range=qp, betx=2, bety=3;"); err != nil {
		t.Fatal(err)
	}
	if one, _ := e.Table("twiss"); !slices.Equal(one.Names, []string{"qp:1"}) {
		t.Errorf("Names = %v, want [qp:1]", one.Names)
	}

	for _, stmt := range []string{
		"twiss, range=nowhere/#e;",
		"twiss, range=#s/qp:7;",
		"twiss, range=sb/qp;",
	} {
		var cmdErr *backend.CommandError
		if err := e.Input(stmt); !errors.As(err, &cmdErr) {
			t.Errorf("%s: expected CommandError, got %v", stmt, err)
		}
	}
}

func TestEngine_TwissFollowsGlobals(t *testing.T) {
	e := newEngine(t)
	run := func() float64 {
		t.Helper()
		if err := e.Input("beam; use, sequence=s1; twiss, betx=1, bety=1;"); err != nil {
			t.Fatal(err)
		}
		tab, err := e.Table("twiss")
		if err != nil {
			t.Fatal(err)
		}
		return tab.Columns[1].Data[len(tab.Columns[1].Data)-1]
	}
	before := run()
	if again := run(); again != before {
		t.Errorf("repeated twiss differs: %v vs %v", before, again)
	}
	if err := e.Input("QP_K1 = 0.1;"); err != nil {
		t.Fatal(err)
	}
	if after := run(); after == before {
		t.Error("twiss did not follow the changed strength")
	}
}

func TestEngine_Survey(t *testing.T) {
	e := newEngine(t)
	if err := e.Input("use, sequence=s1; survey;"); err != nil {
		t.Fatal(err)
	}
	tab, err := e.Table("survey")
	if err != nil {
		t.Fatal(err)
	}
	if got := tab.Summary["theta"]; math.Abs(got-3.14/4) > 1e-12 {
		t.Errorf("theta = %v", got)
	}
}

func TestEngine_CallAndKnobfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lattice.seq")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	e := New()
	if err := e.Input(`call, file="` + path + `";`); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := e.Sequence("s2"); err != nil {
		t.Fatalf("s2 missing after call: %v", err)
	}

	knobs := filepath.Join(dir, "knobs.str")
	script := `
		match, sequence=s1;
		vary, name=qp_k1, step=1e-4;
		constraint, range=#e, betx<3;
		lmdif, calls=10;
		endmatch, knobfile="` + knobs + `";
	`
	if err := e.Input(script); err != nil {
		t.Fatalf("match: %v", err)
	}
	data, err := os.ReadFile(knobs)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "qp_k1 = 2;" {
		t.Errorf("knobfile = %q", data)
	}
}

func TestEngine_Closed(t *testing.T) {
	e := newEngine(t)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Input("x = 1;"); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
