package command

import (
	"errors"
	"reflect"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		params   []Param
		expected string
	}{
		{"bare", "endsequence", nil, "endsequence;"},
		{"string", "twiss", []Param{P("sequence", "lhc")}, "twiss, sequence=lhc;"},
		{"flag on", "option", []Param{P("echo", true)}, "option, echo;"},
		{"flag off", "option", []Param{P("echo", false)}, "option, -echo;"},
		{"upper key", "beam", []Param{P("EX", 1.0)}, "beam, ex=1;"},
		{"nil dropped", "twiss", []Param{P("range", nil), P("betx", 2.5)}, "twiss, betx=2.5;"},
		{"empty string dropped", "twiss", []Param{P("range", "")}, "twiss;"},
		{"file quoted", "call", []Param{P("file", "a b.seq")}, `call, file="a b.seq";`},
		{"range", "twiss", []Param{P("range", Range{"#s", "#e"})}, "twiss, range=#s/#e;"},
		{"single range", "constraint", []Param{P("range", Range{First: "#e"})}, "constraint, range=#e;"},
		{"empty range", "twiss", []Param{P("range", Range{})}, "twiss;"},
		{"columns", "select", []Param{P("column", []string{"name", "s", "betx"})}, "select, column=name,s,betx;"},
		{"floats", "beam", []Param{P("knl", []float64{0, 0.5})}, "beam, knl={0,0.5};"},
		{"ints", "beam", []Param{P("idx", []int{1, 2})}, "beam, idx={1,2};"},
		{"int", "twiss", []Param{P("n", 3)}, "twiss, n=3;"},
		{"expr", "quadrupole", []Param{P("k1", Expr("qp_k1"))}, "quadrupole, k1:=qp_k1;"},
		{"max", "constraint", []Param{P("betx", Max(3.13))}, "constraint, betx<3.13;"},
		{"between", "constraint", []Param{P("betx", Between(1, 3))}, "constraint, betx>1, betx<3;"},
		{"equal", "constraint", []Param{P("bety", Equal(2))}, "constraint, bety=2;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.cmd, tt.params...); got != tt.expected {
				t.Errorf("Format() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAssign(t *testing.T) {
	if got := Assign("QP_K1", 2.0); got != "qp_k1 = 2;" {
		t.Errorf("literal assign = %q", got)
	}
	if got := Assign("k", Expr("qp_k1*2")); got != "k := qp_k1*2;" {
		t.Errorf("deferred assign = %q", got)
	}
}

func TestSplit(t *testing.T) {
	script := `
		! constants
		QP_K1 = 2;
		qp: quadrupole, k1:=QP_K1, l=1; // trailing comment
		/* block
		   comment; with semicolon */
		title, "a;b";
		s1: sequence, l=4, refer=center;
		qp, at=0.5;
		endsequence
	`
	want := []string{
		"QP_K1 = 2;",
		"qp: quadrupole, k1:=QP_K1, l=1;",
		`title, "a;b";`,
		"s1: sequence, l=4, refer=center;",
		"qp, at=0.5;",
		"endsequence;",
	}
	got := Split(script)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split() =\n%q\nwant\n%q", got, want)
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := Split("  ! only a comment\n ;; "); len(got) != 0 {
		t.Errorf("expected no statements, got %q", got)
	}
}

func TestParse_Assignment(t *testing.T) {
	st, err := Parse("QP_K1 = 2;")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !st.IsAssignment() || st.Name != "qp_k1" || st.Op != "=" || st.Value != "2" {
		t.Errorf("unexpected statement: %+v", st)
	}

	st, err = Parse("k := 1/qp_k1;")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if st.Op != ":=" || st.Value != "1/qp_k1" {
		t.Errorf("unexpected statement: %+v", st)
	}
}

func TestParse_Definition(t *testing.T) {
	st, err := Parse("qp: quadrupole, k1:=QP_K1, l=1, knl={0,1}, -echo, betx<3;")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if st.Label != "qp" || st.Name != "quadrupole" {
		t.Fatalf("unexpected head: %+v", st)
	}
	want := []Arg{
		{Key: "k1", Op: ":=", Value: "QP_K1"},
		{Key: "l", Op: "=", Value: "1"},
		{Key: "knl", Op: "=", Value: "{0,1}"},
		{Key: "echo", Negated: true},
		{Key: "betx", Op: "<", Value: "3"},
	}
	if !reflect.DeepEqual(st.Args, want) {
		t.Errorf("Args = %+v, want %+v", st.Args, want)
	}

	l, ok := st.Arg("L")
	if !ok {
		t.Fatal("expected arg l")
	}
	if v, ok := l.Float(); !ok || v != 1 {
		t.Errorf("l = %v, %v", v, ok)
	}
}

func TestParse_QuotedFile(t *testing.T) {
	st, err := Parse(Format("call", P("file", "/tmp/x.seq")))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	a, ok := st.Arg("file")
	if !ok || a.Value != "/tmp/x.seq" {
		t.Errorf("file arg = %+v", a)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, s := range []string{"", ";", "twiss, betx=(1", "1abc, x=1", "9 = 2;"} {
		if _, err := Parse(s); !errors.Is(err, ErrSyntax) {
			t.Errorf("Parse(%q): expected ErrSyntax, got %v", s, err)
		}
	}
}
