package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const ringScript = `
QP_K1 = 2;
qp: quadrupole, k1:=QP_K1, l=1;
sb: sbend, l=2, angle=0.5;
s1: sequence, l=4, refer=entry;
qp, at=0;
sb, at=2;
endsequence;
beam, sequence=s1;
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func setup(t *testing.T) (data, script string) {
	t.Helper()
	dir := t.TempDir()
	script = filepath.Join(dir, "ring.madx")
	if err := os.WriteFile(script, []byte(ringScript), 0644); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, "data"), script
}

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		in      []string
		want    map[string]float64
		wantErr bool
	}{
		{nil, nil, false},
		{[]string{"BETX=2", " bety = 3.5"}, map[string]float64{"betx": 2, "bety": 3.5}, false},
		{[]string{"betx"}, nil, true},
		{[]string{"=1"}, nil, true},
		{[]string{"betx=abc"}, nil, true},
	}
	for _, tt := range tests {
		got, err := parseAssignments(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAssignments(%q) error = %v", tt.in, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseAssignments(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseAssignments(%q)[%s] = %g, want %g", tt.in, k, got[k], v)
			}
		}
	}
}

func TestExec(t *testing.T) {
	data, script := setup(t)
	out, err := run(t, "--data", data, "exec", script, "--twiss", "s1")
	if err != nil {
		t.Fatalf("exec: %v\n%s", err, out)
	}
	for _, want := range []string{"executed", "betx", "qp:1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSequencesAndElements(t *testing.T) {
	data, script := setup(t)
	out, err := run(t, "--data", data, "-s", script, "sequences")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "s1") || !strings.Contains(out, "entry") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	out, err = run(t, "--data", data, "-s", script, "elements", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "sb:1") {
		t.Errorf("unexpected elements:\n%s", out)
	}

	if _, err := run(t, "--data", data, "-s", script, "elements", "nope"); err == nil {
		t.Error("expected error for unknown sequence")
	}
}

func TestTwissSaveAndPlot(t *testing.T) {
	data, script := setup(t)
	out, err := run(t, "--data", data, "-s", script, "twiss", "s1", "--preset", "phase", "--save")
	if err != nil {
		t.Fatalf("twiss: %v\n%s", err, out)
	}
	m := regexp.MustCompile(`run id: (\S+)`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no run id in output:\n%s", out)
	}
	id := m[1]

	out, err = run(t, "--data", data, "runs")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "twiss") {
		t.Errorf("run not listed:\n%s", out)
	}

	out, err = run(t, "--data", data, "plot", id)
	if err != nil {
		t.Fatalf("plot: %v\n%s", err, out)
	}
	if !strings.Contains(out, "betx, bety") {
		t.Errorf("missing plot caption:\n%s", out)
	}

	out, err = run(t, "--data", data, "export-json", id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"kind": "twiss"`) {
		t.Errorf("unexpected export:\n%s", out)
	}
}

func TestTwissUnknownPreset(t *testing.T) {
	data, script := setup(t)
	if _, err := run(t, "--data", data, "-s", script, "twiss", "s1", "--preset", "nope"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestSurveyFloor(t *testing.T) {
	data, script := setup(t)
	out, err := run(t, "--data", data, "-s", script, "survey", "s1", "--floor")
	if err != nil {
		t.Fatalf("survey: %v\n%s", err, out)
	}
	if !strings.Contains(out, "floor plan of s1") {
		t.Errorf("missing title:\n%s", out)
	}
}

func TestEvalAndHistory(t *testing.T) {
	data, script := setup(t)
	out, err := run(t, "--data", data, "-s", script, "eval", "qp_k1*3")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "6" {
		t.Errorf("eval = %q, want 6", out)
	}

	out, err = run(t, "--data", data, "history")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "call, file=") {
		t.Errorf("call not recorded:\n%s", out)
	}

	noHist := filepath.Join(t.TempDir(), "data")
	if _, err := run(t, "--data", noHist, "--no-history", "-s", script, "eval", "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(noHist, "history.db")); !os.IsNotExist(err) {
		t.Errorf("history written with --no-history: %v", err)
	}
}

func TestConfigFile(t *testing.T) {
	data, script := setup(t)
	cfgPath := filepath.Join(t.TempDir(), "beamline.yaml")
	cfg := "data_dir: " + data + "\nlog:\n  level: debug\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", cfgPath, "-s", script, "twiss", "s1", "--save"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "--data", data, "runs")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "no runs found") {
		t.Errorf("config data_dir ignored:\n%s", out)
	}

	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "runs"); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestPresets(t *testing.T) {
	out, err := run(t, "presets", "survey")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "floor") || strings.Contains(out, "optics") {
		t.Errorf("unexpected presets:\n%s", out)
	}
}

func TestScan(t *testing.T) {
	data, script := setup(t)
	out, err := run(t, "--data", data, "-s", script, "scan", "s1", "qp_k1", "--from", "0", "--to", "0.2", "--steps", "3")
	if err != nil {
		t.Fatalf("scan: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[0], "QP_K1") {
		t.Errorf("unexpected scan output:\n%s", out)
	}
}
