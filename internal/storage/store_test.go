package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/lattice"
)

func twissTable(t *testing.T) *lattice.Table {
	t.Helper()
	table, err := lattice.NewTable(backend.TableData{
		Name: "twiss",
		Columns: []backend.Column{
			{Name: "s", Data: []float64{0, 1, 2.5}},
			{Name: "betx", Data: []float64{2.5, 1.25, 0.1}},
		},
		Names:   []string{"#s", "qp:1", "qp:2"},
		Summary: map[string]float64{"q1": 0.31},
	})
	if err != nil {
		t.Fatalf("building table: %v", err)
	}
	return table
}

func TestStoreSaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	table := twissTable(t)
	runID, err := st.Save(Run{Sequence: "s1", Init: map[string]float64{"betx": 2.5}, Table: table})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if runID == "" {
		t.Error("expected non-empty run id")
	}

	meta, err := st.Load(runID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if meta.Kind != "twiss" {
		t.Errorf("expected kind 'twiss', got '%s'", meta.Kind)
	}
	if meta.Sequence != "s1" {
		t.Errorf("expected sequence 's1', got '%s'", meta.Sequence)
	}
	if meta.Init["betx"] != 2.5 {
		t.Errorf("expected betx 2.5, got %f", meta.Init["betx"])
	}
	if meta.Rows != 3 {
		t.Errorf("expected 3 rows, got %d", meta.Rows)
	}

	loaded, err := st.LoadTable(runID)
	if err != nil {
		t.Fatalf("load table failed: %v", err)
	}
	if !loaded.Equal(table, 0) {
		t.Error("loaded table differs from saved table")
	}
	if got := loaded.Names(); len(got) != 3 || got[1] != "qp:1" {
		t.Errorf("unexpected row names %v", got)
	}
}

func TestStoreList(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	runs, err := st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected 0 runs, got %d", len(runs))
	}

	for _, seq := range []string{"s1", "s2"} {
		if _, err := st.Save(Run{Sequence: seq, Table: twissTable(t)}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	// stray files are skipped
	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(tmpDir, "broken"), 0755); err != nil {
		t.Fatal(err)
	}

	runs, err = st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestStoreFileStructure(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	runID, err := st.Save(Run{Sequence: "s1", Kind: "survey", Table: twissTable(t)})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	runDir := filepath.Join(tmpDir, runID)
	for _, name := range []string{"metadata.json", "table.csv"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); os.IsNotExist(err) {
			t.Errorf("%s not created", name)
		}
	}

	data, err := os.ReadFile(filepath.Join(runDir, "table.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := "name,s,betx\n#s,0,2.5\nqp:1,1,1.25\nqp:2,2.5,0.1\n"
	if string(data) != want {
		t.Errorf("table.csv = %q, want %q", data, want)
	}
}

func TestStoreMissingRun(t *testing.T) {
	st := New(t.TempDir())
	_, err := st.Load("nope")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := st.Save(Run{Sequence: "s1"}); err == nil {
		t.Error("expected error for run without table")
	}
}

func TestExportJSON(t *testing.T) {
	st := New(t.TempDir())
	runID, err := st.Save(Run{Sequence: "s1", Table: twissTable(t)})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	var buf bytes.Buffer
	if err := st.ExportJSON(&buf, runID); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	var got ExportData
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if got.ID != runID {
		t.Errorf("expected id %s, got %s", runID, got.ID)
	}
	if len(got.Data["betx"]) != 3 || got.Data["betx"][0] != 2.5 {
		t.Errorf("unexpected betx %v", got.Data["betx"])
	}
	if got.Summary["q1"] != 0.31 {
		t.Errorf("expected q1 0.31, got %f", got.Summary["q1"])
	}

	path := filepath.Join(t.TempDir(), "run.json")
	if err := st.ExportJSONFile(path, runID); err != nil {
		t.Fatalf("export file failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error(err)
	}
}
