package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/lattice"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

// RunMetadata describes one saved analysis.
type RunMetadata struct {
	ID        string             `json:"id"`
	Kind      string             `json:"kind"`
	Sequence  string             `json:"sequence"`
	Model     string             `json:"model,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Init      map[string]float64 `json:"init,omitempty"`
	Rows      int                `json:"rows"`
	Columns   []string           `json:"columns"`
	Summary   map[string]float64 `json:"summary"`
}

// Run is what callers hand to Save.
type Run struct {
	Kind     string
	Sequence string
	Model    string
	Init     map[string]float64
	Table    *lattice.Table
}

// Save writes metadata.json and table.csv into a new run directory and
// returns the run id.
func (s *Store) Save(run Run) (string, error) {
	if run.Table == nil {
		return "", fmt.Errorf("storage: run has no table")
	}
	kind := run.Kind
	if kind == "" {
		kind = run.Table.Name()
	}
	runID := fmt.Sprintf("%s_%s_%s", run.Sequence, kind, uuid.NewString()[:8])
	runDir := filepath.Join(s.baseDir, runID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := RunMetadata{
		ID:        runID,
		Kind:      kind,
		Sequence:  run.Sequence,
		Model:     run.Model,
		Timestamp: time.Now(),
		Init:      run.Init,
		Rows:      run.Table.Rows(),
		Columns:   run.Table.Columns(),
		Summary:   run.Table.Summary(),
	}

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	if err := writeTable(filepath.Join(runDir, "table.csv"), run.Table); err != nil {
		return "", err
	}
	return runID, nil
}

func writeTable(path string, t *lattice.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	names := t.Names()
	cols := t.Columns()

	header := cols
	if names != nil {
		header = append([]string{"name"}, cols...)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	data := make([][]float64, len(cols))
	for i, c := range cols {
		if data[i], err = t.Column(c); err != nil {
			return err
		}
	}
	for r := 0; r < t.Rows(); r++ {
		row := make([]string, 0, len(header))
		if names != nil {
			row = append(row, names[r])
		}
		for i := range cols {
			row = append(row, strconv.FormatFloat(data[i][r], 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// List returns every readable run, newest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Timestamp.After(runs[j].Timestamp)
	})
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &backend.NotFoundError{Kind: "run", Name: runID}
		}
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadTable reads a saved run back into a table with the run's summary.
func (s *Store) LoadTable(runID string) (*lattice.Table, error) {
	meta, err := s.Load(runID)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.baseDir, runID, "table.csv"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", runID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("storage: %s: empty table", runID)
	}

	header := records[0]
	offset := 0
	if len(header) > 0 && header[0] == "name" {
		offset = 1
	}
	data := backend.TableData{Name: meta.Kind, Summary: meta.Summary}
	for _, c := range header[offset:] {
		data.Columns = append(data.Columns, backend.Column{Name: c})
	}
	for line, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("storage: %s: row %d has %d fields", runID, line+1, len(rec))
		}
		if offset == 1 {
			data.Names = append(data.Names, rec[0])
		}
		for i, field := range rec[offset:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("storage: %s: row %d: %w", runID, line+1, err)
			}
			data.Columns[i].Data = append(data.Columns[i].Data, v)
		}
	}
	return lattice.NewTable(data)
}
