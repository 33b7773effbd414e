package storage

import (
	"encoding/json"
	"io"
	"os"
)

type ExportData struct {
	RunMetadata
	Names []string             `json:"names,omitempty"`
	Data  map[string][]float64 `json:"data"`
}

// ExportJSON writes a saved run, metadata and columns, to w.
func (s *Store) ExportJSON(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	t, err := s.LoadTable(runID)
	if err != nil {
		return err
	}

	data := ExportData{
		RunMetadata: *meta,
		Names:       t.Names(),
		Data:        make(map[string][]float64, len(meta.Columns)),
	}
	for _, c := range t.Columns() {
		if data.Data[c], err = t.Column(c); err != nil {
			return err
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// ExportJSONFile is ExportJSON into a new file at path.
func (s *Store) ExportJSONFile(path, runID string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.ExportJSON(file, runID); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
