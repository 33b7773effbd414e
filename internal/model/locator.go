package model

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/resource"
)

// Ext is the suffix of model definition files.
const Ext = ".model.yml"

// Locator finds model definitions in a resource tree. Every *.model.yml file
// at the top of the tree may hold several definitions keyed by name.
type Locator struct {
	root resource.Provider
}

func NewLocator(root resource.Provider) *Locator {
	return &Locator{root: root}
}

// raw reads every definition file into one name -> mapping table.
func (l *Locator) raw() (map[string]map[string]any, error) {
	files, err := resource.ListExt(l.root, Ext)
	if err != nil {
		return nil, fmt.Errorf("model: listing definitions: %w", err)
	}
	all := map[string]map[string]any{}
	for _, f := range files {
		defs, err := l.readFile(f)
		if err != nil {
			return nil, err
		}
		for name, d := range defs {
			if _, dup := all[name]; dup {
				return nil, fmt.Errorf("model: %s defined twice (second in %s)", name, f)
			}
			all[name] = d
		}
	}
	return all, nil
}

func (l *Locator) readFile(name string) (map[string]map[string]any, error) {
	rc, err := l.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("model: reading %s: %w", name, err)
	}
	var defs map[string]map[string]any
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("model: parsing %s: %w", name, err)
	}
	for k, d := range defs {
		if d == nil {
			defs[k] = map[string]any{}
		}
	}
	return defs, nil
}

// Names lists the loadable models, sorted. Definitions marked real: false
// only serve as bases and are left out.
func (l *Locator) Names() ([]string, error) {
	all, err := l.raw()
	if err != nil {
		return nil, err
	}
	var names []string
	for name, d := range all {
		if real, ok := d["real"].(bool); ok && !real {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Definition returns the named model merged with everything it extends.
func (l *Locator) Definition(name string) (*Definition, error) {
	all, err := l.raw()
	if err != nil {
		return nil, err
	}
	d, ok := all[name]
	if !ok {
		return nil, &backend.NotFoundError{Kind: "model", Name: name}
	}
	if real, ok := d["real"].(bool); ok && !real {
		return nil, &backend.NotFoundError{Kind: "model", Name: name}
	}
	return expand(name, all)
}

// Repository returns the provider the model's repository files are read
// from. The first existing directory in dbdirs takes precedence over the
// locator's own tree.
func (l *Locator) Repository(def *Definition) resource.Provider {
	offset := def.PathOffsets.Repository
	for _, dir := range def.DBDirs {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return resource.NewDir(filepath.Join(dir, filepath.FromSlash(offset)))
		}
	}
	return l.root.Get(offset)
}

// Resources returns the provider for files with location "resource".
func (l *Locator) Resources(def *Definition) resource.Provider {
	return l.root.Get(def.PathOffsets.Resource)
}
