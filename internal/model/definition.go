// Package model loads machine descriptions: named bundles of engine input
// files, beams, sequences with ranges and initial conditions, optics and
// knobs, stored as YAML in a resource tree.
package model

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrInconsistentHierarchy = errors.New("model: inconsistent extends hierarchy")

// File names an input file. In YAML it is either a plain path or a mapping
// with path and location ("repository", the default, or "resource").
type File struct {
	Path     string `yaml:"path"`
	Location string `yaml:"location,omitempty"`
}

func (f *File) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.Path = value.Value
		return nil
	}
	type plain File
	return value.Decode((*plain)(f))
}

type PathOffsets struct {
	Repository string `yaml:"repository-offset"`
	Resource   string `yaml:"resource-offset"`
}

type Optic struct {
	InitFiles []File `yaml:"init-files"`
}

// MadxRange is the first/last element pair of a range.
type MadxRange struct {
	First string `yaml:"first"`
	Last  string `yaml:"last"`
}

type Range struct {
	MadxRange    MadxRange                     `yaml:"madx-range"`
	DefaultTwiss string                        `yaml:"default-twiss"`
	Initial      map[string]map[string]float64 `yaml:"twiss-initial-conditions"`
}

type Sequence struct {
	Beam         string           `yaml:"beam"`
	DefaultRange string           `yaml:"default-range"`
	Ranges       map[string]Range `yaml:"ranges"`
}

// Definition is a fully merged model definition.
type Definition struct {
	Name            string                        `yaml:"-"`
	Real            *bool                         `yaml:"real,omitempty"`
	Extends         []string                      `yaml:"extends,omitempty"`
	PathOffsets     PathOffsets                   `yaml:"path-offsets"`
	DBDirs          []string                      `yaml:"dbdirs,omitempty"`
	InitFiles       []File                        `yaml:"init-files"`
	DefaultOptic    string                        `yaml:"default-optic"`
	DefaultSequence string                        `yaml:"default-sequence"`
	Beams           map[string]map[string]any     `yaml:"beams"`
	Optics          map[string]Optic              `yaml:"optics"`
	Sequences       map[string]Sequence           `yaml:"sequences"`
	Knobs           map[string]map[string]float64 `yaml:"knobs"`
}

// IsReal reports whether the definition is a loadable model rather than a
// base for others. Definitions without the flag are real.
func (d *Definition) IsReal() bool {
	return d.Real == nil || *d.Real
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// linearize returns the C3 linearization of name, starting with name itself.
func linearize(name string, bases func(string) ([]string, error)) ([]string, error) {
	return c3(name, bases, map[string]bool{})
}

func c3(name string, bases func(string) ([]string, error), visiting map[string]bool) ([]string, error) {
	if visiting[name] {
		return nil, fmt.Errorf("%w: %s extends itself", ErrInconsistentHierarchy, name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	bs, err := bases(name)
	if err != nil {
		return nil, err
	}
	var seqs [][]string
	for _, b := range bs {
		l, err := c3(b, bases, visiting)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, l)
	}
	seqs = append(seqs, append([]string(nil), bs...))

	result := []string{name}
	for {
		live := seqs[:0]
		for _, s := range seqs {
			if len(s) > 0 {
				live = append(live, s)
			}
		}
		seqs = live
		if len(seqs) == 0 {
			return result, nil
		}

		head := ""
		for _, s := range seqs {
			if !inTail(s[0], seqs) {
				head = s[0]
				break
			}
		}
		if head == "" {
			return nil, fmt.Errorf("%w: %s", ErrInconsistentHierarchy, name)
		}
		result = append(result, head)
		for i, s := range seqs {
			if s[0] == head {
				seqs[i] = s[1:]
			}
		}
	}
}

func inTail(x string, seqs [][]string) bool {
	for _, s := range seqs {
		for _, y := range s[1:] {
			if y == x {
				return true
			}
		}
	}
	return false
}

// deepMerge merges src into dst: mappings merge recursively, lists present
// in both are concatenated, anything else is replaced.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		switch sv := v.(type) {
		case map[string]any:
			dm, _ := dst[k].(map[string]any)
			if dm == nil {
				dm = map[string]any{}
			}
			dst[k] = deepMerge(dm, sv)
		case []any:
			if dl, ok := dst[k].([]any); ok {
				dst[k] = append(append([]any(nil), dl...), clone(sv).([]any)...)
				continue
			}
			dst[k] = clone(sv)
		default:
			dst[k] = v
		}
	}
	return dst
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = clone(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = clone(x)
		}
		return out
	default:
		return v
	}
}

// expand merges name with its bases, most basic first, and decodes the
// result.
func expand(name string, raw map[string]map[string]any) (*Definition, error) {
	bases := func(n string) ([]string, error) {
		d, ok := raw[n]
		if !ok {
			return nil, fmt.Errorf("model: %s extends unknown model %s", name, n)
		}
		list, _ := d["extends"].([]any)
		out := make([]string, 0, len(list))
		for _, b := range list {
			s, ok := b.(string)
			if !ok {
				return nil, fmt.Errorf("model: %s: extends entries must be names", n)
			}
			out = append(out, s)
		}
		return out, nil
	}
	mro, err := linearize(name, bases)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	for i := len(mro) - 1; i >= 0; i-- {
		deepMerge(merged, clone(raw[mro[i]]).(map[string]any))
	}
	// the flag belongs to the model itself, not its bases
	if real, ok := raw[name]["real"]; ok {
		merged["real"] = real
	} else {
		delete(merged, "real")
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("model: %s: %w", name, err)
	}
	def := &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("model: %s: %w", name, err)
	}
	def.Name = name
	return def, nil
}
