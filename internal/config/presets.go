package config

import "sort"

// Preset is a named column selection for one kind of analysis table.
type Preset struct {
	Columns []string
	Init    map[string]float64
}

var Presets = map[string]map[string]*Preset{
	"twiss": {
		"optics": {
			Columns: []string{"name", "s", "betx", "alfx", "mux", "bety", "alfy", "muy"},
		},
		"orbit": {
			Columns: []string{"name", "s", "x", "px", "y", "py"},
		},
		"dispersion": {
			Columns: []string{"name", "s", "dx", "dpx", "dy", "dpy"},
		},
		"phase": {
			Columns: []string{"name", "s", "mux", "muy"},
		},
		"periodic": {
			Columns: []string{"name", "s", "betx", "bety"},
			Init:    map[string]float64{"betx": 1, "bety": 1},
		},
	},
	"survey": {
		"floor": {
			Columns: []string{"name", "s", "x", "y", "z", "theta"},
		},
		"angles": {
			Columns: []string{"name", "s", "theta", "phi", "psi"},
		},
	},
}

func GetPreset(kind, preset string) *Preset {
	kindPresets, ok := Presets[kind]
	if !ok {
		return nil
	}
	p, ok := kindPresets[preset]
	if !ok {
		return nil
	}
	return p
}

func ListPresets(kind string) []string {
	kindPresets, ok := Presets[kind]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(kindPresets))
	for name := range kindPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
