package lattice

import (
	"errors"
	"sort"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
)

// NoActiveSequence is returned by Registry.Active when nothing is selected.
const NoActiveSequence = ""

// Registry mirrors the engine's set of sequences. It keeps no state of its
// own: every call re-reads the engine.
type Registry struct {
	src Source
}

func NewRegistry(src Source) *Registry {
	return &Registry{src: src}
}

// Names returns the defined sequence names, lower-cased and sorted.
func (r *Registry) Names() ([]string, error) {
	names, err := r.src.SequenceNames()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	sort.Strings(out)
	return out, nil
}

// Has reports whether name is currently defined.
func (r *Registry) Has(name string) (bool, error) {
	names, err := r.Names()
	if err != nil {
		return false, err
	}
	name = strings.ToLower(name)
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Sequence returns a view of the named sequence, or a NotFoundError.
func (r *Registry) Sequence(name string) (*Sequence, error) {
	ok, err := r.Has(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &backend.NotFoundError{Kind: "sequence", Name: name}
	}
	return &Sequence{name: strings.ToLower(name), src: r.src}, nil
}

// Sequences returns views of all defined sequences.
func (r *Registry) Sequences() ([]*Sequence, error) {
	names, err := r.Names()
	if err != nil {
		return nil, err
	}
	out := make([]*Sequence, len(names))
	for i, n := range names {
		out[i] = &Sequence{name: n, src: r.src}
	}
	return out, nil
}

// Active returns the engine's selected sequence or NoActiveSequence.
func (r *Registry) Active() (string, error) {
	name, err := r.src.ActiveSequence()
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return NoActiveSequence, nil
		}
		return "", err
	}
	return strings.ToLower(name), nil
}

// ActiveSequence returns a view of the selected sequence, or nil when
// nothing is selected.
func (r *Registry) ActiveSequence() (*Sequence, error) {
	name, err := r.Active()
	if err != nil || name == NoActiveSequence {
		return nil, err
	}
	return &Sequence{name: name, src: r.src}, nil
}

// SetActive selects a sequence in the engine. Unknown names fail before any
// statement is sent. Selecting the already active sequence is a no-op.
func (r *Registry) SetActive(name string) error {
	seq, err := r.Sequence(name)
	if err != nil {
		return err
	}
	active, err := r.Active()
	if err != nil {
		return err
	}
	if active == seq.name {
		return nil
	}
	return r.src.Input(command.Format("use", command.P("sequence", seq.name)))
}
