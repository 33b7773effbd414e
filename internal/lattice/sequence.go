package lattice

import (
	"fmt"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
)

// Refer is the reference convention for element positions.
type Refer string

const (
	ReferEntry  Refer = "entry"
	ReferCentre Refer = "centre"
	ReferExit   Refer = "exit"
)

// ParseRefer accepts entry, centre/center and exit. The empty string is the
// engine default (centre).
func ParseRefer(s string) (Refer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry":
		return ReferEntry, nil
	case "centre", "center", "":
		return ReferCentre, nil
	case "exit":
		return ReferExit, nil
	default:
		return "", fmt.Errorf("unknown refer convention: %s", s)
	}
}

// Source is the engine surface the lattice views read through.
type Source interface {
	Evaluator
	Input(text string) error
	SequenceNames() ([]string, error)
	Sequence(name string) (backend.SequenceInfo, error)
	ActiveSequence() (string, error)
	Elements(sequence string) ([]backend.ElementRecord, error)
	Beam(sequence string) ([]backend.Param, error)
}

// Sequence is a read-through view of one engine sequence. It stores only the
// name; every accessor queries the engine.
type Sequence struct {
	name string
	src  Source
}

func (s *Sequence) Name() string { return s.name }

func (s *Sequence) String() string { return "<sequence: " + s.name + ">" }

func (s *Sequence) info() (backend.SequenceInfo, error) {
	return s.src.Sequence(s.name)
}

// Length returns the total sequence length.
func (s *Sequence) Length() (float64, error) {
	info, err := s.info()
	if err != nil {
		return 0, err
	}
	return info.Length, nil
}

// Refer returns the position reference convention.
func (s *Sequence) Refer() (Refer, error) {
	info, err := s.info()
	if err != nil {
		return "", err
	}
	return ParseRefer(info.Refer)
}

// HasBeam reports whether a beam is attached to the sequence.
func (s *Sequence) HasBeam() (bool, error) {
	info, err := s.info()
	if err != nil {
		return false, err
	}
	return info.HasBeam, nil
}

// Beam returns the beam attributes attached to the sequence.
func (s *Sequence) Beam() (map[string]Value, error) {
	params, err := s.src.Beam(s.name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(params))
	for _, p := range params {
		out[strings.ToLower(p.Name)] = FromParam(p, s.src)
	}
	return out, nil
}

// Elements fetches the element list. Nothing is cached; call again after
// any statement that may change the sequence.
func (s *Sequence) Elements() (ElementList, error) {
	recs, err := s.src.Elements(s.name)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int, len(recs))
	list := make(ElementList, 0, len(recs))
	for i, rec := range recs {
		name := strings.ToLower(rec.Name)
		seen[name]++
		list = append(list, newElement(rec, seen[name], i, s.src))
	}
	return list, nil
}

// ElementList is an ordered element snapshot.
type ElementList []*Element

// Index returns the position of the element with the given id ("name:n" or
// bare "name" for the first occurrence). "#s" and "#e" name the first and
// last element.
func (l ElementList) Index(id string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "#s":
		if len(l) == 0 {
			return -1, &backend.NotFoundError{Kind: "element", Name: id}
		}
		return 0, nil
	case "#e":
		if len(l) == 0 {
			return -1, &backend.NotFoundError{Kind: "element", Name: id}
		}
		return len(l) - 1, nil
	}
	name, n, err := ParseID(id)
	if err != nil {
		return -1, err
	}
	for i, el := range l {
		if el.Name == name && el.Occurrence == n {
			return i, nil
		}
	}
	return -1, &backend.NotFoundError{Kind: "element", Name: id}
}

// Lookup returns exactly one element for id.
func (l ElementList) Lookup(id string) (*Element, error) {
	i, err := l.Index(id)
	if err != nil {
		return nil, err
	}
	return l[i], nil
}

// IDs returns the element ids in order.
func (l ElementList) IDs() []string {
	out := make([]string, len(l))
	for i, el := range l {
		out[i] = el.ID()
	}
	return out
}

// At returns the last element whose position is at or before pos.
func (l ElementList) At(pos float64) (*Element, error) {
	var found *Element
	for _, el := range l {
		at, err := el.Position().Float()
		if err != nil {
			return nil, err
		}
		if at > pos {
			break
		}
		found = el
	}
	if found == nil {
		return nil, &backend.NotFoundError{Kind: "element", Name: fmt.Sprintf("at %g", pos)}
	}
	return found, nil
}

// CheckOrder verifies positions are non-decreasing. Equal positions are
// allowed and keep engine order.
func (l ElementList) CheckOrder() error {
	prev := 0.0
	for i, el := range l {
		at, err := el.Position().Float()
		if err != nil {
			return fmt.Errorf("element %s: %w", el.ID(), err)
		}
		if i > 0 && at < prev {
			return fmt.Errorf("element %s at %g precedes %s at %g", el.ID(), at, l[i-1].ID(), prev)
		}
		prev = at
	}
	return nil
}
