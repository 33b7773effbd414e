package lattice

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
)

// Element is a snapshot of one placed element. Identity is (Name,
// Occurrence); Occurrence counts earlier elements with the same name in the
// same sequence, starting at 1.
type Element struct {
	Name       string
	Occurrence int
	Type       string
	Index      int

	names []string
	attrs map[string]Value
}

func newElement(rec backend.ElementRecord, occurrence, index int, ev Evaluator) *Element {
	el := &Element{
		Name:       strings.ToLower(rec.Name),
		Occurrence: occurrence,
		Type:       strings.ToLower(rec.Type),
		Index:      index,
		names:      make([]string, 0, len(rec.Attrs)),
		attrs:      make(map[string]Value, len(rec.Attrs)),
	}
	for _, p := range rec.Attrs {
		key := strings.ToLower(p.Name)
		if _, dup := el.attrs[key]; !dup {
			el.names = append(el.names, key)
		}
		el.attrs[key] = FromParam(p, ev)
	}
	return el
}

// ID returns "name:occurrence".
func (e *Element) ID() string {
	return e.Name + ":" + strconv.Itoa(e.Occurrence)
}

// Attr looks up an attribute by name (case-insensitive).
func (e *Element) Attr(name string) (Value, bool) {
	v, ok := e.attrs[strings.ToLower(name)]
	return v, ok
}

// Attrs returns attribute names in engine order.
func (e *Element) Attrs() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Position returns the "at" attribute.
func (e *Element) Position() Value {
	return e.attrs["at"]
}

// Length returns the "l" attribute; elements without one have zero length.
func (e *Element) Length() Value {
	return e.attrs["l"]
}

func (e *Element) String() string {
	return fmt.Sprintf("%s(%s)", e.ID(), e.Type)
}

// ParseID splits "name:n" into its parts. A bare name means occurrence 1.
func ParseID(id string) (string, int, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	i := strings.LastIndex(id, ":")
	if i < 0 {
		return id, 1, nil
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("invalid element id %q", id)
	}
	return id[:i], n, nil
}
