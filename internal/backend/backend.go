// Package backend defines the boundary to the external simulation engine.
//
// An engine is a single stateful session: constants, elements, sequences and
// beams defined by earlier statements stay visible to later statements and
// queries. Implementations are not required to be safe for concurrent use;
// session.Session serializes access.
package backend

// Param is one named attribute as reported by the engine. A non-empty Expr
// marks a deferred formula; Value then holds the engine's evaluation at query
// time and must not be cached by callers.
type Param struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Expr  string  `json:"expr,omitempty"`
}

// IsExpr reports whether the attribute is a formula.
func (p Param) IsExpr() bool { return p.Expr != "" }

// ElementRecord is one placed element of a sequence, in engine order.
// Position ("at") and length ("l") are ordinary attributes.
type ElementRecord struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Attrs []Param `json:"attrs"`
}

// SequenceInfo is the sequence-level metadata.
type SequenceInfo struct {
	Name    string  `json:"name"`
	Length  float64 `json:"length"`
	Refer   string  `json:"refer"`
	HasBeam bool    `json:"has_beam"`
}

// Column is one named numeric table column.
type Column struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// TableData is a raw analysis table. Names optionally carries the element
// name of every row.
type TableData struct {
	Name    string             `json:"name"`
	Columns []Column           `json:"columns"`
	Names   []string           `json:"names,omitempty"`
	Summary map[string]float64 `json:"summary"`
}

// Version describes the engine build.
type Version struct {
	Release string `json:"release"`
	Date    string `json:"date"`
}

// Backend is one engine session.
type Backend interface {
	// Input executes one statement.
	Input(text string) error
	// Evaluate returns the current numeric value of expr.
	Evaluate(expr string) (float64, error)
	// Global returns the definition of a global variable.
	Global(name string) (Param, error)
	SequenceNames() ([]string, error)
	Sequence(name string) (SequenceInfo, error)
	// ActiveSequence returns "" when no sequence is selected.
	ActiveSequence() (string, error)
	Elements(sequence string) ([]ElementRecord, error)
	Beam(sequence string) ([]Param, error)
	Table(name string) (TableData, error)
	Version() (Version, error)
	Close() error
}
