package lattice

import (
	"strconv"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
)

// Evaluator resolves a formula against the engine's current state.
type Evaluator interface {
	Evaluate(expr string) (float64, error)
}

// Value is either a literal number or a deferred formula. A deferred value
// is evaluated by the engine on every read; there is no cached number.
type Value struct {
	deferred bool
	num      float64
	expr     string
	ev       Evaluator
}

// Literal wraps a plain number.
func Literal(v float64) Value {
	return Value{num: v}
}

// Deferred wraps a formula that ev resolves on each read.
func Deferred(expr string, ev Evaluator) Value {
	return Value{deferred: true, expr: strings.TrimSpace(expr), ev: ev}
}

// FromParam wraps an engine attribute according to its tag.
func FromParam(p backend.Param, ev Evaluator) Value {
	if p.IsExpr() {
		return Deferred(p.Expr, ev)
	}
	return Literal(p.Value)
}

// IsDeferred reports whether v is a formula.
func (v Value) IsDeferred() bool { return v.deferred }

// Expr returns the formula text, or "" for literals.
func (v Value) Expr() string { return strings.ToLower(v.expr) }

// Float returns the numeric value now. Deferred values query the engine.
func (v Value) Float() (float64, error) {
	if !v.IsDeferred() {
		return v.num, nil
	}
	if v.expr == "" {
		return 0, &backend.EvaluationError{Message: "empty expression"}
	}
	if v.ev == nil {
		return 0, &backend.EvaluationError{Expr: v.expr, Message: "no engine attached"}
	}
	return v.ev.Evaluate(v.expr)
}

// Text returns the formula (lower-cased) or the canonical numeric text.
func (v Value) Text() string {
	if v.IsDeferred() {
		return strings.ToLower(v.expr)
	}
	return strconv.FormatFloat(v.num, 'g', -1, 64)
}

func (v Value) String() string { return v.Text() }

// Equal compares definitions, not current numbers: two deferred values are
// equal when their formulas match case-insensitively.
func (v Value) Equal(o Value) bool {
	if v.IsDeferred() != o.IsDeferred() {
		return false
	}
	if v.IsDeferred() {
		return strings.EqualFold(v.expr, o.expr)
	}
	return v.num == o.num
}
