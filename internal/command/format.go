// Package command builds and dissects engine statements.
//
// A statement is a command name followed by comma separated parameters and a
// trailing semicolon:
//
//	twiss, sequence=s1, betx=2.5, chrom;
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Param is one named command parameter. Value may be nil, string, bool,
// any integer or float, Expr, Range, Constraint, []string, []float64 or []int.
type Param struct {
	Key   string
	Value any
}

// P is shorthand for Param{key, value}.
func P(key string, value any) Param {
	return Param{Key: key, Value: value}
}

// Expr is a deferred formula, emitted as key:=expr.
type Expr string

// Range selects the elements between First and Last (inclusive).
type Range struct {
	First string
	Last  string
}

// String renders "first/last", or just "first" for a single element.
func (r Range) String() string {
	if r.Last == "" || r.Last == r.First {
		return r.First
	}
	return r.First + "/" + r.Last
}

// Constraint is a matching constraint. With Min or Max set it renders as
// key>min / key<max, otherwise as key=value.
type Constraint struct {
	Min   *float64
	Max   *float64
	Value float64
}

// Min returns a lower-bound constraint.
func Min(v float64) Constraint { return Constraint{Min: &v} }

// Max returns an upper-bound constraint.
func Max(v float64) Constraint { return Constraint{Max: &v} }

// Between returns a two-sided constraint.
func Between(lo, hi float64) Constraint { return Constraint{Min: &lo, Max: &hi} }

// Equal returns an equality constraint.
func Equal(v float64) Constraint { return Constraint{Value: v} }

// Format renders a full statement. Parameters that render empty (nil values,
// empty strings) are dropped.
func Format(name string, params ...Param) string {
	parts := make([]string, 0, len(params)+1)
	if name != "" {
		parts = append(parts, name)
	}
	for _, p := range params {
		if s := FormatParam(p.Key, p.Value); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ") + ";"
}

// FormatParam renders a single parameter.
func FormatParam(key string, value any) string {
	key = strings.ToLower(key)
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		if v == "" {
			return ""
		}
		if strings.HasSuffix(key, "file") {
			return key + "=" + Quote(v)
		}
		return key + "=" + v
	case bool:
		if v {
			return key
		}
		return "-" + key
	case Expr:
		if v == "" {
			return ""
		}
		return key + ":=" + string(v)
	case Range:
		if v.First == "" {
			return ""
		}
		return key + "=" + v.String()
	case Constraint:
		var parts []string
		if v.Min != nil {
			parts = append(parts, key+">"+FormatFloat(*v.Min))
		}
		if v.Max != nil {
			parts = append(parts, key+"<"+FormatFloat(*v.Max))
		}
		if len(parts) > 0 {
			return strings.Join(parts, ", ")
		}
		return key + "=" + FormatFloat(v.Value)
	case []string:
		if len(v) == 0 {
			return ""
		}
		return key + "=" + strings.Join(v, ",")
	case []float64:
		s := make([]string, len(v))
		for i, f := range v {
			s[i] = FormatFloat(f)
		}
		return key + "={" + strings.Join(s, ",") + "}"
	case []int:
		s := make([]string, len(v))
		for i, n := range v {
			s[i] = strconv.Itoa(n)
		}
		return key + "={" + strings.Join(s, ",") + "}"
	case float64:
		return key + "=" + FormatFloat(v)
	case float32:
		return key + "=" + FormatFloat(float64(v))
	case int:
		return key + "=" + strconv.Itoa(v)
	case int64:
		return key + "=" + strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return key + "=" + v.String()
	default:
		return key + "=" + fmt.Sprint(v)
	}
}

// FormatFloat renders a number the shortest way that round-trips.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Quote wraps a string value in double quotes.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `'`) + `"`
}

// Assign renders a global assignment. Literal values use "=", formulas ":=".
func Assign(name string, value any) string {
	if e, ok := value.(Expr); ok {
		return strings.ToLower(name) + " := " + string(e) + ";"
	}
	s := FormatParam(name, value)
	return strings.Replace(s, "=", " = ", 1) + ";"
}
