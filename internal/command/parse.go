package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Arg is one parsed parameter. Op is "=", ":=", ">", "<" or "" for a bare
// flag; Negated is set for "-flag".
type Arg struct {
	Key     string
	Op      string
	Value   string
	Negated bool
}

// Float parses the value as a plain number.
func (a Arg) Float() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(a.Value), 64)
	return v, err == nil
}

// Statement is a parsed statement. Assignments ("x = 1;", "x := a*b;") have
// Name set to the variable, Op to the operator and Value to the right-hand
// side; commands have Args. Label holds the "label:" prefix of definitions.
type Statement struct {
	Label string
	Name  string
	Op    string
	Value string
	Args  []Arg
}

// IsAssignment reports whether the statement assigns a global.
func (s Statement) IsAssignment() bool { return s.Op != "" }

// Arg returns the first argument named key.
func (s Statement) Arg(key string) (Arg, bool) {
	key = strings.ToLower(key)
	for _, a := range s.Args {
		if a.Key == key {
			return a, true
		}
	}
	return Arg{}, false
}

// Parse dissects a single statement. Names and keys are lower-cased, values
// are kept verbatim (minus surrounding quotes).
func Parse(stmt string) (Statement, error) {
	text := strings.TrimSpace(stmt)
	text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	if text == "" {
		return Statement{}, fmt.Errorf("%w: empty statement", ErrSyntax)
	}

	parts, err := splitTopLevel(text, ',')
	if err != nil {
		return Statement{}, err
	}
	head := strings.TrimSpace(parts[0])

	var st Statement
	if op, lhs, rhs, ok := assignment(head); ok && len(parts) == 1 {
		st.Name = strings.ToLower(lhs)
		st.Op = op
		st.Value = rhs
		if !isIdent(st.Name) {
			return Statement{}, fmt.Errorf("%w: bad variable name %q", ErrSyntax, lhs)
		}
		return st, nil
	}

	if i := labelColon(head); i >= 0 {
		st.Label = strings.ToLower(strings.TrimSpace(head[:i]))
		head = strings.TrimSpace(head[i+1:])
	}
	st.Name = strings.ToLower(head)
	if !isIdent(st.Name) {
		return Statement{}, fmt.Errorf("%w: bad command name %q", ErrSyntax, head)
	}

	for _, raw := range parts[1:] {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		a, err := parseArg(raw)
		if err != nil {
			return Statement{}, err
		}
		st.Args = append(st.Args, a)
	}
	return st, nil
}

func parseArg(raw string) (Arg, error) {
	if op, lhs, rhs, ok := assignment(raw); ok {
		return Arg{Key: strings.ToLower(lhs), Op: op, Value: unquote(rhs)}, nil
	}
	for _, op := range []string{">", "<"} {
		if i := strings.Index(raw, op); i > 0 {
			return Arg{
				Key:   strings.ToLower(strings.TrimSpace(raw[:i])),
				Op:    op,
				Value: strings.TrimSpace(raw[i+1:]),
			}, nil
		}
	}
	a := Arg{Key: strings.ToLower(raw)}
	if strings.HasPrefix(a.Key, "-") {
		a.Key = strings.TrimSpace(a.Key[1:])
		a.Negated = true
	}
	if !isIdent(a.Key) {
		return Arg{}, fmt.Errorf("%w: bad flag %q", ErrSyntax, raw)
	}
	return a, nil
}

// assignment splits "lhs := rhs" or "lhs = rhs".
func assignment(s string) (op, lhs, rhs string, ok bool) {
	if i := strings.Index(s, ":="); i > 0 {
		return ":=", strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+2:]), true
	}
	if i := strings.Index(s, "="); i > 0 {
		return "=", strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
	}
	return "", "", "", false
}

// labelColon finds the ":" of a "label: command" head, ignoring ":=".
func labelColon(s string) int {
	i := strings.Index(s, ":")
	if i <= 0 || strings.HasPrefix(s[i:], ":=") {
		return -1
	}
	return i
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c == '_', c == '.', c == '$', c == '#':
		case (c >= '0' && c <= '9') && i > 0:
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
