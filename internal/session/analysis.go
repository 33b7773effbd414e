package session

import (
	"fmt"
	"sort"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
	"github.com/san-kum/beamline/internal/lattice"
)

// TwissOptions configures an optics calculation. Init holds the boundary
// conditions at the start of the range (betx, alfx, ...).
type TwissOptions struct {
	Init    map[string]float64
	Columns []string
	Pattern []string
	Range   command.Range
}

// SurveyOptions configures a geometry calculation. Init holds x0, theta0 etc.
type SurveyOptions struct {
	Init    map[string]float64
	Columns []string
}

// MatchOptions describes a matching block. Each constraint is one
// "constraint" statement's parameters.
type MatchOptions struct {
	Init        map[string]float64
	Constraints [][]command.Param
	Vary        []string
	Weight      map[string]float64
	Method      string
	Knobfile    string
}

// sortedParams renders a map in key order so identical requests send
// identical text.
func sortedParams(m map[string]float64) []command.Param {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]command.Param, len(keys))
	for i, k := range keys {
		params[i] = command.P(k, m[k])
	}
	return params
}

// prepare checks that sequence exists, applies the output selection and
// expands the sequence with use. Callers hold s.mu.
func (s *Session) prepare(sequence, flag string, columns, patterns []string) (string, error) {
	if s.closed {
		return "", backend.ErrClosed
	}
	reg := lattice.NewRegistry(locked{s})
	seq, err := reg.Sequence(sequence)
	if err != nil {
		return "", err
	}
	if err := s.exec(command.Format("select", command.P("flag", flag), command.P("clear", true))); err != nil {
		return "", err
	}
	if len(columns) > 0 {
		if err := s.exec(command.Format("select", command.P("flag", flag), command.P("column", columns))); err != nil {
			return "", err
		}
	}
	for _, p := range patterns {
		if err := s.exec(command.Format("select", command.P("flag", flag), command.P("pattern", p))); err != nil {
			return "", err
		}
	}
	// always expanded again: a redefinition drops the engine's expansion
	// without changing the active name
	if err := s.exec(command.Format("use", command.P("sequence", seq.Name()))); err != nil {
		return "", err
	}
	return seq.Name(), nil
}

func (s *Session) readTable(name string) (*lattice.Table, error) {
	data, err := s.b.Table(name)
	if err != nil {
		return nil, err
	}
	t, err := lattice.NewTable(data)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return t, nil
}

// Twiss runs an optics calculation over sequence and returns a fresh table.
// A missing beam is reported by the engine as *backend.PreconditionError.
func (s *Session) Twiss(sequence string, opts TwissOptions) (*lattice.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.prepare(sequence, "twiss", opts.Columns, opts.Pattern)
	if err != nil {
		return nil, err
	}
	params := []command.Param{
		command.P("sequence", name),
		command.P("range", opts.Range),
	}
	params = append(params, sortedParams(opts.Init)...)
	if err := s.exec(command.Format("twiss", params...)); err != nil {
		return nil, err
	}
	return s.readTable("twiss")
}

// Survey computes the floor coordinates of sequence.
func (s *Session) Survey(sequence string, opts SurveyOptions) (*lattice.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.prepare(sequence, "survey", opts.Columns, nil)
	if err != nil {
		return nil, err
	}
	params := append([]command.Param{command.P("sequence", name)}, sortedParams(opts.Init)...)
	if err := s.exec(command.Format("survey", params...)); err != nil {
		return nil, err
	}
	return s.readTable("survey")
}

// Match runs a matching block and returns the final values of the varied
// knobs.
func (s *Session) Match(sequence string, opts MatchOptions) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(opts.Vary) == 0 {
		return nil, fmt.Errorf("session: match needs at least one knob")
	}
	name, err := s.prepare(sequence, "twiss", nil, nil)
	if err != nil {
		return nil, err
	}
	method := opts.Method
	if method == "" {
		method = "lmdif"
	}

	stmts := []string{
		command.Format("match", append([]command.Param{command.P("sequence", name)}, sortedParams(opts.Init)...)...),
	}
	if len(opts.Weight) > 0 {
		stmts = append(stmts, command.Format("weight", sortedParams(opts.Weight)...))
	}
	for _, c := range opts.Constraints {
		stmts = append(stmts, command.Format("constraint", c...))
	}
	for _, v := range opts.Vary {
		stmts = append(stmts, command.Format("vary", command.P("name", v)))
	}
	stmts = append(stmts, command.Format(method))

	for _, stmt := range stmts {
		if err := s.exec(stmt); err != nil {
			// leave the engine outside the match block
			_ = s.exec(command.Format("endmatch"))
			return nil, err
		}
	}
	if err := s.exec(command.Format("endmatch", command.P("knobfile", opts.Knobfile))); err != nil {
		return nil, err
	}

	knobs := make(map[string]float64, len(opts.Vary))
	for _, v := range opts.Vary {
		val, err := s.b.Evaluate(v)
		if err != nil {
			return nil, err
		}
		knobs[v] = val
	}
	return knobs, nil
}
