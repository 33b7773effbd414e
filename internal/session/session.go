// Package session serializes access to one engine and layers the command
// helpers, globals and analysis requests on top of it.
//
// A Session is the only handle callers share. It implements backend.Backend,
// so registry and sequence views built over it re-query the engine through
// the same lock.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
	"github.com/san-kum/beamline/internal/lattice"
)

// CommandLog receives every statement before it is dispatched.
type CommandLog interface {
	Record(session, statement string) error
}

type Option func(*Session)

// WithCommandLog records statements to l before they reach the engine.
func WithCommandLog(l CommandLog) Option {
	return func(s *Session) { s.log = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

type Session struct {
	mu     sync.Mutex
	b      backend.Backend
	id     string
	log    CommandLog
	logger *slog.Logger
	closed bool
}

func New(b backend.Backend, opts ...Option) *Session {
	s := &Session{
		b:      b,
		id:     uuid.NewString(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

// exec records and dispatches text. Callers hold s.mu.
func (s *Session) exec(text string) error {
	if s.closed {
		return backend.ErrClosed
	}
	if s.log != nil {
		if err := s.log.Record(s.id, text); err != nil {
			return fmt.Errorf("session: recording statement: %w", err)
		}
	}
	s.logger.Debug("dispatch", "statement", text)
	if err := s.b.Input(text); err != nil {
		s.logger.Warn("statement failed", "statement", text, "err", err)
		return err
	}
	return nil
}

// Execute sends text to the engine. Engine errors are returned unchanged.
func (s *Session) Execute(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(text)
}

// Input is Execute; it makes Session a backend.Backend.
func (s *Session) Input(text string) error { return s.Execute(text) }

// Command formats and executes one statement.
func (s *Session) Command(name string, params ...command.Param) error {
	return s.Execute(command.Format(name, params...))
}

// Call executes a script file on the engine side.
func (s *Session) Call(path string) error {
	return s.Command("call", command.P("file", path))
}

// Use expands and selects a sequence.
func (s *Session) Use(sequence string) error {
	return s.Command("use", command.P("sequence", sequence))
}

// Select issues "select, flag=<flag>, ...".
func (s *Session) Select(flag string, params ...command.Param) error {
	return s.Command("select", append([]command.Param{command.P("flag", flag)}, params...)...)
}

func (s *Session) Option(params ...command.Param) error {
	return s.Command("option", params...)
}

// Registry returns a read-through view of the engine's sequences.
func (s *Session) Registry() *lattice.Registry {
	return lattice.NewRegistry(s)
}

// SetGlobal defines a global variable: literals are assigned with "=",
// deferred values with ":=". Nothing is sent when the engine already holds
// the same definition.
func (s *Session) SetGlobal(name string, v lattice.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	if cur, err := s.b.Global(name); err == nil && sameDefinition(cur, v) {
		return nil
	}
	if v.IsDeferred() {
		if v.Expr() == "" {
			return &backend.EvaluationError{Message: "empty expression for " + name}
		}
		return s.exec(command.Assign(name, command.Expr(v.Expr())))
	}
	f, _ := v.Float()
	return s.exec(command.Assign(name, f))
}

func sameDefinition(p backend.Param, v lattice.Value) bool {
	if p.IsExpr() != v.IsDeferred() {
		return false
	}
	if v.IsDeferred() {
		return strings.EqualFold(strings.ReplaceAll(p.Expr, " ", ""), strings.ReplaceAll(v.Expr(), " ", ""))
	}
	f, _ := v.Float()
	return p.Value == f
}

func (s *Session) Evaluate(expr string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, backend.ErrClosed
	}
	return s.b.Evaluate(expr)
}

func (s *Session) Global(name string) (backend.Param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.Param{}, backend.ErrClosed
	}
	return s.b.Global(name)
}

func (s *Session) SequenceNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	return s.b.SequenceNames()
}

func (s *Session) Sequence(name string) (backend.SequenceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.SequenceInfo{}, backend.ErrClosed
	}
	return s.b.Sequence(name)
}

func (s *Session) ActiveSequence() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", backend.ErrClosed
	}
	return s.b.ActiveSequence()
}

func (s *Session) Elements(sequence string) ([]backend.ElementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	return s.b.Elements(sequence)
}

func (s *Session) Beam(sequence string) ([]backend.Param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	return s.b.Beam(sequence)
}

func (s *Session) Table(name string) (backend.TableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.TableData{}, backend.ErrClosed
	}
	return s.b.Table(name)
}

func (s *Session) Version() (backend.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.Version{}, backend.ErrClosed
	}
	return s.b.Version()
}

// Close shuts the engine down. Later calls return backend.ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("closing session")
	return s.b.Close()
}

// locked exposes the engine to lattice views while s.mu is already held.
// Statements still go through exec so they are logged.
type locked struct {
	s *Session
}

func (l locked) Input(text string) error { return l.s.exec(text) }

func (l locked) Evaluate(expr string) (float64, error) { return l.s.b.Evaluate(expr) }

func (l locked) SequenceNames() ([]string, error) { return l.s.b.SequenceNames() }

func (l locked) Sequence(name string) (backend.SequenceInfo, error) { return l.s.b.Sequence(name) }

func (l locked) ActiveSequence() (string, error) { return l.s.b.ActiveSequence() }

func (l locked) Elements(seq string) ([]backend.ElementRecord, error) { return l.s.b.Elements(seq) }

func (l locked) Beam(seq string) ([]backend.Param, error) { return l.s.b.Beam(seq) }
