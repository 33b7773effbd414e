package backend

import (
	"errors"
	"fmt"
)

// Domain errors reported by an engine session.
var (
	// ErrNotFound indicates a sequence, element, table or global that the
	// engine does not currently hold.
	ErrNotFound = errors.New("backend: not found")

	// ErrStopped indicates the engine process exited or its pipe broke.
	ErrStopped = errors.New("backend: engine has stopped working")

	// ErrClosed indicates use of a session after Close.
	ErrClosed = errors.New("backend: session closed")
)

// NotFoundError names the missing object. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backend: unknown %s: %q", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CommandError is a syntax or semantic rejection of one statement.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("backend: command rejected: %s (%s)", e.Message, e.Command)
}

// EvaluationError is raised when a formula cannot be evaluated, typically
// because it references an undefined symbol.
type EvaluationError struct {
	Expr    string
	Message string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("backend: cannot evaluate %q: %s", e.Expr, e.Message)
}

// PreconditionError reports an analysis request issued before the setup it
// needs, e.g. a sequence without a beam.
type PreconditionError struct {
	Sequence string
	Message  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("backend: sequence %q: %s", e.Sequence, e.Message)
}
