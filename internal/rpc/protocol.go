// Package rpc carries backend.Backend calls over a line-delimited JSON
// stream, typically the stdin/stdout of an engine subprocess.
//
//	-> {"id":1,"method":"input","params":{"text":"twiss;"}}
//	<- {"id":1,"error":{"kind":"precondition","subject":"s1","message":"no beam attached"}}
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/san-kum/beamline/internal/backend"
)

const (
	methodInput          = "input"
	methodEvaluate       = "evaluate"
	methodGlobal         = "global"
	methodSequenceNames  = "sequence_names"
	methodSequence       = "sequence"
	methodActiveSequence = "active_sequence"
	methodElements       = "elements"
	methodBeam           = "beam"
	methodTable          = "table"
	methodVersion        = "version"
	methodClose          = "close"
)

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type textParams struct {
	Text string `json:"text"`
}

type exprParams struct {
	Expr string `json:"expr"`
}

type nameParams struct {
	Name string `json:"name"`
}

// wireError carries the backend error taxonomy across the stream.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

const (
	kindNotFound     = "not_found"
	kindCommand      = "command"
	kindEvaluation   = "evaluation"
	kindPrecondition = "precondition"
	kindClosed       = "closed"
	kindInternal     = "internal"
)

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	var (
		nf   *backend.NotFoundError
		cmd  *backend.CommandError
		eval *backend.EvaluationError
		pre  *backend.PreconditionError
	)
	switch {
	case errors.As(err, &nf):
		return &wireError{Kind: kindNotFound, Subject: nf.Kind, Detail: nf.Name, Message: err.Error()}
	case errors.As(err, &cmd):
		return &wireError{Kind: kindCommand, Detail: cmd.Command, Message: cmd.Message}
	case errors.As(err, &eval):
		return &wireError{Kind: kindEvaluation, Detail: eval.Expr, Message: eval.Message}
	case errors.As(err, &pre):
		return &wireError{Kind: kindPrecondition, Subject: pre.Sequence, Message: pre.Message}
	case errors.Is(err, backend.ErrNotFound):
		return &wireError{Kind: kindNotFound, Message: err.Error()}
	case errors.Is(err, backend.ErrClosed):
		return &wireError{Kind: kindClosed, Message: err.Error()}
	default:
		return &wireError{Kind: kindInternal, Message: err.Error()}
	}
}

// decode rebuilds the typed error on the client side.
func (w *wireError) decode() error {
	switch w.Kind {
	case kindNotFound:
		if w.Subject == "" {
			return backend.ErrNotFound
		}
		return &backend.NotFoundError{Kind: w.Subject, Name: w.Detail}
	case kindCommand:
		return &backend.CommandError{Command: w.Detail, Message: w.Message}
	case kindEvaluation:
		return &backend.EvaluationError{Expr: w.Detail, Message: w.Message}
	case kindPrecondition:
		return &backend.PreconditionError{Sequence: w.Subject, Message: w.Message}
	case kindClosed:
		return backend.ErrClosed
	default:
		return &RemoteError{Message: w.Message}
	}
}

// RemoteError is an engine failure outside the backend taxonomy.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "rpc: remote: " + e.Message }
