package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/san-kum/beamline/internal/backend"
)

// Serve answers requests from r on w using b until r is exhausted or a
// close request arrives.
func Serve(r io.Reader, w io.Writer, b backend.Backend) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("rpc: reading request: %w", err)
		}
		result, err := dispatch(b, req)
		resp := response{ID: req.ID, Error: encodeError(err)}
		if err == nil && result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = encodeError(merr)
			} else {
				resp.Result = raw
			}
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("rpc: writing response: %w", err)
		}
		if req.Method == methodClose {
			return nil
		}
	}
}

func params[T any](req request) (T, error) {
	var p T
	if len(req.Params) == 0 {
		return p, fmt.Errorf("rpc: %s: missing params", req.Method)
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, fmt.Errorf("rpc: %s: %w", req.Method, err)
	}
	return p, nil
}

func dispatch(b backend.Backend, req request) (any, error) {
	switch req.Method {
	case methodInput:
		p, err := params[textParams](req)
		if err != nil {
			return nil, err
		}
		return nil, b.Input(p.Text)
	case methodEvaluate:
		p, err := params[exprParams](req)
		if err != nil {
			return nil, err
		}
		return b.Evaluate(p.Expr)
	case methodGlobal:
		p, err := params[nameParams](req)
		if err != nil {
			return nil, err
		}
		return b.Global(p.Name)
	case methodSequenceNames:
		return b.SequenceNames()
	case methodSequence:
		p, err := params[nameParams](req)
		if err != nil {
			return nil, err
		}
		return b.Sequence(p.Name)
	case methodActiveSequence:
		return b.ActiveSequence()
	case methodElements:
		p, err := params[nameParams](req)
		if err != nil {
			return nil, err
		}
		return b.Elements(p.Name)
	case methodBeam:
		p, err := params[nameParams](req)
		if err != nil {
			return nil, err
		}
		return b.Beam(p.Name)
	case methodTable:
		p, err := params[nameParams](req)
		if err != nil {
			return nil, err
		}
		return b.Table(p.Name)
	case methodVersion:
		return b.Version()
	case methodClose:
		return nil, b.Close()
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", req.Method)
	}
}
