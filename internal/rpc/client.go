package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/san-kum/beamline/internal/backend"
)

// Client is a backend.Backend talking to a remote engine. Requests are
// serialized; one request is in flight at a time.
type Client struct {
	mu      sync.Mutex
	enc     *json.Encoder
	dec     *json.Decoder
	next    uint64
	stopped error

	cmd    *exec.Cmd
	stdin  io.Closer
	stderr sync.WaitGroup
}

var _ backend.Backend = (*Client)(nil)

// NewClient speaks the protocol over r and w.
func NewClient(r io.Reader, w io.Writer) *Client {
	return &Client{enc: json.NewEncoder(w), dec: json.NewDecoder(r)}
}

// SpawnConfig describes the engine subprocess.
type SpawnConfig struct {
	Path   string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

// Spawn starts the engine and connects to its stdin/stdout. The engine's
// stderr is forwarded line by line to the logger.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rpc: starting %s: %w", cfg.Path, err)
	}
	logger.Info("engine started", "path", cfg.Path, "pid", cmd.Process.Pid)

	c := NewClient(stdout, stdin)
	c.cmd = cmd
	c.stdin = stdin
	c.stderr.Add(1)
	go func() {
		defer c.stderr.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Info("engine", "line", sc.Text())
		}
	}()
	return c, nil
}

func (c *Client) call(method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(method, params, result)
}

func (c *Client) callLocked(method string, params, result any) error {
	if c.stopped != nil {
		return c.stopped
	}
	c.next++
	req := request{ID: c.next, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: encoding %s params: %w", method, err)
		}
		req.Params = raw
	}
	if err := c.enc.Encode(req); err != nil {
		c.stopped = fmt.Errorf("%w: %v", backend.ErrStopped, err)
		return c.stopped
	}
	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		c.stopped = fmt.Errorf("%w: %v", backend.ErrStopped, err)
		return c.stopped
	}
	if resp.ID != req.ID {
		c.stopped = fmt.Errorf("%w: response id %d for request %d", backend.ErrStopped, resp.ID, req.ID)
		return c.stopped
	}
	if resp.Error != nil {
		return resp.Error.decode()
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("rpc: decoding %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) Input(text string) error {
	return c.call(methodInput, textParams{Text: text}, nil)
}

func (c *Client) Evaluate(expr string) (float64, error) {
	var v float64
	err := c.call(methodEvaluate, exprParams{Expr: expr}, &v)
	return v, err
}

func (c *Client) Global(name string) (backend.Param, error) {
	var p backend.Param
	err := c.call(methodGlobal, nameParams{Name: name}, &p)
	return p, err
}

func (c *Client) SequenceNames() ([]string, error) {
	var names []string
	err := c.call(methodSequenceNames, nil, &names)
	return names, err
}

func (c *Client) Sequence(name string) (backend.SequenceInfo, error) {
	var info backend.SequenceInfo
	err := c.call(methodSequence, nameParams{Name: name}, &info)
	return info, err
}

func (c *Client) ActiveSequence() (string, error) {
	var name string
	err := c.call(methodActiveSequence, nil, &name)
	return name, err
}

func (c *Client) Elements(sequence string) ([]backend.ElementRecord, error) {
	var recs []backend.ElementRecord
	err := c.call(methodElements, nameParams{Name: sequence}, &recs)
	return recs, err
}

func (c *Client) Beam(sequence string) ([]backend.Param, error) {
	var params []backend.Param
	err := c.call(methodBeam, nameParams{Name: sequence}, &params)
	return params, err
}

func (c *Client) Table(name string) (backend.TableData, error) {
	var t backend.TableData
	err := c.call(methodTable, nameParams{Name: name}, &t)
	return t, err
}

func (c *Client) Version() (backend.Version, error) {
	var v backend.Version
	err := c.call(methodVersion, nil, &v)
	return v, err
}

// Close asks the engine to shut down and, for spawned engines, waits for
// the process to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.callLocked(methodClose, nil, nil)
	if errors.Is(err, backend.ErrStopped) {
		err = nil
	}
	c.stopped = backend.ErrClosed
	if c.cmd == nil {
		return err
	}
	c.stdin.Close()
	c.stderr.Wait()
	if werr := c.cmd.Wait(); werr != nil && err == nil {
		err = fmt.Errorf("rpc: engine exit: %w", werr)
	}
	return err
}
