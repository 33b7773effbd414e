package rpc

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/backend/fake"
)

const script = `
	k = 2;
	qp: quadrupole, l=1, k1:=k;
	s1: sequence, l=4, refer=entry;
	qp, at=0;
	qp, at=2;
	endsequence;
`

// TestHelperProcess is the engine side of TestSpawn. It only runs when
// re-executed by the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("BEAMLINE_HELPER") != "1" {
		return
	}
	if err := Serve(os.Stdin, os.Stdout, fake.New()); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func pipeClient(t *testing.T) *Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(reqR, respW, fake.New())
		respW.Close()
	}()
	c := NewClient(respR, reqW)
	t.Cleanup(func() {
		reqW.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return c
}

func exercise(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Input(script))

	v, err := c.Evaluate("k*3")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, v, 1e-12)

	g, err := c.Global("k")
	require.NoError(t, err)
	assert.Equal(t, 2.0, g.Value)
	assert.False(t, g.IsExpr())

	names, err := c.SequenceNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, names)

	info, err := c.Sequence("s1")
	require.NoError(t, err)
	assert.Equal(t, "entry", info.Refer)
	assert.False(t, info.HasBeam)

	recs, err := c.Elements("s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "qp", recs[1].Name)
	var k1 backend.Param
	for _, p := range recs[0].Attrs {
		if p.Name == "k1" {
			k1 = p
		}
	}
	assert.Equal(t, "k", k1.Expr)

	active, err := c.ActiveSequence()
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, c.Input("beam, ex=2; use, sequence=s1; twiss, betx=3, bety=4;"))
	tab, err := c.Table("twiss")
	require.NoError(t, err)
	assert.Equal(t, 3.0, tab.Columns[1].Data[0])
	assert.Equal(t, 2.0, tab.Summary["ex"])

	beam, err := c.Beam("s1")
	require.NoError(t, err)
	assert.NotEmpty(t, beam)

	ver, err := c.Version()
	require.NoError(t, err)
	assert.NotEmpty(t, ver.Release)
}

func TestClient_Pipe(t *testing.T) {
	c := pipeClient(t)
	exercise(t, c)
	require.NoError(t, c.Close())

	err := c.Input("x = 1;")
	assert.ErrorIs(t, err, backend.ErrClosed)
}

func TestClient_Errors(t *testing.T) {
	c := pipeClient(t)
	defer c.Close()
	require.NoError(t, c.Input(script))

	var cmdErr *backend.CommandError
	err := c.Input("bogus;")
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "bogus;", cmdErr.Command)

	var nf *backend.NotFoundError
	_, err = c.Sequence("nope")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "sequence", nf.Kind)
	assert.Equal(t, "nope", nf.Name)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	var evalErr *backend.EvaluationError
	_, err = c.Evaluate("undefined_symbol")
	require.ErrorAs(t, err, &evalErr)

	var pre *backend.PreconditionError
	err = c.Input("use, sequence=s1; twiss;")
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "s1", pre.Sequence)
}

func TestClient_Stopped(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		// answer nothing and hang up
		io.Copy(io.Discard, reqR)
	}()
	respW.Close()
	c := NewClient(respR, reqW)

	err := c.Input("x = 1;")
	assert.ErrorIs(t, err, backend.ErrStopped)
	_, err = c.Evaluate("x")
	assert.ErrorIs(t, err, backend.ErrStopped)
	reqW.Close()
}

func TestServe_UnknownMethod(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go Serve(reqR, respW, fake.New())

	c := NewClient(respR, reqW)
	err := c.call("frobnicate", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "frobnicate")
	reqW.Close()
}

func TestSpawn(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := Spawn(ctx, SpawnConfig{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess"},
		Env:  []string{"BEAMLINE_HELPER=1"},
	})
	require.NoError(t, err)
	exercise(t, c)
	assert.NoError(t, c.Close())
}
