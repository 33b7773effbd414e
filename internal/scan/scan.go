// Package scan runs one analysis per value of a global variable. Every point
// gets its own engine session, so points run in parallel.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/san-kum/beamline/internal/lattice"
	"github.com/san-kum/beamline/internal/session"
)

var (
	ErrNoValues = errors.New("scan: no values to scan")
	ErrCanceled = errors.New("scan: canceled by context")
)

// PointError wraps a failure with the point it happened at.
type PointError struct {
	Index   int
	Value   float64
	Wrapped error
}

func (e *PointError) Error() string {
	return fmt.Sprintf("scan point %d (%g): %v", e.Index, e.Value, e.Wrapped)
}

func (e *PointError) Unwrap() error {
	return e.Wrapped
}

// Factory opens a fresh session with the lattice already loaded.
type Factory func() (*session.Session, error)

type Config struct {
	// Variable is the global that is set to each value in turn.
	Variable string
	Sequence string
	Twiss    session.TwissOptions
	// Workers bounds the number of concurrent sessions; <= 0 means 4.
	Workers int
	Logger  *slog.Logger
}

// Point is the twiss summary at one value.
type Point struct {
	Value   float64
	Summary map[string]float64
}

// Linspace returns n evenly spaced values from first to last inclusive.
func Linspace(first, last float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{first}
	}
	out := make([]float64, n)
	step := (last - first) / float64(n-1)
	for i := range out {
		out[i] = first + float64(i)*step
	}
	out[n-1] = last
	return out
}

// Run evaluates every value and returns the points in input order. The
// first failing point's error is returned and the rest are discarded.
func Run(ctx context.Context, open Factory, cfg Config, values []float64) ([]Point, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	workers = min(workers, len(values))
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	points := make([]Point, len(values))
	errs := make([]error, len(values))
	next := make(chan int)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range next {
				points[idx], errs[idx] = runPoint(ctx, open, cfg, values[idx])
				if errs[idx] != nil {
					errs[idx] = &PointError{Index: idx, Value: values[idx], Wrapped: errs[idx]}
				}
				logger.Debug("scan point", "index", idx, "value", values[idx], "err", errs[idx])
			}
		}()
	}

feed:
	for i := range values {
		select {
		case next <- i:
		case <-ctx.Done():
			for j := i; j < len(values); j++ {
				errs[j] = &PointError{Index: j, Value: values[j], Wrapped: ErrCanceled}
			}
			break feed
		}
	}
	close(next)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return points, nil
}

func runPoint(ctx context.Context, open Factory, cfg Config, v float64) (Point, error) {
	if ctx.Err() != nil {
		return Point{}, ErrCanceled
	}
	s, err := open()
	if err != nil {
		return Point{}, err
	}
	defer s.Close()

	if err := s.SetGlobal(cfg.Variable, lattice.Literal(v)); err != nil {
		return Point{}, err
	}
	t, err := s.Twiss(cfg.Sequence, cfg.Twiss)
	if err != nil {
		return Point{}, err
	}
	return Point{Value: v, Summary: t.Summary()}, nil
}
