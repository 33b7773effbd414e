package viz

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/beamline/internal/lattice"
)

// Braille cells hold 2x4 dots:
// 1 4
// 2 5
// 3 6
// 7 8
var dotBits = [4][2]rune{
	{0x1, 0x8},
	{0x2, 0x10},
	{0x4, 0x20},
	{0x40, 0x80},
}

const brailleBlank = 0x2800

// Canvas is a dot grid of Width*2 x Height*4 sub-pixels.
type Canvas struct {
	Width, Height int
	grid          [][]rune
}

func NewCanvas(w, h int) *Canvas {
	c := &Canvas{Width: w, Height: h, grid: make([][]rune, h)}
	for i := range c.grid {
		c.grid[i] = []rune(strings.Repeat(string(rune(brailleBlank)), w))
	}
	return c
}

// Set turns on the dot at sub-pixel (x, y); points off the canvas are
// ignored.
func (c *Canvas) Set(x, y int) {
	if x < 0 || y < 0 {
		return
	}
	col, row := x/2, y/4
	if col >= c.Width || row >= c.Height {
		return
	}
	c.grid[row][col] |= dotBits[y%4][x%2]
}

// DrawLine draws a line using Bresenham's algorithm
func (c *Canvas) DrawLine(x0, y0, x1, y1 int) {
	dx, dy := absInt(x1-x0), absInt(y1-y0)
	sx, sy := -1, -1
	if x0 < x1 {
		sx = 1
	}
	if y0 < y1 {
		sy = 1
	}
	err := dx - dy
	for {
		c.Set(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x0 += sx
		}
		if e2 < dx {
			err += dx
			y0 += sy
		}
	}
}

func (c *Canvas) String() string {
	var b strings.Builder
	for _, row := range c.grid {
		b.WriteString(string(row))
		b.WriteByte('\n')
	}
	return b.String()
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Floor draws the survey path (z horizontally, x vertically) of a survey
// table into a width x height cell canvas. Both axes share one scale so
// bends keep their shape.
func Floor(t *lattice.Table, width, height int) (string, error) {
	zs, err := t.Column("z")
	if err != nil {
		return "", err
	}
	xs, err := t.Column("x")
	if err != nil {
		return "", err
	}
	if len(zs) == 0 {
		return "", fmt.Errorf("viz: %s has no rows", t.Name())
	}

	zmin, zmax := bounds(zs)
	xmin, xmax := bounds(xs)
	pw, ph := float64(width*2-1), float64(height*4-1)
	scale := math.Inf(1)
	if zmax > zmin {
		scale = pw / (zmax - zmin)
	}
	if xmax > xmin {
		scale = math.Min(scale, ph/(xmax-xmin))
	}
	if math.IsInf(scale, 1) {
		scale = 1
	}

	c := NewCanvas(width, height)
	point := func(i int) (int, int) {
		px := int(math.Round((zs[i] - zmin) * scale))
		// x grows upwards
		py := int(math.Round(ph - (xs[i]-xmin)*scale))
		return px, py
	}
	x0, y0 := point(0)
	c.Set(x0, y0)
	for i := 1; i < len(zs); i++ {
		x1, y1 := point(i)
		c.DrawLine(x0, y0, x1, y1)
		x0, y0 = x1, y1
	}
	return c.String(), nil
}

func bounds(v []float64) (lo, hi float64) {
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
