package fake

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/san-kum/beamline/internal/backend"
)

const maxDepth = 64

var constants = map[string]float64{
	"pi":     math.Pi,
	"twopi":  2 * math.Pi,
	"degrad": 180 / math.Pi,
	"raddeg": math.Pi / 180,
	"e":      math.E,
	"clight": 299792458,
}

var functions = map[string]func(float64) float64{
	"sqrt": math.Sqrt,
	"abs":  math.Abs,
	"sin":  math.Sin,
	"cos":  math.Cos,
	"tan":  math.Tan,
	"asin": math.Asin,
	"acos": math.Acos,
	"atan": math.Atan,
	"exp":  math.Exp,
	"log":  math.Log,
}

// lookup resolves a symbol during evaluation.
type lookup func(name string, depth int) (float64, error)

type parser struct {
	src   string
	pos   int
	depth int
	sym   lookup
}

func evaluate(expr string, depth int, sym lookup) (float64, error) {
	if depth > maxDepth {
		return 0, &backend.EvaluationError{Expr: expr, Message: "recursive definition"}
	}
	p := &parser{src: strings.ToLower(expr), depth: depth, sym: sym}
	v, err := p.sum()
	if err != nil {
		return 0, wrapEval(expr, err)
	}
	p.skip()
	if p.pos != len(p.src) {
		return 0, &backend.EvaluationError{Expr: expr, Message: fmt.Sprintf("unexpected %q", p.src[p.pos:])}
	}
	return v, nil
}

func wrapEval(expr string, err error) error {
	if _, ok := err.(*backend.EvaluationError); ok {
		return err
	}
	return &backend.EvaluationError{Expr: expr, Message: err.Error()}
}

func (p *parser) skip() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skip()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) sum() (float64, error) {
	v, err := p.product()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.product()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.product()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *parser) product() (float64, error) {
	v, err := p.power()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			v *= r
		case '/':
			p.pos++
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		default:
			return v, nil
		}
	}
}

func (p *parser) power() (float64, error) {
	base, err := p.unary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.power()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *parser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.atom()
}

func (p *parser) atom() (float64, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.sum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing )")
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.number()
	case isSymbolStart(c):
		name := p.ident()
		if fn, ok := functions[name]; ok && p.peek() == '(' {
			p.pos++
			arg, err := p.sum()
			if err != nil {
				return 0, err
			}
			if p.peek() != ')' {
				return 0, fmt.Errorf("missing ) after %s", name)
			}
			p.pos++
			return fn(arg), nil
		}
		return p.sym(name, p.depth+1)
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected %q", string(c))
	}
}

func (p *parser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		if (c == 'e' || c == 'd') && p.pos+1 < len(p.src) {
			next := p.src[p.pos+1]
			if next >= '0' && next <= '9' || next == '-' || next == '+' {
				p.pos += 2
				continue
			}
		}
		break
	}
	text := strings.ReplaceAll(p.src[start:p.pos], "d", "e")
	return strconv.ParseFloat(text, 64)
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && isSymbolPart(p.src[p.pos]) {
		p.pos++
	}
	// element attribute references (qp->k1) read as one symbol
	if strings.HasPrefix(p.src[p.pos:], "->") {
		p.pos += 2
		for p.pos < len(p.src) && isSymbolPart(p.src[p.pos]) {
			p.pos++
		}
	}
	return p.src[start:p.pos]
}

func isSymbolStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c == '_'
}

func isSymbolPart(c byte) bool {
	return isSymbolStart(c) || c >= '0' && c <= '9' || c == '.' || c == '$'
}
