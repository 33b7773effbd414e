// Package fake is an in-memory engine that understands enough of the
// statement language to define constants, elements, sequences and beams,
// and to run a thin-lens optics calculation. The command line runs it when
// --backend is empty, and its hidden engine command serves it over stdio.
package fake

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
)

var baseTypes = map[string]bool{
	"drift": true, "marker": true, "monitor": true, "instrument": true,
	"placeholder": true, "quadrupole": true, "sextupole": true,
	"octupole": true, "multipole": true, "sbend": true, "rbend": true,
	"kicker": true, "hkicker": true, "vkicker": true, "tkicker": true,
	"rfcavity": true, "solenoid": true, "collimator": true, "ecollimator": true,
	"rcollimator": true, "srotation": true, "yrotation": true,
}

var noops = map[string]bool{
	"select": true, "option": true, "title": true, "show": true,
	"set": true, "value": true, "assign": true, "print": true,
	"weight": true, "lmdif": true, "migrad": true, "simplex": true,
	"jacobian": true, "global": true,
}

var beamDefaults = []backend.Param{
	{Name: "energy", Value: 1},
	{Name: "ex", Value: 1},
	{Name: "ey", Value: 1},
}

type attr struct {
	name  string
	value float64
	expr  string
}

type definition struct {
	typ   string
	attrs []attr
}

func (d *definition) set(a attr) {
	for i := range d.attrs {
		if d.attrs[i].name == a.name {
			d.attrs[i] = a
			return
		}
	}
	d.attrs = append(d.attrs, a)
}

func (d *definition) get(name string) (attr, bool) {
	for _, a := range d.attrs {
		if a.name == name {
			return a, true
		}
	}
	return attr{}, false
}

func (d *definition) clone() *definition {
	return &definition{typ: d.typ, attrs: append([]attr(nil), d.attrs...)}
}

type placement struct {
	name string
	def  *definition
	at   attr
}

type sequence struct {
	name   string
	length attr
	refer  string
	nodes  []placement
}

type matchState struct {
	sequence string
	vary     []string
}

// Engine is a concurrency-safe in-memory backend.Backend.
type Engine struct {
	mu      sync.Mutex
	globals map[string]attr
	defs    map[string]*definition
	seqs    map[string]*sequence
	order   []string
	beams   map[string][]backend.Param
	used    map[string]bool
	active  string
	tables  map[string]backend.TableData
	open    *sequence
	match   *matchState
	history []string
	closed  bool
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		globals: make(map[string]attr),
		defs:    make(map[string]*definition),
		seqs:    make(map[string]*sequence),
		beams:   make(map[string][]backend.Param),
		used:    make(map[string]bool),
		tables:  make(map[string]backend.TableData),
	}
}

// History returns every statement the engine accepted or rejected, in order.
func (e *Engine) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

func (e *Engine) Input(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return backend.ErrClosed
	}
	return e.input(text)
}

func (e *Engine) input(text string) error {
	for _, stmt := range command.Split(text) {
		e.history = append(e.history, stmt)
		if err := e.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func reject(stmt, format string, args ...any) error {
	return &backend.CommandError{Command: stmt, Message: fmt.Sprintf(format, args...)}
}

func (e *Engine) exec(stmt string) error {
	st, err := command.Parse(stmt)
	if err != nil {
		return reject(stmt, "%v", err)
	}
	if st.IsAssignment() {
		return e.assign(stmt, st)
	}
	if e.open != nil && st.Name != "endsequence" {
		return e.place(stmt, st)
	}
	if e.match != nil {
		return e.matchStatement(stmt, st)
	}

	switch st.Name {
	case "sequence":
		return e.beginSequence(stmt, st)
	case "endsequence":
		if e.open == nil {
			return reject(stmt, "no open sequence")
		}
		e.endSequence()
		return nil
	case "beam":
		return e.beam(stmt, st)
	case "use":
		return e.use(stmt, st)
	case "call":
		a, ok := st.Arg("file")
		if !ok {
			return reject(stmt, "missing file")
		}
		data, err := os.ReadFile(a.Value)
		if err != nil {
			return reject(stmt, "%v", err)
		}
		return e.input(string(data))
	case "twiss":
		return e.twiss(stmt, st)
	case "survey":
		return e.survey(stmt, st)
	case "match":
		return e.beginMatch(stmt, st)
	case "stop", "exit", "quit":
		e.closed = true
		return nil
	}
	if noops[st.Name] {
		return nil
	}
	if st.Label != "" {
		return e.define(stmt, st)
	}
	if def, ok := e.defs[st.Name]; ok {
		return e.applyArgs(def, st.Args)
	}
	return reject(stmt, "unknown command %q", st.Name)
}

func (e *Engine) assign(stmt string, st command.Statement) error {
	if st.Op == ":=" {
		v, _ := e.eval(st.Value, 0)
		e.globals[st.Name] = attr{name: st.Name, value: v, expr: st.Value}
		return nil
	}
	v, err := e.eval(st.Value, 0)
	if err != nil {
		return err
	}
	e.globals[st.Name] = attr{name: st.Name, value: v}
	return nil
}

// makeAttr turns a parsed argument into a stored attribute. "=" evaluates
// now, ":=" keeps the formula.
func (e *Engine) makeAttr(a command.Arg) (attr, error) {
	if a.Op == ":=" {
		v, _ := e.eval(a.Value, 0)
		return attr{name: a.Key, value: v, expr: a.Value}, nil
	}
	if v, ok := a.Float(); ok {
		return attr{name: a.Key, value: v}, nil
	}
	v, err := e.eval(a.Value, 0)
	if err != nil {
		return attr{}, err
	}
	return attr{name: a.Key, value: v}, nil
}

func (e *Engine) applyArgs(def *definition, args []command.Arg) error {
	for _, a := range args {
		if a.Op != "=" && a.Op != ":=" {
			continue
		}
		at, err := e.makeAttr(a)
		if err != nil {
			return err
		}
		def.set(at)
	}
	return nil
}

// resolve returns a fresh definition for class, which is either a base type
// or a previously defined element.
func (e *Engine) resolve(class string) (*definition, bool) {
	if baseTypes[class] {
		return &definition{typ: class}, true
	}
	if parent, ok := e.defs[class]; ok {
		return parent.clone(), true
	}
	return nil, false
}

func (e *Engine) define(stmt string, st command.Statement) error {
	def, ok := e.resolve(st.Name)
	if !ok {
		return reject(stmt, "unknown element class %q", st.Name)
	}
	if err := e.applyArgs(def, st.Args); err != nil {
		return err
	}
	e.defs[st.Label] = def
	return nil
}

func (e *Engine) beginSequence(stmt string, st command.Statement) error {
	if st.Label == "" {
		return reject(stmt, "sequence needs a label")
	}
	seq := &sequence{name: st.Label, refer: "centre"}
	for _, a := range st.Args {
		switch a.Key {
		case "l":
			at, err := e.makeAttr(a)
			if err != nil {
				return err
			}
			seq.length = at
		case "refer":
			switch strings.ToLower(a.Value) {
			case "entry", "exit":
				seq.refer = strings.ToLower(a.Value)
			case "centre", "center":
				seq.refer = "centre"
			default:
				return reject(stmt, "bad refer %q", a.Value)
			}
		}
	}
	e.open = seq
	return nil
}

func (e *Engine) place(stmt string, st command.Statement) error {
	if st.Name == "sequence" {
		return reject(stmt, "sequence %s is still open", e.open.name)
	}
	def, ok := e.resolve(st.Name)
	if !ok {
		return reject(stmt, "unknown element class %q", st.Name)
	}
	// a bare placement shares its class so later edits of the class show up
	if shared, ok := e.defs[st.Name]; ok && st.Label == "" && onlyPosition(st.Args) {
		def = shared
	}
	name := st.Name
	if st.Label != "" {
		name = st.Label
	}
	p := placement{name: name, def: def}
	hasAt := false
	for _, a := range st.Args {
		if a.Op != "=" && a.Op != ":=" {
			continue
		}
		at, err := e.makeAttr(a)
		if err != nil {
			return err
		}
		if a.Key == "at" {
			p.at = at
			hasAt = true
			continue
		}
		def.set(at)
	}
	if !hasAt {
		return reject(stmt, "placement of %s needs at", name)
	}
	if st.Label != "" {
		e.defs[st.Label] = def
	}
	e.open.nodes = append(e.open.nodes, p)
	return nil
}

func onlyPosition(args []command.Arg) bool {
	for _, a := range args {
		if a.Key != "at" && a.Key != "from" {
			return false
		}
	}
	return true
}

func (e *Engine) endSequence() {
	seq := e.open
	e.open = nil
	if _, exists := e.seqs[seq.name]; !exists {
		e.order = append(e.order, seq.name)
	}
	e.seqs[seq.name] = seq
	delete(e.used, seq.name)
	if e.active == seq.name {
		e.active = ""
	}
}

func (e *Engine) beam(stmt string, st command.Statement) error {
	target := ""
	params := append([]backend.Param(nil), beamDefaults...)
	for _, a := range st.Args {
		switch {
		case a.Key == "sequence":
			target = strings.ToLower(a.Value)
			continue
		case a.Key == "particle", a.Op == "":
			continue
		}
		at, err := e.makeAttr(a)
		if err != nil {
			return err
		}
		params = setParam(params, backend.Param{Name: at.name, Value: at.value, Expr: at.expr})
	}
	if target != "" {
		if _, ok := e.seqs[target]; !ok {
			return reject(stmt, "unknown sequence %q", target)
		}
	}
	e.beams[target] = params
	return nil
}

func setParam(params []backend.Param, p backend.Param) []backend.Param {
	for i := range params {
		if params[i].Name == p.Name {
			params[i] = p
			return params
		}
	}
	return append(params, p)
}

func (e *Engine) use(stmt string, st command.Statement) error {
	a, ok := st.Arg("sequence")
	if !ok {
		a, ok = st.Arg("period")
	}
	if !ok {
		return reject(stmt, "missing sequence")
	}
	name := strings.ToLower(a.Value)
	if _, ok := e.seqs[name]; !ok {
		return reject(stmt, "unknown sequence %q", name)
	}
	e.active = name
	e.used[name] = true
	return nil
}

func (e *Engine) beginMatch(stmt string, st command.Statement) error {
	m := &matchState{}
	if a, ok := st.Arg("sequence"); ok {
		m.sequence = strings.ToLower(a.Value)
	} else {
		m.sequence = e.active
	}
	if _, ok := e.seqs[m.sequence]; !ok {
		return reject(stmt, "unknown sequence %q", m.sequence)
	}
	e.match = m
	return nil
}

func (e *Engine) matchStatement(stmt string, st command.Statement) error {
	switch st.Name {
	case "vary":
		a, ok := st.Arg("name")
		if !ok {
			return reject(stmt, "vary needs name")
		}
		name := strings.ToLower(a.Value)
		if _, ok := e.globals[name]; !ok {
			e.globals[name] = attr{name: name}
		}
		e.match.vary = append(e.match.vary, name)
		return nil
	case "constraint":
		return nil
	case "endmatch":
		m := e.match
		e.match = nil
		e.globals["tar"] = attr{name: "tar"}
		if a, ok := st.Arg("knobfile"); ok {
			return e.writeKnobs(stmt, a.Value, m.vary)
		}
		return nil
	}
	if noops[st.Name] {
		return nil
	}
	return reject(stmt, "%s is not allowed inside match", st.Name)
}

func (e *Engine) writeKnobs(stmt, path string, names []string) error {
	var b strings.Builder
	for _, n := range names {
		v, _ := e.eval(n, 0)
		b.WriteString(command.Assign(n, v))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return reject(stmt, "%v", err)
	}
	return nil
}

func (e *Engine) eval(expr string, depth int) (float64, error) {
	return evaluate(expr, depth, e.symbol)
}

func (e *Engine) symbol(name string, depth int) (float64, error) {
	if i := strings.Index(name, "->"); i > 0 {
		def, ok := e.defs[name[:i]]
		if !ok {
			return 0, &backend.EvaluationError{Expr: name, Message: "undefined element"}
		}
		a, ok := def.get(name[i+2:])
		if !ok {
			return 0, nil
		}
		return e.attrValue(a, depth)
	}
	if g, ok := e.globals[name]; ok {
		return e.attrValue(g, depth)
	}
	if v, ok := constants[name]; ok {
		return v, nil
	}
	return 0, &backend.EvaluationError{Expr: name, Message: "undefined symbol"}
}

func (e *Engine) attrValue(a attr, depth int) (float64, error) {
	if a.expr == "" {
		return a.value, nil
	}
	return evaluate(a.expr, depth, e.symbol)
}

func (e *Engine) param(a attr) backend.Param {
	// unresolvable formulas report 0
	v, err := e.attrValue(a, 0)
	if err != nil {
		v = 0
	}
	return backend.Param{Name: a.name, Value: v, Expr: a.expr}
}

func (e *Engine) Evaluate(expr string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, backend.ErrClosed
	}
	return e.eval(expr, 0)
}

func (e *Engine) Global(name string) (backend.Param, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return backend.Param{}, backend.ErrClosed
	}
	g, ok := e.globals[strings.ToLower(name)]
	if !ok {
		return backend.Param{}, &backend.NotFoundError{Kind: "global", Name: name}
	}
	return e.param(g), nil
}

func (e *Engine) SequenceNames() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, backend.ErrClosed
	}
	return append([]string(nil), e.order...), nil
}

func (e *Engine) lookup(name string) (*sequence, error) {
	if e.closed {
		return nil, backend.ErrClosed
	}
	seq, ok := e.seqs[strings.ToLower(name)]
	if !ok {
		return nil, &backend.NotFoundError{Kind: "sequence", Name: name}
	}
	return seq, nil
}

func (e *Engine) hasBeam(seq string) bool {
	_, own := e.beams[seq]
	_, shared := e.beams[""]
	return own || shared
}

func (e *Engine) beamOf(seq string) []backend.Param {
	if p, ok := e.beams[seq]; ok {
		return p
	}
	return e.beams[""]
}

func (e *Engine) Sequence(name string) (backend.SequenceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, err := e.lookup(name)
	if err != nil {
		return backend.SequenceInfo{}, err
	}
	length, _ := e.attrValue(seq.length, 0)
	return backend.SequenceInfo{
		Name:    seq.name,
		Length:  length,
		Refer:   seq.refer,
		HasBeam: e.hasBeam(seq.name),
	}, nil
}

func (e *Engine) ActiveSequence() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", backend.ErrClosed
	}
	return e.active, nil
}

// node is a placement resolved at query time.
type node struct {
	placement
	entry  float64
	length float64
}

// layout resolves positions to element entry and sorts by them; ties keep
// definition order.
func (e *Engine) layout(seq *sequence) []node {
	nodes := make([]node, len(seq.nodes))
	for i, p := range seq.nodes {
		at, _ := e.attrValue(p.at, 0)
		var l float64
		if a, ok := p.def.get("l"); ok {
			l, _ = e.attrValue(a, 0)
		}
		switch seq.refer {
		case "centre":
			at -= l / 2
		case "exit":
			at -= l
		}
		nodes[i] = node{placement: p, entry: at, length: l}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].entry < nodes[j].entry })
	return nodes
}

func (e *Engine) Elements(sequence string) ([]backend.ElementRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, err := e.lookup(sequence)
	if err != nil {
		return nil, err
	}
	nodes := e.layout(seq)
	out := make([]backend.ElementRecord, len(nodes))
	for i, n := range nodes {
		rec := backend.ElementRecord{Name: n.name, Type: n.def.typ}
		rec.Attrs = append(rec.Attrs, backend.Param{Name: "at", Value: n.entry})
		for _, a := range n.def.attrs {
			rec.Attrs = append(rec.Attrs, e.param(a))
		}
		if _, ok := n.def.get("l"); !ok {
			rec.Attrs = append(rec.Attrs, backend.Param{Name: "l", Value: 0})
		}
		out[i] = rec
	}
	return out, nil
}

func (e *Engine) Beam(sequence string) ([]backend.Param, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, err := e.lookup(sequence)
	if err != nil {
		return nil, err
	}
	params := e.beamOf(seq.name)
	out := make([]backend.Param, len(params))
	for i, p := range params {
		if p.IsExpr() {
			p.Value, _ = e.eval(p.Expr, 0)
		}
		out[i] = p
	}
	return out, nil
}

func (e *Engine) Table(name string) (backend.TableData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return backend.TableData{}, backend.ErrClosed
	}
	t, ok := e.tables[strings.ToLower(name)]
	if !ok {
		return backend.TableData{}, &backend.NotFoundError{Kind: "table", Name: name}
	}
	return copyTable(t), nil
}

func copyTable(t backend.TableData) backend.TableData {
	out := backend.TableData{
		Name:    t.Name,
		Columns: make([]backend.Column, len(t.Columns)),
		Names:   append([]string(nil), t.Names...),
		Summary: make(map[string]float64, len(t.Summary)),
	}
	for i, c := range t.Columns {
		out.Columns[i] = backend.Column{Name: c.Name, Data: append([]float64(nil), c.Data...)}
	}
	for k, v := range t.Summary {
		out.Summary[k] = v
	}
	return out
}

func (e *Engine) Version() (backend.Version, error) {
	return backend.Version{Release: "5.0.0-fake", Date: "2026.01.01"}, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
