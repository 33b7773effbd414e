package model

import (
	"fmt"
	"log/slog"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
	"github.com/san-kum/beamline/internal/lattice"
	"github.com/san-kum/beamline/internal/resource"
	"github.com/san-kum/beamline/internal/session"
)

// Model is a definition loaded into a session. It tracks the selected
// optic, sequence and range so analysis calls can fall back to them.
type Model struct {
	def    *Definition
	s      *session.Session
	repo   resource.Provider
	res    resource.Provider
	logger *slog.Logger

	optic    string
	sequence string
	rng      string
}

type Option func(*Model)

func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// Load reads the named definition, runs its init files and attaches the
// configured beam to every sequence.
func Load(s *session.Session, loc *Locator, name string, opts ...Option) (*Model, error) {
	def, err := loc.Definition(name)
	if err != nil {
		return nil, err
	}
	m := &Model{
		def:    def,
		s:      s,
		repo:   loc.Repository(def),
		res:    loc.Resources(def),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("model", name)

	if err := m.call(def.InitFiles); err != nil {
		return nil, err
	}
	for _, seq := range sortedKeys(def.Sequences) {
		if err := m.setBeam(seq); err != nil {
			return nil, err
		}
	}
	m.logger.Info("model loaded", "sequences", len(def.Sequences), "optics", len(def.Optics))
	return m, nil
}

func (m *Model) Name() string            { return m.def.Name }
func (m *Model) Definition() *Definition { return m.def }
func (m *Model) Session() *session.Session {
	return m.s
}

func (m *Model) Sequences() []string { return sortedKeys(m.def.Sequences) }
func (m *Model) Optics() []string    { return sortedKeys(m.def.Optics) }
func (m *Model) Beams() []string     { return sortedKeys(m.def.Beams) }
func (m *Model) Knobs() []string     { return sortedKeys(m.def.Knobs) }

// Ranges lists the ranges of a sequence.
func (m *Model) Ranges(sequence string) ([]string, error) {
	seq, err := m.sequenceDef(sequence)
	if err != nil {
		return nil, err
	}
	return sortedKeys(seq.Ranges), nil
}

func (m *Model) Optic() string    { return m.optic }
func (m *Model) Sequence() string { return m.sequence }
func (m *Model) Range() string    { return m.rng }

func (m *Model) call(files []File) error {
	for _, f := range files {
		p := m.repo
		switch f.Location {
		case "", "repository":
		case "resource":
			p = m.res
		default:
			return fmt.Errorf("model: %s: unknown file location %q", f.Path, f.Location)
		}
		m.logger.Debug("calling file", "path", f.Path, "location", f.Location)
		if err := resource.WithLocal(p, m.s.Call, f.Path); err != nil {
			return fmt.Errorf("model: calling %s: %w", f.Path, err)
		}
	}
	return nil
}

func (m *Model) setBeam(sequence string) error {
	beamName := m.def.Sequences[sequence].Beam
	if beamName == "" {
		return nil
	}
	beam, ok := m.def.Beams[beamName]
	if !ok {
		return &backend.NotFoundError{Kind: "beam", Name: beamName}
	}
	params := []command.Param{command.P("sequence", sequence)}
	for _, k := range sortedKeys(beam) {
		params = append(params, command.P(k, beam[k]))
	}
	return m.s.Command("beam", params...)
}

// SetOptic runs the init files of an optic. An empty name selects the
// default optic; selecting the current optic again does nothing.
func (m *Model) SetOptic(name string) error {
	if name == "" {
		name = m.def.DefaultOptic
	}
	if name == "" {
		return fmt.Errorf("model: %s has no default optic", m.def.Name)
	}
	if name == m.optic {
		return nil
	}
	optic, ok := m.def.Optics[name]
	if !ok {
		return &backend.NotFoundError{Kind: "optic", Name: name}
	}
	if err := m.call(optic.InitFiles); err != nil {
		return err
	}
	m.optic = name
	return nil
}

func (m *Model) sequenceDef(name string) (Sequence, error) {
	seq, ok := m.def.Sequences[name]
	if !ok {
		return Sequence{}, &backend.NotFoundError{Kind: "sequence", Name: name}
	}
	return seq, nil
}

// SetSequence selects a sequence and one of its ranges. Empty names keep
// the current selection or fall back to the defaults. Changing the sequence
// expands it in the engine and resets the range.
func (m *Model) SetSequence(sequence, rng string) (string, string, error) {
	if sequence == "" {
		sequence = m.sequence
	}
	if sequence == "" {
		sequence = m.def.DefaultSequence
	}
	if _, err := m.sequenceDef(sequence); err != nil {
		return "", "", err
	}
	if sequence != m.sequence {
		if err := m.s.Registry().SetActive(sequence); err != nil {
			return "", "", err
		}
		m.sequence = sequence
		m.rng = ""
	}
	r, err := m.SetRange(rng)
	if err != nil {
		return "", "", err
	}
	return sequence, r, nil
}

// SetRange selects a range of the current sequence; empty keeps the current
// range or uses the sequence's default range.
func (m *Model) SetRange(rng string) (string, error) {
	seq, err := m.sequenceDef(m.sequence)
	if err != nil {
		return "", err
	}
	if rng == "" {
		rng = m.rng
	}
	if rng == "" {
		rng = seq.DefaultRange
	}
	if rng == "" {
		m.rng = ""
		return "", nil
	}
	if _, ok := seq.Ranges[rng]; !ok {
		return "", &backend.NotFoundError{Kind: "range", Name: rng}
	}
	m.rng = rng
	return rng, nil
}

// bounds returns the element range and initial conditions of the current
// range. A sequence without ranges spans #s/#e with no conditions.
func (m *Model) bounds() (command.Range, map[string]float64) {
	whole := command.Range{First: "#s", Last: "#e"}
	r, ok := m.def.Sequences[m.sequence].Ranges[m.rng]
	if !ok {
		return whole, nil
	}
	span := command.Range{First: r.MadxRange.First, Last: r.MadxRange.Last}
	if span.First == "" {
		span = whole
	}
	key := r.DefaultTwiss
	if key == "" {
		key = "default"
	}
	init := make(map[string]float64, len(r.Initial[key]))
	for k, v := range r.Initial[key] {
		init[k] = v
	}
	return span, init
}

// InitialConditions returns the twiss initial conditions of the current
// range, or nil.
func (m *Model) InitialConditions() map[string]float64 {
	_, init := m.bounds()
	return init
}

// Twiss selects sequence and range (see SetSequence) and runs an optics
// calculation over the range's elements with its initial conditions. Keys
// in extra override the stored conditions.
func (m *Model) Twiss(sequence, rng string, extra map[string]float64, columns ...string) (*lattice.Table, error) {
	name, _, err := m.SetSequence(sequence, rng)
	if err != nil {
		return nil, err
	}
	span, init := m.bounds()
	if init == nil {
		init = map[string]float64{}
	}
	for k, v := range extra {
		init[k] = v
	}
	return m.s.Twiss(name, session.TwissOptions{Init: init, Range: span, Columns: columns})
}

// Survey computes the geometry of sequence.
func (m *Model) Survey(sequence string, init map[string]float64) (*lattice.Table, error) {
	name, _, err := m.SetSequence(sequence, "")
	if err != nil {
		return nil, err
	}
	return m.s.Survey(name, session.SurveyOptions{Init: init})
}

// matchInit lists the initial conditions a matching block accepts.
var matchInit = map[string]bool{
	"alfx": true, "alfy": true, "betx": true, "bety": true,
	"deltap": true, "ddx": true, "ddy": true, "ddpx": true, "ddpy": true,
	"dpx": true, "dpy": true, "dx": true, "dy": true,
	"mux": true, "muy": true, "px": true, "py": true,
	"t": true, "pt": true, "wx": true, "wy": true,
	"phix": true, "phiy": true, "x": true, "y": true,
}

// Match runs a matching block on sequence with the current range's initial
// conditions (keys the block does not accept are dropped), then recomputes
// the optics with the matched knobs.
func (m *Model) Match(sequence string, opts session.MatchOptions) (map[string]float64, *lattice.Table, error) {
	name, _, err := m.SetSequence(sequence, "")
	if err != nil {
		return nil, nil, err
	}
	span, init := m.bounds()
	if opts.Init == nil {
		opts.Init = map[string]float64{}
		for k, v := range init {
			if matchInit[k] {
				opts.Init[k] = v
			}
		}
	}
	knobs, err := m.s.Match(name, opts)
	if err != nil {
		return nil, nil, err
	}
	t, err := m.s.Twiss(name, session.TwissOptions{Init: init, Range: span})
	if err != nil {
		return knobs, nil, err
	}
	return knobs, t, nil
}

// SetKnob assigns every parameter of a knob its factor times value.
func (m *Model) SetKnob(knob string, value float64) error {
	factors, ok := m.def.Knobs[knob]
	if !ok {
		return &backend.NotFoundError{Kind: "knob", Name: knob}
	}
	for _, name := range sortedKeys(factors) {
		if err := m.s.SetGlobal(name, lattice.Literal(factors[name]*value)); err != nil {
			return err
		}
	}
	return nil
}
