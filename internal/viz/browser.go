package viz

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/beamline/internal/lattice"
)

const (
	stateSequences = iota
	stateElements
)

// TwissFunc computes the optics of a sequence for the browser's plot view.
type TwissFunc func(sequence string) (*lattice.Table, error)

// Browser is a Bubble Tea model listing sequences and their elements.
type Browser struct {
	reg   *lattice.Registry
	twiss TwissFunc
	theme Theme

	state         int
	names         []string
	cursor        int
	seq           string
	elems         lattice.ElementList
	elemCursor    int
	plot          string
	err           error
	width, height int
}

// NewBrowser lists the registry's sequences. twiss may be nil, which
// disables the plot key.
func NewBrowser(reg *lattice.Registry, twiss TwissFunc) (Browser, error) {
	names, err := reg.Names()
	if err != nil {
		return Browser{}, err
	}
	return Browser{
		reg:    reg,
		twiss:  twiss,
		theme:  Themes[0],
		names:  names,
		width:  100,
		height: 30,
	}, nil
}

func (b Browser) Init() tea.Cmd { return nil }

func (b Browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return b.handleKey(msg)
	case tea.WindowSizeMsg:
		b.width, b.height = msg.Width, msg.Height
	}
	return b, nil
}

func (b Browser) handleKey(msg tea.KeyMsg) (Browser, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return b, tea.Quit
	case "c":
		b.theme = nextTheme(b.theme)
		return b, nil
	}
	switch b.state {
	case stateSequences:
		return b.sequenceKey(msg)
	case stateElements:
		return b.elementKey(msg)
	}
	return b, nil
}

func (b Browser) sequenceKey(msg tea.KeyMsg) (Browser, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if b.cursor > 0 {
			b.cursor--
		}
	case "down", "j":
		if b.cursor < len(b.names)-1 {
			b.cursor++
		}
	case "enter", " ":
		if len(b.names) == 0 {
			return b, nil
		}
		b.open(b.names[b.cursor])
	}
	return b, nil
}

func (b *Browser) open(name string) {
	b.err, b.plot = nil, ""
	seq, err := b.reg.Sequence(name)
	if err != nil {
		b.err = err
		return
	}
	elems, err := seq.Elements()
	if err != nil {
		b.err = err
		return
	}
	b.state, b.seq, b.elems, b.elemCursor = stateElements, seq.Name(), elems, 0
}

func (b Browser) elementKey(msg tea.KeyMsg) (Browser, tea.Cmd) {
	switch msg.String() {
	case "esc", "backspace":
		b.state, b.plot, b.err = stateSequences, "", nil
	case "up", "k":
		if b.elemCursor > 0 {
			b.elemCursor--
		}
	case "down", "j":
		if b.elemCursor < len(b.elems)-1 {
			b.elemCursor++
		}
	case "r":
		b.open(b.seq)
	case "t":
		if b.twiss == nil {
			return b, nil
		}
		b.err, b.plot = nil, ""
		t, err := b.twiss(b.seq)
		if err != nil {
			b.err = err
			return b, nil
		}
		b.plot, b.err = PlotColumns(t, []string{"betx", "bety"}, max(b.width-12, 20), 10)
	}
	return b, nil
}

func (b Browser) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(b.theme.Primary)
	selected := lipgloss.NewStyle().Bold(true).Foreground(b.theme.Secondary)
	muted := lipgloss.NewStyle().Foreground(b.theme.Muted)

	var s strings.Builder
	switch b.state {
	case stateSequences:
		s.WriteString(title.Render("sequences") + "\n\n")
		if len(b.names) == 0 {
			s.WriteString(muted.Render("  no sequences defined") + "\n")
		}
		for i, n := range b.names {
			if i == b.cursor {
				s.WriteString(selected.Render("▸ "+n) + "\n")
			} else {
				s.WriteString("  " + n + "\n")
			}
		}
		s.WriteString("\n" + KeyHint.Render("↑/↓ move · enter open · c theme · q quit"))
	case stateElements:
		s.WriteString(title.Render(fmt.Sprintf("%s · %d elements", b.seq, len(b.elems))) + "\n\n")
		for i, e := range b.elems {
			line := fmt.Sprintf("%-14s %-12s at=%s", e.ID(), e.Type, ValueText(e.Position()))
			if i == b.elemCursor {
				s.WriteString(selected.Render("▸ "+line) + "\n")
			} else {
				s.WriteString("  " + line + "\n")
			}
		}
		if len(b.elems) > 0 {
			s.WriteString("\n" + b.detail(b.elems[b.elemCursor]) + "\n")
		}
		if b.plot != "" {
			s.WriteString("\n" + b.plot + "\n")
		}
		s.WriteString("\n" + KeyHint.Render("↑/↓ move · t twiss · r reload · esc back · q quit"))
	}
	if b.err != nil {
		s.WriteString("\n" + ErrorStyle.Render(b.err.Error()))
	}
	return s.String()
}

func (b Browser) detail(e *lattice.Element) string {
	var lines []string
	for _, name := range e.Attrs() {
		v, _ := e.Attr(name)
		text := ValueText(v)
		if v.IsDeferred() {
			text = ExprStyle.Render(text)
		} else {
			text = ValueStyle.Render(text)
		}
		lines = append(lines, LabelStyle.Render(fmt.Sprintf("%-8s", name))+" "+text)
	}
	return Panel.Render(strings.Join(lines, "\n"))
}

// RunBrowser runs b full screen until the user quits.
func RunBrowser(b Browser) error {
	_, err := tea.NewProgram(b, tea.WithAltScreen()).Run()
	return err
}
