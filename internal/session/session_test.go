package session_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/backend/fake"
	"github.com/san-kum/beamline/internal/command"
	"github.com/san-kum/beamline/internal/lattice"
	"github.com/san-kum/beamline/internal/session"
)

const doc = `
	! constants
	QP_K1 = 2;

	! elements
	qp: quadrupole, k1:=QP_K1, l=1;
	sb: sbend, l=2, angle=3.14/4;

	! sequences
	s1: sequence, l=4, refer=center;
	qp, at=0.5;
	qp, at=1.5;
	sb, at=3;
	endsequence;

	s2: sequence, l=3, refer=entry;
	qp1: qp, at=0, k1=3;
	qp2: qp, at=1, l=2;
	endsequence;
`

type memoryLog struct {
	mu      sync.Mutex
	entries []string
}

func (m *memoryLog) Record(_, statement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, statement)
	return nil
}

var boundary = map[string]float64{"alfx": 0.5, "alfy": 1.5, "betx": 2.5, "bety": 3.5}

var _ = Describe("Session", func() {
	var (
		engine *fake.Engine
		log    *memoryLog
		s      *session.Session
	)

	BeforeEach(func() {
		engine = fake.New()
		log = &memoryLog{}
		s = session.New(engine, session.WithCommandLog(log), session.WithID("test"))
		Expect(s.Execute(doc)).To(Succeed())
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	twiss := func(seq string) *lattice.Table {
		GinkgoHelper()
		Expect(s.Command("beam", command.P("ex", 1), command.P("ey", 2),
			command.P("particle", "electron"), command.P("sequence", seq))).To(Succeed())
		t, err := s.Twiss(seq, session.TwissOptions{Init: boundary})
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	Describe("dispatch", func() {
		It("records statements before the engine sees them", func() {
			Expect(log.entries).To(HaveLen(1))
			Expect(log.entries[0]).To(ContainSubstring("QP_K1 = 2;"))
		})

		It("surfaces engine rejections unchanged", func() {
			err := s.Execute("frobnicate;")
			var cmdErr *backend.CommandError
			Expect(errors.As(err, &cmdErr)).To(BeTrue())
			Expect(cmdErr.Command).To(Equal("frobnicate;"))
		})

		It("keeps earlier definitions visible to later statements", func() {
			Expect(s.Execute("k2 := qp_k1 * 2;")).To(Succeed())
			Expect(s.Evaluate("k2")).To(BeNumerically("~", 4))
		})

		It("serializes concurrent callers", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(s.Execute(fmt.Sprintf("v%d = %d;", i, i))).To(Succeed())
					_, err := s.Registry().Names()
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			wg.Wait()
			for i := 0; i < 20; i++ {
				Expect(s.Evaluate(fmt.Sprintf("v%d", i))).To(BeNumerically("==", i))
			}
		})

		It("rejects calls after Close", func() {
			Expect(s.Close()).To(Succeed())
			Expect(s.Execute("x = 1;")).To(MatchError(backend.ErrClosed))
			_, err := s.SequenceNames()
			Expect(err).To(MatchError(backend.ErrClosed))
		})
	})

	Describe("analysis", func() {
		It("reproduces a sequence's result after analysing another one", func() {
			a1 := twiss("s1")
			b := twiss("s2")
			a2 := twiss("s1")
			Expect(a1.Equal(a2, 0)).To(BeTrue())
			Expect(a1.Equal(b, 1e-9)).To(BeFalse())
		})

		It("echoes boundary conditions in row 0", func() {
			for _, seq := range []string{"s1", "s2"} {
				t := twiss(seq)
				row, err := t.Row(0)
				Expect(err).NotTo(HaveOccurred())
				for k, v := range boundary {
					Expect(row[k]).To(BeNumerically("~", v, 1e-12), "%s %s", seq, k)
				}
				Expect(t.SummaryValue("ex")).To(BeNumerically("~", 1))
				Expect(t.SummaryValue("ey")).To(BeNumerically("~", 2))
			}
		})

		It("sends boundary conditions in a stable order", func() {
			twiss("s1")
			twiss("s1")
			var sent []string
			for _, stmt := range engine.History() {
				if strings.HasPrefix(stmt, "twiss") {
					sent = append(sent, stmt)
				}
			}
			Expect(sent).To(HaveLen(2))
			Expect(sent[0]).To(Equal(sent[1]))
			Expect(sent[0]).To(Equal("twiss, sequence=s1, alfx=0.5, alfy=1.5, betx=2.5, bety=3.5;"))
		})

		It("surfaces a missing beam as a precondition error", func() {
			_, err := s.Twiss("s2", session.TwissOptions{Init: boundary})
			var pre *backend.PreconditionError
			Expect(errors.As(err, &pre)).To(BeTrue())
			Expect(pre.Sequence).To(Equal("s2"))
		})

		It("fails locally for unknown sequences", func() {
			before := len(engine.History())
			_, err := s.Twiss("sN", session.TwissOptions{})
			Expect(err).To(MatchError(backend.ErrNotFound))
			Expect(engine.History()).To(HaveLen(before))
		})

		It("analyses a sequence again after it is redefined", func() {
			Expect(twiss("s1").Rows()).To(Equal(4))
			Expect(s.Execute("s1: sequence, l=4, refer=center; qp, at=0.5; endsequence;")).To(Succeed())

			t := twiss("s1")
			Expect(t.Names()).To(Equal([]string{"#s", "qp:1"}))
			_, err := s.Survey("s1", session.SurveyOptions{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("limits the table to the requested range", func() {
			full := twiss("s1")
			t, err := s.Twiss("s1", session.TwissOptions{
				Init:  boundary,
				Range: command.Range{First: "qp:2", Last: "#e"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Rows()).To(BeNumerically("<", full.Rows()))
			Expect(t.Names()).To(Equal([]string{"qp:2", "sb:1"}))
			row, err := t.Row(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(row["betx"]).To(BeNumerically("~", boundary["betx"], 1e-12))

			_, err = s.Twiss("s1", session.TwissOptions{Range: command.Range{First: "nowhere"}})
			var cmdErr *backend.CommandError
			Expect(errors.As(err, &cmdErr)).To(BeTrue())
		})

		It("computes a survey", func() {
			t, err := s.Survey("s1", session.SurveyOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.SummaryValue("theta")).To(BeNumerically("~", 3.14/4, 1e-12))
		})

		It("returns matched knob values", func() {
			Expect(s.Command("beam")).To(Succeed())
			knobs, err := s.Match("s1", session.MatchOptions{
				Init: boundary,
				Constraints: [][]command.Param{
					{command.P("range", command.Range{First: "#e"}), command.P("betx", command.Max(3))},
				},
				Vary: []string{"qp_k1"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(knobs).To(HaveKeyWithValue("qp_k1", 2.0))
			Expect(engine.History()).To(ContainElement("constraint, range=#e, betx<3;"))
		})
	})

	Describe("elements", func() {
		It("disambiguates repeated names and keeps position order", func() {
			seq, err := s.Registry().Sequence("s1")
			Expect(err).NotTo(HaveOccurred())
			els, err := seq.Elements()
			Expect(err).NotTo(HaveOccurred())
			Expect(els.IDs()).To(Equal([]string{"qp:1", "qp:2", "sb:1"}))
			Expect(els.CheckOrder()).To(Succeed())

			pos := func(id string) float64 {
				el, err := els.Lookup(id)
				Expect(err).NotTo(HaveOccurred())
				at, err := el.Position().Float()
				Expect(err).NotTo(HaveOccurred())
				return at
			}
			Expect(pos("qp:1")).To(BeNumerically("<", pos("qp:2")))
			Expect(pos("qp:2")).To(BeNumerically("<", pos("sb:1")))
			Expect(pos("sb:1")).To(BeNumerically("~", 2))
		})

		It("reads deferred attributes against current globals", func() {
			seq, err := s.Registry().Sequence("s1")
			Expect(err).NotTo(HaveOccurred())
			els, err := seq.Elements()
			Expect(err).NotTo(HaveOccurred())
			qp, err := els.Lookup("qp:1")
			Expect(err).NotTo(HaveOccurred())

			k1, ok := qp.Attr("k1")
			Expect(ok).To(BeTrue())
			Expect(k1.IsDeferred()).To(BeTrue())
			Expect(k1.Text()).To(Equal("qp_k1"))
			Expect(k1.Float()).To(BeNumerically("~", 2))

			Expect(s.SetGlobal("qp_k1", lattice.Literal(3))).To(Succeed())
			Expect(k1.Text()).To(Equal("qp_k1"))
			Expect(k1.Float()).To(BeNumerically("~", 3))
		})

		It("reports undefined symbols when a formula is read", func() {
			Expect(s.Execute("k9 := nothing * 2;")).To(Succeed())
			_, err := lattice.Deferred("k9", s).Float()
			var evalErr *backend.EvaluationError
			Expect(errors.As(err, &evalErr)).To(BeTrue())
		})
	})

	Describe("registry", func() {
		It("lists both sequences", func() {
			Expect(s.Registry().Names()).To(ConsistOf("s1", "s2"))
			seqs, err := s.Registry().Sequences()
			Expect(err).NotTo(HaveOccurred())
			Expect(seqs).To(HaveLen(2))
		})

		It("fails for unknown sequences without changing the set", func() {
			_, err := s.Registry().Sequence("sN")
			Expect(err).To(MatchError(backend.ErrNotFound))
			Expect(s.Registry().Names()).To(ConsistOf("s1", "s2"))
		})

		It("selects defined sequences", func() {
			Expect(s.Registry().Active()).To(Equal(lattice.NoActiveSequence))
			Expect(s.Registry().SetActive("s1")).To(Succeed())
			Expect(s.Registry().Active()).To(Equal("s1"))
		})

		It("sends nothing when selecting an undefined sequence", func() {
			before := len(engine.History())
			Expect(s.Registry().SetActive("sN")).To(MatchError(backend.ErrNotFound))
			Expect(engine.History()).To(HaveLen(before))
			Expect(s.Registry().Active()).To(Equal(lattice.NoActiveSequence))
		})
	})

	Describe("globals", func() {
		It("skips redundant assignments", func() {
			n := len(log.entries)
			Expect(s.SetGlobal("QP_K1", lattice.Literal(2))).To(Succeed())
			Expect(log.entries).To(HaveLen(n))
			Expect(s.SetGlobal("QP_K1", lattice.Literal(2.5))).To(Succeed())
			Expect(log.entries).To(HaveLen(n + 1))
			Expect(log.entries[n]).To(Equal("qp_k1 = 2.5;"))
		})

		It("assigns formulas with :=", func() {
			Expect(s.SetGlobal("k3", lattice.Deferred("qp_k1/2", nil))).To(Succeed())
			g, err := s.Global("k3")
			Expect(err).NotTo(HaveOccurred())
			Expect(g.IsExpr()).To(BeTrue())
			Expect(s.Evaluate("k3")).To(BeNumerically("~", 1))
		})

		It("rejects an empty formula without sending it", func() {
			n := len(log.entries)
			err := s.SetGlobal("k4", lattice.Deferred(" ", nil))
			var evalErr *backend.EvaluationError
			Expect(errors.As(err, &evalErr)).To(BeTrue())
			Expect(log.entries).To(HaveLen(n))
		})

		It("reports the engine version", func() {
			v, err := s.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Release).NotTo(BeEmpty())
		})
	})
})
