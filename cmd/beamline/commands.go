package main

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/san-kum/beamline/internal/api"
	"github.com/san-kum/beamline/internal/command"
	"github.com/san-kum/beamline/internal/config"
	"github.com/san-kum/beamline/internal/history"
	"github.com/san-kum/beamline/internal/lattice"
	"github.com/san-kum/beamline/internal/model"
	"github.com/san-kum/beamline/internal/resource"
	"github.com/san-kum/beamline/internal/scan"
	"github.com/san-kum/beamline/internal/session"
	"github.com/san-kum/beamline/internal/storage"
	"github.com/san-kum/beamline/internal/viz"
)

func execScript(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	start := time.Now()
	if err := a.session.Call(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "executed %s in %v\n", args[0], time.Since(start).Round(time.Microsecond))

	if twissSeq == "" {
		return nil
	}
	t, err := a.session.Twiss(twissSeq, session.TwissOptions{})
	if err != nil {
		return err
	}
	return printTable(cmd, t, nil)
}

func listSequences(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := a.session.Registry()
	seqs, err := reg.Sequences()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(seqs) == 0 {
		fmt.Fprintln(out, "no sequences defined")
		return nil
	}
	active, err := reg.Active()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLENGTH\tREFER\tBEAM\tACTIVE")
	for _, seq := range seqs {
		length, err := seq.Length()
		if err != nil {
			return err
		}
		refer, err := seq.Refer()
		if err != nil {
			return err
		}
		beam, err := seq.HasBeam()
		if err != nil {
			return err
		}
		mark := ""
		if seq.Name() == active {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%g\t%s\t%t\t%s\n", seq.Name(), length, refer, beam, mark)
	}
	return w.Flush()
}

func listElements(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	seq, err := a.session.Registry().Sequence(args[0])
	if err != nil {
		return err
	}
	elems, err := seq.Elements()
	if err != nil {
		return err
	}
	if err := elems.CheckOrder(); err != nil {
		a.logger.Warn("element order", "sequence", seq.Name(), "err", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), viz.Elements(elems))
	return nil
}

// analysisColumns resolves --columns and --preset. Explicit columns win over
// the preset's; preset init values sit under --init ones.
func analysisColumns(cmd *cobra.Command, kind string) ([]string, map[string]float64, error) {
	init, err := parseAssignments(initParams)
	if err != nil {
		return nil, nil, err
	}
	cols := columns
	if preset != "" {
		p := config.GetPreset(kind, preset)
		if p == nil {
			return nil, nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(kind))
		}
		if !cmd.Flags().Changed("columns") {
			cols = p.Columns
		}
		if len(p.Init) > 0 {
			merged := make(map[string]float64, len(p.Init)+len(init))
			for k, v := range p.Init {
				merged[k] = v
			}
			for k, v := range init {
				merged[k] = v
			}
			init = merged
		}
	}
	return cols, init, nil
}

func parseRange(s string) command.Range {
	first, last, _ := strings.Cut(s, "/")
	return command.Range{First: first, Last: last}
}

func runTwiss(cmd *cobra.Command, args []string) error {
	cols, init, err := analysisColumns(cmd, "twiss")
	if err != nil {
		return err
	}
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.session.Twiss(args[0], session.TwissOptions{
		Init:    init,
		Columns: cols,
		Range:   parseRange(rangeFlag),
	})
	if err != nil {
		return err
	}
	if err := printTable(cmd, t, cols); err != nil {
		return err
	}
	return saveRun(cmd, a, storage.Run{Kind: "twiss", Sequence: args[0], Init: init, Table: t})
}

func runSurvey(cmd *cobra.Command, args []string) error {
	cols, init, err := analysisColumns(cmd, "survey")
	if err != nil {
		return err
	}
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.session.Survey(args[0], session.SurveyOptions{Init: init, Columns: cols})
	if err != nil {
		return err
	}
	if floor {
		plot, err := viz.Floor(t, 60, 12)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), viz.Title.Render("floor plan of "+args[0]))
		fmt.Fprintln(cmd.OutOrStdout(), plot)
	} else if err := printTable(cmd, t, cols); err != nil {
		return err
	}
	return saveRun(cmd, a, storage.Run{Kind: "survey", Sequence: args[0], Init: init, Table: t})
}

func printTable(cmd *cobra.Command, t *lattice.Table, cols []string) error {
	out := cmd.OutOrStdout()
	text, err := viz.Table(t, cols, rows)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	if len(t.Summary()) > 0 {
		fmt.Fprintln(out, viz.Summary(t))
	}
	return nil
}

func saveRun(cmd *cobra.Command, a *app, run storage.Run) error {
	if !save {
		return nil
	}
	st := storage.New(a.cfg.RunsDir())
	if err := st.Init(); err != nil {
		return err
	}
	id, err := st.Save(run)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run id: %s\n", id)
	return nil
}

func evalExpr(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.session.Evaluate(strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%g\n", v)
	return nil
}

func printVersion(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.session.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "engine %s (%s)\n", v.Release, v.Date)
	return nil
}

func openStore(cmd *cobra.Command) (*storage.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return storage.New(cfg.RunsDir()), nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	runs, err := st.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSEQUENCE\tMODEL\tTIME\tROWS")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			run.ID,
			run.Kind,
			run.Sequence,
			run.Model,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Rows,
		)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}
	t, err := st.LoadTable(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run: %s\n", meta.ID)
	fmt.Fprintf(out, "sequence: %s\n", meta.Sequence)
	fmt.Fprintf(out, "rows: %d\n\n", t.Rows())

	cols := args[1:]
	if len(cols) == 0 {
		if meta.Kind == "survey" {
			plot, err := viz.Floor(t, 60, 12)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, plot)
			return nil
		}
		cols = []string{"betx", "bety"}
	}
	plot, err := viz.PlotColumns(t, cols, 80, 12)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, plot)
	return nil
}

func exportJSON(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	if outFile != "" {
		if err := st.ExportJSONFile(outFile, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", outFile)
		return nil
	}
	return st.ExportJSON(cmd.OutOrStdout(), args[0])
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := history.OpenSQLite(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if listSess {
		ids, err := db.Sessions()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	entries, err := db.Entries(historySess, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no statements recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tSTATEMENT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			e.Time.Format("2006-01-02 15:04:05"),
			shortID(e.Session),
			strings.ReplaceAll(strings.TrimSpace(e.Statement), "\n", " "),
		)
	}
	return w.Flush()
}

func sortedNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// openModels opens the models directory or zip archive. release closes the
// archive.
func openModels(cfg *config.Config) (*model.Locator, func() error, error) {
	dir := cfg.ModelsDir
	if dir == "" {
		dir = "."
	}
	if strings.EqualFold(filepath.Ext(dir), ".zip") {
		z, err := resource.OpenZip(dir)
		if err != nil {
			return nil, nil, err
		}
		return model.NewLocator(z), z.Close, nil
	}
	return model.NewLocator(resource.NewDir(dir)), func() error { return nil }, nil
}

func listModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	loc, release, err := openModels(cfg)
	if err != nil {
		return err
	}
	defer release()

	names, err := loc.Names()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "no models found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSEQUENCES\tOPTICS\tKNOBS")
	for _, name := range names {
		def, err := loc.Definition(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, len(def.Sequences), len(def.Optics), len(def.Knobs))
	}
	return w.Flush()
}

func modelTwiss(cmd *cobra.Command, args []string) error {
	settings, err := parseAssignments(knobs)
	if err != nil {
		return err
	}
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	loc, release, err := openModels(a.cfg)
	if err != nil {
		return err
	}
	defer release()

	m, err := model.Load(a.session, loc, args[0], model.WithLogger(a.logger))
	if err != nil {
		return err
	}
	if err := m.SetOptic(optic); err != nil {
		return err
	}
	seq, rng, err := m.SetSequence(sequence, rangeFlag)
	if err != nil {
		return err
	}
	for _, k := range sortedNames(settings) {
		if err := m.SetKnob(k, settings[k]); err != nil {
			return err
		}
	}

	t, err := m.Twiss(seq, rng, nil, columns...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "model %s, optic %s, sequence %s, range %s\n", m.Name(), m.Optic(), seq, rng)
	if err := printTable(cmd, t, columns); err != nil {
		return err
	}
	return saveRun(cmd, a, storage.Run{
		Kind:     "twiss",
		Sequence: seq,
		Model:    m.Name(),
		Init:     m.InitialConditions(),
		Table:    t,
	})
}

func browse(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := viz.NewBrowser(a.session.Registry(), func(seq string) (*lattice.Table, error) {
		return a.session.Twiss(seq, session.TwissOptions{})
	})
	if err != nil {
		return err
	}
	return viz.RunBrowser(b)
}

func serve(cmd *cobra.Command, args []string) error {
	a, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Listen
	if cmd.Flags().Changed("listen") || addr == "" {
		addr = listen
	}
	st := storage.New(a.cfg.RunsDir())
	if err := st.Init(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(a.session, st, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Info("listening", "addr", addr, "session", a.session.ID())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	init, err := parseAssignments(initParams)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// each point gets its own engine; none of them are recorded
	open := func() (*session.Session, error) {
		b, err := openBackend(cmd, a.cfg, a.logger)
		if err != nil {
			return nil, err
		}
		s := session.New(b, session.WithLogger(a.logger))
		for _, path := range scripts {
			if err := s.Call(path); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	}

	points, err := scan.Run(cmd.Context(), open, scan.Config{
		Variable: args[1],
		Sequence: args[0],
		Twiss:    session.TwissOptions{Init: init},
		Workers:  workers,
		Logger:   a.logger,
	}, scan.Linspace(scanFrom, scanTo, scanSteps))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", strings.ToUpper(args[1]), strings.ToUpper(strings.Join(scanCols, "\t")))
	for _, p := range points {
		fmt.Fprintf(w, "%g", p.Value)
		for _, c := range scanCols {
			fmt.Fprintf(w, "\t%.6g", p.Summary[strings.ToLower(c)])
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func listPresets(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	kinds := []string{"twiss", "survey"}
	if len(args) > 0 {
		kinds = args[:1]
	}
	for _, kind := range kinds {
		presets := config.ListPresets(kind)
		if len(presets) == 0 {
			fmt.Fprintf(out, "no presets for: %s\n", kind)
			continue
		}
		fmt.Fprintf(out, "presets for %s:\n", kind)
		for _, name := range presets {
			p := config.GetPreset(kind, name)
			fmt.Fprintf(out, "  %-12s %s\n", name, strings.Join(p.Columns, ","))
		}
	}
	return nil
}
