package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/backend/fake"
	"github.com/san-kum/beamline/internal/config"
	"github.com/san-kum/beamline/internal/history"
	"github.com/san-kum/beamline/internal/logging"
	"github.com/san-kum/beamline/internal/rpc"
	"github.com/san-kum/beamline/internal/session"
)

var (
	configFile  string
	dataDir     string
	backendCmd  string
	logLevel    string
	logFormat   string
	modelsDir   string
	scripts     []string
	noHistory   bool
	initParams  []string
	columns     []string
	preset      string
	rangeFlag   string
	rows        int
	save        bool
	floor       bool
	twissSeq    string
	listen      string
	outFile     string
	historySess string
	limit       int
	listSess    bool
	sequence    string
	optic       string
	knobs       []string
	scanFrom    float64
	scanTo      float64
	scanSteps   int
	workers     int
	scanCols    []string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "beamline",
		Short:         "accelerator lattice sessions on a MAD-style engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file path (yaml)")
	pf.StringVar(&dataDir, "data", config.DefaultDataDir, "data directory")
	pf.StringVar(&backendCmd, "backend", "", "engine command line (empty runs the built-in engine)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level")
	pf.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "log format (text or json)")
	pf.StringVar(&modelsDir, "models", "", "model directory or zip archive")
	pf.StringSliceVarP(&scripts, "script", "s", nil, "scripts to call before the command runs")
	pf.BoolVar(&noHistory, "no-history", false, "do not record statements in the history database")

	execCmd := &cobra.Command{
		Use:   "exec [script]",
		Short: "run a script through a session",
		Args:  cobra.ExactArgs(1),
		RunE:  execScript,
	}
	execCmd.Flags().StringVar(&twissSeq, "twiss", "", "run twiss on this sequence afterwards")

	sequencesCmd := &cobra.Command{
		Use:   "sequences",
		Short: "list sequences",
		RunE:  listSequences,
	}

	elementsCmd := &cobra.Command{
		Use:   "elements [sequence]",
		Short: "list the elements of a sequence",
		Args:  cobra.ExactArgs(1),
		RunE:  listElements,
	}

	twissCmd := &cobra.Command{
		Use:   "twiss [sequence]",
		Short: "compute optics functions",
		Args:  cobra.ExactArgs(1),
		RunE:  runTwiss,
	}
	analysisFlags(twissCmd)
	twissCmd.Flags().StringVar(&rangeFlag, "range", "", "element range first/last")

	surveyCmd := &cobra.Command{
		Use:   "survey [sequence]",
		Short: "compute the floor geometry",
		Args:  cobra.ExactArgs(1),
		RunE:  runSurvey,
	}
	analysisFlags(surveyCmd)
	surveyCmd.Flags().BoolVar(&floor, "floor", false, "draw the floor plan")

	evalCmd := &cobra.Command{
		Use:   "eval [expr]",
		Short: "evaluate an expression",
		Args:  cobra.MinimumNArgs(1),
		RunE:  evalExpr,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the engine version",
		RunE:  printVersion,
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "list saved runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id] [columns...]",
		Short: "plot columns of a saved run",
		Args:  cobra.MinimumNArgs(1),
		RunE:  plotRun,
	}

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export run data to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportJSON,
	}
	exportJSONCmd.Flags().StringVarP(&outFile, "out", "o", "", "write to file instead of stdout")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "show recorded statements",
		RunE:  showHistory,
	}
	historyCmd.Flags().StringVar(&historySess, "session", "", "only this session")
	historyCmd.Flags().IntVar(&limit, "limit", 50, "latest n statements (0 for all)")
	historyCmd.Flags().BoolVar(&listSess, "sessions", false, "list session ids instead")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list models",
		RunE:  listModels,
	}

	modelTwissCmd := &cobra.Command{
		Use:   "model-twiss [model]",
		Short: "load a model and run twiss over its active range",
		Args:  cobra.ExactArgs(1),
		RunE:  modelTwiss,
	}
	modelTwissCmd.Flags().StringVar(&sequence, "sequence", "", "sequence (default from the model)")
	modelTwissCmd.Flags().StringVar(&rangeFlag, "range", "", "named range (default from the sequence)")
	modelTwissCmd.Flags().StringVar(&optic, "optic", "", "optic (default from the model)")
	modelTwissCmd.Flags().StringSliceVar(&knobs, "knob", nil, "knob=value settings")
	modelTwissCmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to print")
	modelTwissCmd.Flags().IntVar(&rows, "rows", 20, "rows to print (0 for all)")
	modelTwissCmd.Flags().BoolVar(&save, "save", false, "save the result as a run")

	browseCmd := &cobra.Command{
		Use:   "browse",
		Short: "interactive sequence browser",
		RunE:  browse,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the session over HTTP",
		RunE:  serve,
	}
	serveCmd.Flags().StringVar(&listen, "listen", config.DefaultListen, "listen address")

	scanCmd := &cobra.Command{
		Use:   "scan [sequence] [variable]",
		Short: "run twiss for a range of values of a global",
		Args:  cobra.ExactArgs(2),
		RunE:  runScan,
	}
	scanCmd.Flags().Float64Var(&scanFrom, "from", 0, "first value")
	scanCmd.Flags().Float64Var(&scanTo, "to", 1, "last value")
	scanCmd.Flags().IntVar(&scanSteps, "steps", 11, "number of values")
	scanCmd.Flags().IntVar(&workers, "workers", 4, "concurrent engine sessions")
	scanCmd.Flags().StringSliceVar(&initParams, "init", nil, "initial conditions as key=value")
	scanCmd.Flags().StringSliceVar(&scanCols, "columns", []string{"q1", "q2", "betxmax", "betymax"}, "summary values to print")

	presetsCmd := &cobra.Command{
		Use:   "presets [kind]",
		Short: "list column presets",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listPresets,
	}

	engineCmd := &cobra.Command{
		Use:    "engine",
		Short:  "serve the built-in engine over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rpc.Serve(os.Stdin, os.Stdout, fake.New())
		},
	}

	rootCmd.AddCommand(execCmd, sequencesCmd, elementsCmd, twissCmd, surveyCmd, evalCmd, versionCmd,
		runsCmd, plotCmd, exportJSONCmd, historyCmd, modelsCmd, modelTwissCmd, browseCmd, serveCmd,
		scanCmd, presetsCmd, engineCmd)
	return rootCmd
}

func analysisFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&initParams, "init", nil, "initial conditions as key=value")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to print")
	cmd.Flags().StringVar(&preset, "preset", "", "column preset")
	cmd.Flags().IntVar(&rows, "rows", 20, "rows to print (0 for all)")
	cmd.Flags().BoolVar(&save, "save", false, "save the result as a run")
}

// loadConfig reads the config file, if any, and lets changed flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	flags := cmd.Flags()
	if configFile == "" || flags.Changed("data") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("backend") {
		fields := strings.Fields(backendCmd)
		cfg.Backend = config.BackendConfig{}
		if len(fields) > 0 {
			cfg.Backend.Command, cfg.Backend.Args = fields[0], fields[1:]
		}
	}
	if configFile == "" || flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if configFile == "" || flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("models") {
		cfg.ModelsDir = modelsDir
	}
	return cfg, nil
}

// app is what one command invocation needs: config, logger and an open
// session whose statements go to the history log.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *session.Session
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func openBackend(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	if cfg.Backend.Command == "" {
		return fake.New(), nil
	}
	return rpc.Spawn(cmd.Context(), rpc.SpawnConfig{
		Path:   cfg.Backend.Command,
		Args:   cfg.Backend.Args,
		Env:    cfg.Backend.Env,
		Logger: logger,
	})
}

// openSession starts an app with an engine session and runs the --script
// files in it.
func openSession(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}

	var tee history.Tee
	if !noHistory {
		db, err := history.OpenSQLite(a.cfg.HistoryPath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		tee = append(tee, db)
	}
	if a.cfg.CommandLog != "" {
		f, err := history.CreateFile(a.cfg.CommandLog)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, f.Close)
		tee = append(tee, f)
	}

	b, err := openBackend(cmd, a.cfg, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []session.Option{session.WithLogger(a.logger)}
	if len(tee) > 0 {
		opts = append(opts, session.WithCommandLog(tee))
	}
	a.session = session.New(b, opts...)
	a.closers = append(a.closers, a.session.Close)

	for _, path := range scripts {
		if err := a.session.Call(path); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// parseAssignments turns key=value strings into a map. Keys are lower-cased.
func parseAssignments(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}
