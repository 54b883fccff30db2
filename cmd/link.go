package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/contextual"
	"github.com/biodem/linkdata/internal/db"
	"github.com/biodem/linkdata/internal/history"
	"github.com/biodem/linkdata/internal/linker"
	"github.com/biodem/linkdata/internal/runlog"
	"github.com/biodem/linkdata/internal/table"
)

var linkFlags struct {
	base         string
	history      string
	output       string
	measure      string
	lags         int
	lagFrom      int
	lagTo        int
	mode         string
	strategy     string
	workers      int
	scratchDir   string
	keepScratch  bool
	assembleOnly bool
	dryRun       bool
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Run a linkage: attach lagged daily measures to each base record",
	Long: `Reads the base respondent table, resolves each respondent's residential
area for every lagged date, merges the daily contextual measures for that
area and date, and writes the base table widened with one measure column
per lag.

Large lag ranges can be split across processes with --lag-from/--lag-to
(each slice keeps its scratch files) and stitched with a final
--assemble-only pass over the same scratch directory.`,
	RunE: runLink,
}

func init() {
	f := linkCmd.Flags()
	f.StringVar(&linkFlags.base, "base", "", "base table path (overrides config)")
	f.StringVar(&linkFlags.history, "history", "", "residential history path (overrides config)")
	f.StringVarP(&linkFlags.output, "output", "o", "", "output path (overrides config)")
	f.StringVar(&linkFlags.measure, "measure", "", "measure name, used to select contextual files and name columns")
	f.IntVar(&linkFlags.lags, "lags", 0, "number of day lags, 0..n-1 (overrides config)")
	f.IntVar(&linkFlags.lagFrom, "lag-from", 0, "first lag of this process's slice")
	f.IntVar(&linkFlags.lagTo, "lag-to", 0, "lag after the last of this slice (0 means all)")
	f.StringVar(&linkFlags.mode, "mode", "", "resolution mode: dynamic or static (default: dynamic when a history is given)")
	f.StringVar(&linkFlags.strategy, "strategy", "", "merge strategy: sequential, batched or parallel (overrides config)")
	f.IntVar(&linkFlags.workers, "workers", 0, "parallel strategy worker count (overrides config)")
	f.StringVar(&linkFlags.scratchDir, "scratch-dir", "", "per-lag scratch directory (overrides config)")
	f.BoolVar(&linkFlags.keepScratch, "keep-scratch", false, "keep per-lag scratch files after assembly")
	f.BoolVar(&linkFlags.assembleOnly, "assemble-only", false, "skip merging, assemble existing scratch files onto the base table")
	f.BoolVar(&linkFlags.dryRun, "dry-run", false, "load inputs and report the run footprint without merging")
	rootCmd.AddCommand(linkCmd)
}

func runLink(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applyLinkOverrides()
	if cfg.Base.Path == "" {
		return eris.New("link: no base table (set base.path or --base)")
	}
	if cfg.Link.Output == "" && !linkFlags.dryRun {
		return eris.New("link: no output path (set link.output or --output)")
	}

	log := zap.L()
	base, err := table.ReadTableWith(cfg.Base.Path, table.ReadOptions{Encoding: cfg.Base.Encoding})
	if err != nil {
		return err
	}
	log.Info("loaded base table",
		zap.String("path", cfg.Base.Path),
		zap.Int("rows", base.NumRows()),
		zap.Int("cols", base.NumCols()),
	)

	params, err := linkParams()
	if err != nil {
		return err
	}

	if linkFlags.assembleOnly {
		return assembleOnly(base, params)
	}

	hist, err := loadHistory(params.Mode)
	if err != nil {
		return err
	}

	src, schema, cleanup, err := contextualSource(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if linkFlags.dryRun {
		return dryRun(base, hist, src, params)
	}

	store, err := openRunLog(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	params.RunID = uuid.New().String()
	if err := store.Start(ctx, params.RunID, measureName(), string(params.Mode), string(params.Strategy), len(params.Lags)); err != nil {
		return err
	}

	final, summary, err := linker.Run(ctx, params, base, hist, src, schema)
	if err != nil {
		if ferr := store.Fail(ctx, params.RunID, err.Error()); ferr != nil {
			log.Warn("could not record run failure", zap.Error(ferr))
		}
		return err
	}
	if err := store.RecordLagEvents(ctx, summary.RunID, lagEvents(summary)); err != nil {
		log.Warn("could not record lag events", zap.Error(err))
	}
	if err := store.Complete(ctx, summary.RunID, summary.Linked, summary.Skipped, summary.Failed); err != nil {
		log.Warn("could not record run completion", zap.Error(err))
	}

	if params.SkipAssemble {
		log.Info("lag slice complete, scratch retained for assembly",
			zap.String("scratch_dir", params.ScratchDir),
			zap.String("prefix", params.ScratchPrefix),
		)
		return nil
	}
	if err := table.WriteTable(final, cfg.Link.Output); err != nil {
		return eris.Wrapf(err, "link: write output %s", cfg.Link.Output)
	}
	log.Info("wrote output",
		zap.String("path", cfg.Link.Output),
		zap.Int("rows", final.NumRows()),
		zap.Int("cols", final.NumCols()),
	)
	return nil
}

func applyLinkOverrides() {
	if linkFlags.base != "" {
		cfg.Base.Path = linkFlags.base
	}
	if linkFlags.history != "" {
		cfg.History.Path = linkFlags.history
	}
	if linkFlags.output != "" {
		cfg.Link.Output = linkFlags.output
	}
	if linkFlags.measure != "" {
		cfg.Contextual.Measure = linkFlags.measure
	}
	if linkFlags.lags > 0 {
		cfg.Link.NLags = linkFlags.lags
	}
	if linkFlags.strategy != "" {
		cfg.Link.Strategy = linkFlags.strategy
	}
	if linkFlags.workers > 0 {
		cfg.Link.Workers = linkFlags.workers
	}
	if linkFlags.scratchDir != "" {
		cfg.Link.ScratchDir = linkFlags.scratchDir
	}
	if linkFlags.keepScratch {
		cfg.Link.KeepScratch = true
	}
}

func measureName() string {
	if cfg.Contextual.Measure != "" {
		return cfg.Contextual.Measure
	}
	return "measure"
}

func linkParams() (linker.Params, error) {
	mode := linker.ModeStatic
	if cfg.History.Path != "" {
		mode = linker.ModeDynamic
	}
	if linkFlags.mode != "" {
		mode = linker.Mode(linkFlags.mode)
	}
	if mode != linker.ModeDynamic && mode != linker.ModeStatic {
		return linker.Params{}, eris.Errorf("link: unknown mode %q", mode)
	}

	from, to := linkFlags.lagFrom, linkFlags.lagTo
	if to == 0 {
		to = cfg.Link.NLags
	}
	if from < 0 || to > cfg.Link.NLags || from >= to {
		return linker.Params{}, eris.Errorf("link: bad lag slice [%d, %d) of %d lags", from, to, cfg.Link.NLags)
	}
	lags := make([]int, 0, to-from)
	for n := from; n < to; n++ {
		lags = append(lags, n)
	}
	partial := from > 0 || to < cfg.Link.NLags

	scratchDir := cfg.Link.ScratchDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}

	return linker.Params{
		IDCol:           cfg.Base.IDCol,
		DateCol:         cfg.Base.DateCol,
		Lags:            lags,
		Mode:            mode,
		AreaPrefix:      cfg.Link.AreaPrefix,
		Strategy:        linker.Strategy(cfg.Link.Strategy),
		Workers:         cfg.Link.Workers,
		ScratchDir:      scratchDir,
		ScratchPrefix:   measureName(),
		ScratchExt:      cfg.Link.ScratchExt,
		IncludeLagDate:  cfg.Link.IncludeLagDate,
		EmitUnknownLags: cfg.Link.EmitUnknownLags,
		KeepScratch:     cfg.Link.KeepScratch || partial,
		SkipAssemble:    partial,
	}, nil
}

func loadHistory(mode linker.Mode) (*history.Index, error) {
	if mode != linker.ModeDynamic {
		return nil, nil
	}
	if cfg.History.Path == "" {
		return nil, eris.New("link: dynamic mode requires history.path")
	}
	tbl, err := table.ReadTableWith(cfg.History.Path, table.ReadOptions{Encoding: cfg.Base.Encoding})
	if err != nil {
		return nil, err
	}
	hist, err := history.BuildFromTable(tbl, historyColumns())
	if err != nil {
		return nil, err
	}
	zap.L().Info("built residential history",
		zap.String("path", cfg.History.Path),
		zap.Int("respondents", hist.Respondents()),
		zap.Int("skipped", hist.Skipped()),
	)
	return hist, nil
}

func historyColumns() history.Columns {
	return history.Columns{
		ID:         cfg.History.IDCol,
		Move:       cfg.History.MoveCol,
		MoveYear:   cfg.History.MoveYear,
		MoveMonth:  cfg.History.MoveMonth,
		AreaCode:   cfg.History.AreaCol,
		SurveyYear: cfg.History.SurveyYear,
		FirstMark:  cfg.History.FirstMark,
		MovedMark:  cfg.History.MovedMark,
	}
}

func contextualSchema() contextual.Schema {
	measures := cfg.Contextual.MeasureCols
	if len(measures) == 0 && cfg.Contextual.Measure != "" {
		measures = []string{cfg.Contextual.Measure}
	}
	schema := contextual.DefaultSchema(measures...)
	if cfg.Contextual.DateCol != "" {
		schema.DateCol = cfg.Contextual.DateCol
	}
	if cfg.Contextual.AreaCol != "" {
		schema.AreaCol = cfg.Contextual.AreaCol
	}
	return schema
}

// contextualSource picks the measurement backend: a Postgres table when a
// database URL is configured, otherwise a directory of year files.
func contextualSource(ctx context.Context) (contextual.Source, contextual.Schema, func(), error) {
	schema := contextualSchema()
	if cfg.Contextual.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.Contextual.DatabaseURL)
		if err != nil {
			return nil, schema, nil, err
		}
		src, err := contextual.NewPostgresSource(ctx, pool, cfg.Contextual.Table, schema)
		if err != nil {
			pool.Close()
			return nil, schema, nil, err
		}
		return src, schema, pool.Close, nil
	}
	if cfg.Contextual.Dir == "" {
		return nil, schema, nil, eris.New("link: no contextual source (set contextual.dir or contextual.database_url)")
	}
	src, err := contextual.NewDirSource(cfg.Contextual.Dir, schema, cfg.Contextual.Measure, cfg.Contextual.Extension, table.ReadOptions{})
	if err != nil {
		return nil, schema, nil, err
	}
	return src, schema, func() {}, nil
}

func assembleOnly(base *table.Table, params linker.Params) error {
	scratch, err := linker.NewScratch(params.ScratchDir, params.ScratchPrefix, params.ScratchExt)
	if err != nil {
		return err
	}
	outcomes, err := scratch.Discover()
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return eris.Errorf("link: no scratch files for prefix %q under %s", params.ScratchPrefix, params.ScratchDir)
	}
	zap.L().Info("assembling from scratch",
		zap.String("dir", params.ScratchDir),
		zap.Int("lags", len(outcomes)),
	)
	final, err := linker.Assemble(base, params.IDCol, scratch, outcomes)
	if err != nil {
		return err
	}
	if err := table.WriteTable(final, cfg.Link.Output); err != nil {
		return eris.Wrapf(err, "link: write output %s", cfg.Link.Output)
	}
	if !params.KeepScratch {
		var paths []string
		for _, oc := range outcomes {
			paths = append(paths, oc.Path)
		}
		scratch.Remove(paths)
	}
	zap.L().Info("wrote output", zap.String("path", cfg.Link.Output), zap.Int("cols", final.NumCols()))
	return nil
}

func dryRun(base *table.Table, hist *history.Index, src contextual.Source, params linker.Params) error {
	log := zap.L()
	log.Info("dry run", zap.Int("lags", len(params.Lags)), zap.String("mode", string(params.Mode)))
	if hist != nil {
		log.Info("history", zap.Int("respondents", hist.Respondents()), zap.Int("skipped", hist.Skipped()))
	}
	log.Info("contextual years available", zap.Ints("years", src.Years()))
	log.Info("base table", zap.Int("rows", base.NumRows()), zap.Int("cols", base.NumCols()))
	return nil
}

func openRunLog(ctx context.Context) (*runlog.Store, error) {
	store, err := runlog.Open(cfg.RunLog.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func lagEvents(summary *linker.RunSummary) []runlog.LagEvent {
	var events []runlog.LagEvent
	for _, oc := range summary.Outcomes {
		if oc.Status == linker.LagLinked {
			continue
		}
		events = append(events, runlog.LagEvent{Lag: oc.Lag, Status: string(oc.Status), Detail: oc.Reason})
	}
	return events
}
