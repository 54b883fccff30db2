package linker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/biodem/linkdata/internal/contextual"
	"github.com/biodem/linkdata/internal/lag"
	"github.com/biodem/linkdata/internal/table"
)

// Strategy selects how the per-lag merges are executed. All strategies
// produce identical scratch files for identical input.
type Strategy string

const (
	// StrategySequential merges one lag at a time, loading contextual years
	// as each lag first needs them.
	StrategySequential Strategy = "sequential"
	// StrategyBatched preloads the filtered contextual table once, then
	// merges lags sequentially against the shared copy.
	StrategyBatched Strategy = "batched"
	// StrategyParallel preloads like batched, then fans lag merges out over
	// a bounded worker pool; each worker's only side effect is its own
	// scratch file.
	StrategyParallel Strategy = "parallel"
)

// LagStatus classifies one lag's outcome.
type LagStatus string

const (
	LagLinked  LagStatus = "linked"
	LagSkipped LagStatus = "skipped"
	LagFailed  LagStatus = "failed"
)

// LagOutcome records what happened to one lag.
type LagOutcome struct {
	Lag    int
	Status LagStatus
	Path   string // scratch file, set when linked
	Reason string // set when skipped or failed
}

// Orchestrator runs the per-lag merges. The lag columns and the contextual
// store it holds are read-only once constructed, so parallel workers share
// them without locking.
type Orchestrator struct {
	cols     *lag.Columns
	store    *contextual.Store
	scratch  *Scratch
	emitAll  bool // emit all-null columns for all-unknown lags
	withDate bool // carry the lagged date and area columns into the output

	progress *rate.Limiter
	done     atomic.Int64
}

// NewOrchestrator wires the merge inputs together.
func NewOrchestrator(cols *lag.Columns, store *contextual.Store, scratch *Scratch, emitAllUnknown, includeLagDate bool) *Orchestrator {
	return &Orchestrator{
		cols:     cols,
		store:    store,
		scratch:  scratch,
		emitAll:  emitAllUnknown,
		withDate: includeLagDate,
		progress: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Run executes every lag under the given strategy. The returned outcomes are
// ordered by lag. Individual lag failures are recorded, not returned; only a
// setup failure (e.g. the contextual preload) is an error.
func (o *Orchestrator) Run(ctx context.Context, strategy Strategy, workers int) ([]LagOutcome, error) {
	lags := o.cols.Lags()
	switch strategy {
	case StrategySequential:
		return o.runSequential(ctx, lags)
	case StrategyBatched:
		return o.runBatched(ctx, lags)
	case StrategyParallel:
		if workers < 1 {
			workers = 1
		}
		return o.runParallel(ctx, lags, workers)
	default:
		return nil, eris.Errorf("linker: unknown strategy %q", strategy)
	}
}

func (o *Orchestrator) runSequential(ctx context.Context, lags []int) ([]LagOutcome, error) {
	outcomes := make([]LagOutcome, len(lags))
	for i, n := range lags {
		ctxTbl, err := o.store.Table(ctx, o.lagYears(n))
		if err != nil {
			outcomes[i] = LagOutcome{Lag: n, Status: LagFailed, Reason: err.Error()}
			zap.L().Error("lag failed", zap.Int("lag", n), zap.Error(err))
			continue
		}
		outcomes[i] = o.processLag(n, ctxTbl, len(lags))
	}
	return outcomes, nil
}

// preload materializes the filtered contextual table for the whole run once.
func (o *Orchestrator) preload(ctx context.Context) (*table.Table, error) {
	first, last, ok := o.cols.YearSpan()
	if !ok {
		return o.store.Table(ctx, nil)
	}
	years := make([]int, 0, last-first+1)
	for y := first; y <= last; y++ {
		years = append(years, y)
	}
	return o.store.Table(ctx, years)
}

func (o *Orchestrator) runBatched(ctx context.Context, lags []int) ([]LagOutcome, error) {
	ctxTbl, err := o.preload(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]LagOutcome, len(lags))
	for i, n := range lags {
		outcomes[i] = o.processLag(n, ctxTbl, len(lags))
	}
	return outcomes, nil
}

func (o *Orchestrator) runParallel(ctx context.Context, lags []int, workers int) ([]LagOutcome, error) {
	ctxTbl, err := o.preload(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]LagOutcome, len(lags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, n := range lags {
		i, n := i, n
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				// Stop submitting work; in-flight lags were allowed to finish.
				outcomes[i] = LagOutcome{Lag: n, Status: LagFailed, Reason: err.Error()}
				return nil
			}
			outcomes[i] = o.processLag(n, ctxTbl, len(lags))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "linker: parallel merge")
	}
	return outcomes, nil
}

// processLag merges one lag and persists the result. Failures are recovered
// here: the lag is dropped with a diagnostic and the run continues.
func (o *Orchestrator) processLag(n int, ctxTbl *table.Table, total int) LagOutcome {
	outcome := o.mergeAndPersist(n, ctxTbl)
	done := o.done.Add(1)
	if o.progress.Allow() || done == int64(total) {
		zap.L().Info("lag progress", zap.Int64("done", done), zap.Int("total", total))
	}
	switch outcome.Status {
	case LagSkipped:
		zap.L().Debug("lag skipped", zap.Int("lag", n), zap.String("reason", outcome.Reason))
	case LagFailed:
		zap.L().Error("lag failed", zap.Int("lag", n), zap.String("reason", outcome.Reason))
	}
	return outcome
}

func (o *Orchestrator) mergeAndPersist(n int, ctxTbl *table.Table) LagOutcome {
	if o.cols.AllUnknown(n) && !o.emitAll {
		return LagOutcome{Lag: n, Status: LagSkipped, Reason: "no respondent resolved to an area code"}
	}
	merged, err := o.mergeLag(n, ctxTbl)
	if err != nil {
		return LagOutcome{Lag: n, Status: LagFailed, Reason: err.Error()}
	}
	path, err := o.scratch.Write(merged, n)
	if err != nil {
		return LagOutcome{Lag: n, Status: LagFailed, Reason: err.Error()}
	}
	return LagOutcome{Lag: n, Status: LagLinked, Path: path}
}

// lagYears returns the distinct calendar years lag n's target dates fall in.
func (o *Orchestrator) lagYears(n int) []int {
	seen := make(map[int]struct{})
	var years []int
	for i, d := range o.cols.TargetDates(n) {
		if !o.cols.RefValid[i] {
			continue
		}
		if _, ok := seen[d.Year()]; ok {
			continue
		}
		seen[d.Year()] = struct{}{}
		years = append(years, d.Year())
	}
	return years
}

// mergeLag left-joins one lag's (id, date, area) triple against the filtered
// contextual table and renames measure columns to carry the lag.
func (o *Orchestrator) mergeLag(n int, ctxTbl *table.Table) (*table.Table, error) {
	lagTbl, err := o.cols.LagTable(n)
	if err != nil {
		return nil, err
	}
	schema := o.store.Schema()
	dateCol := lag.DateColName(o.cols.DateCol, n)
	areaCol := lag.AreaColName("area", n)

	merged, err := lagTbl.LeftJoin(ctxTbl,
		[]string{dateCol, areaCol},
		[]string{schema.DateCol, schema.AreaCol},
	)
	if err != nil {
		return nil, eris.Wrapf(err, "linker: merge lag %d", n)
	}

	keep := []string{o.cols.IDCol}
	if o.withDate {
		keep = append(keep, dateCol, areaCol)
	}
	for _, m := range schema.MeasureCols {
		renamed := lag.MeasureColName(m, n)
		merged, err = merged.Rename(m, renamed)
		if err != nil {
			return nil, eris.Wrapf(err, "linker: merge lag %d", n)
		}
		keep = append(keep, renamed)
	}
	return merged.Select(keep...)
}
