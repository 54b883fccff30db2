package linker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/contextual"
	"github.com/biodem/linkdata/internal/history"
	"github.com/biodem/linkdata/internal/lag"
	"github.com/biodem/linkdata/internal/table"
)

// Mode selects how area codes are resolved for lagged dates.
type Mode string

const (
	// ModeDynamic resolves through the residential move-history index.
	ModeDynamic Mode = "dynamic"
	// ModeStatic resolves from per-calendar-year area columns on the base
	// table, for datasets without a move history.
	ModeStatic Mode = "static"
)

// Params is the configuration surface of the core pipeline, owned by the CLI.
type Params struct {
	RunID   string // assigned when empty
	IDCol   string
	DateCol string
	Lags    []int

	Mode       Mode
	AreaPrefix string // static mode: per-year area column prefix, e.g. "LINKCEN"

	Strategy Strategy
	Workers  int

	ScratchDir    string
	ScratchPrefix string
	ScratchExt    string // default .csv.gz

	IncludeLagDate  bool // carry lagged date/area columns into the output
	EmitUnknownLags bool // emit all-null columns for lags nobody resolved
	KeepScratch     bool
	SkipAssemble    bool // leave per-lag scratch files for a later assembly pass
}

// Lags expands a count into the offsets [0, n).
func Lags(n int) []int {
	lags := make([]int, n)
	for i := range lags {
		lags[i] = i
	}
	return lags
}

// RunSummary reports what a completed run did.
type RunSummary struct {
	RunID    string
	Lags     int
	Linked   int
	Skipped  int
	Failed   int
	Outcomes []LagOutcome
	Duration time.Duration
}

// Run is the core entry point: it builds the lag columns, restricts the
// contextual store to the run's area/year footprint, executes the per-lag
// merges under the requested strategy, and assembles the final wide table.
// The returned table has exactly the base table's rows and order.
func Run(ctx context.Context, p Params, base *table.Table, hist *history.Index, src contextual.Source, schema contextual.Schema) (*table.Table, *RunSummary, error) {
	start := time.Now()
	runID := p.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	log := zap.L().With(zap.String("run_id", runID))

	resolver, err := buildResolver(p, base, hist)
	if err != nil {
		return nil, nil, err
	}
	if len(p.Lags) == 0 {
		return nil, nil, eris.New("linker: no lags to process")
	}

	log.Info("building lag columns",
		zap.Int("lags", len(p.Lags)),
		zap.Int("respondents", base.NumRows()),
		zap.String("mode", string(p.Mode)),
	)
	cols, err := lag.Build(base, p.IDCol, p.DateCol, p.Lags, resolver)
	if err != nil {
		return nil, nil, err
	}

	domain := cols.AreaDomain()
	first, last, _ := cols.YearSpan()
	log.Info("computed contextual footprint",
		zap.Int("area_codes", len(domain)),
		zap.Int("first_year", first),
		zap.Int("last_year", last),
	)

	store := contextual.NewStore(src, schema, domain)
	scratch, err := NewScratch(p.ScratchDir, p.ScratchPrefix, p.ScratchExt)
	if err != nil {
		return nil, nil, err
	}

	orch := NewOrchestrator(cols, store, scratch, p.EmitUnknownLags, p.IncludeLagDate)
	outcomes, err := orch.Run(ctx, p.Strategy, p.Workers)
	if err != nil {
		return nil, nil, err
	}

	var final *table.Table
	if !p.SkipAssemble {
		final, err = Assemble(base, p.IDCol, scratch, outcomes)
		if err != nil {
			return nil, nil, err
		}
	}

	summary := &RunSummary{RunID: runID, Lags: len(p.Lags), Outcomes: outcomes, Duration: time.Since(start)}
	var paths []string
	for _, oc := range outcomes {
		switch oc.Status {
		case LagLinked:
			summary.Linked++
			paths = append(paths, oc.Path)
		case LagSkipped:
			summary.Skipped++
		case LagFailed:
			summary.Failed++
		}
	}
	if !p.KeepScratch && !p.SkipAssemble {
		scratch.Remove(paths)
	}

	log.Info("linkage complete",
		zap.Int("linked", summary.Linked),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("took", summary.Duration),
	)
	return final, summary, nil
}

func buildResolver(p Params, base *table.Table, hist *history.Index) (lag.Resolver, error) {
	switch p.Mode {
	case ModeDynamic:
		if hist == nil {
			return nil, eris.New("linker: dynamic mode requires a residential history")
		}
		return lag.DynamicResolver{Index: hist}, nil
	case ModeStatic:
		return lag.NewStaticResolver(base, p.AreaPrefix)
	default:
		return nil, eris.Errorf("linker: unknown resolution mode %q", p.Mode)
	}
}
