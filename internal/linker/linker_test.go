package linker

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biodem/linkdata/internal/contextual"
	"github.com/biodem/linkdata/internal/history"
	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// memSource serves canned contextual years to the store.
type memSource struct {
	tables map[int]*table.Table
	errOn  map[int]error
}

func (m *memSource) Years() []int {
	var years []int
	for y := range m.tables {
		years = append(years, y)
	}
	for y := range m.errOn {
		years = append(years, y)
	}
	return years
}

func (m *memSource) LoadYear(_ context.Context, year int, _ map[string]struct{}) (*table.Table, error) {
	if err, ok := m.errOn[year]; ok {
		return nil, err
	}
	return m.tables[year], nil
}

// fixture: respondent 3010 lives in tract 42 throughout, 3020 has no
// history. Daily heat values for June 2016 are 80 + day-of-month.
func fixtureBase(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(
		table.NewIntColumn("hhidpn", []int64{3010, 3020}, nil),
		table.NewTimeColumn("iwdate", []time.Time{
			model.DateOf(2016, time.June, 15),
			model.DateOf(2016, time.June, 20),
		}, nil),
	)
	require.NoError(t, err)
	return tbl
}

func fixtureHistory() *history.Index {
	return history.Build([]history.MoveRecord{
		{RespondentID: 3010, First: true, MoveYear: 2000, MoveMonth: 1, AreaCode: "42"},
	})
}

func fixtureSource(t *testing.T) *memSource {
	t.Helper()
	days := 30
	dates := make([]time.Time, days)
	areas := make([]string, days)
	vals := make([]float64, days)
	for i := 0; i < days; i++ {
		dates[i] = model.DateOf(2016, time.June, i+1)
		areas[i] = "00000000042"
		vals[i] = float64(80 + i + 1)
	}
	tbl, err := table.New(
		table.NewTimeColumn("Date", dates, nil),
		table.NewStringColumn("GEOID10", areas),
		table.NewFloatColumn("HeatIndex", vals, nil),
	)
	require.NoError(t, err)
	return &memSource{tables: map[int]*table.Table{2016: tbl}}
}

func fixtureParams(t *testing.T, strategy Strategy) Params {
	t.Helper()
	return Params{
		IDCol:         "hhidpn",
		DateCol:       "iwdate",
		Lags:          []int{0, 3, 7},
		Mode:          ModeDynamic,
		Strategy:      strategy,
		Workers:       2,
		ScratchDir:    t.TempDir(),
		ScratchPrefix: "HeatIndex",
	}
}

func measureCol(t *testing.T, tbl *table.Table, name string) *table.Column {
	t.Helper()
	c, ok := tbl.Col(name)
	require.True(t, ok, "missing column %s", name)
	return c
}

func TestRunMergesLaggedMeasures(t *testing.T) {
	base := fixtureBase(t)
	params := fixtureParams(t, StrategyBatched)

	final, summary, err := Run(context.Background(), params, base, fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	require.Equal(t, 2, final.NumRows())
	assert.Equal(t, 3, summary.Linked)
	assert.Equal(t, 0, summary.Failed)

	// base columns survive in place
	assert.Equal(t, "hhidpn", final.Columns()[0])
	assert.Equal(t, "iwdate", final.Columns()[1])

	// respondent 3010: interview June 15, heat value is 80 + day; measures
	// stay float columns across the scratch round trip
	c := measureCol(t, final, "HeatIndex_0day_prior")
	require.Equal(t, table.KindFloat, c.Kind)
	assert.Equal(t, 95.0, c.Floats[0])
	c = measureCol(t, final, "HeatIndex_3day_prior")
	assert.Equal(t, 92.0, c.Floats[0])
	c = measureCol(t, final, "HeatIndex_7day_prior")
	assert.Equal(t, 88.0, c.Floats[0])

	// respondent 3020 has no residential history: every lag is null
	for _, name := range []string{"HeatIndex_0day_prior", "HeatIndex_3day_prior", "HeatIndex_7day_prior"} {
		assert.True(t, measureCol(t, final, name).IsNull(1), name)
	}
}

func TestRunMergesExactDateAreaMatch(t *testing.T) {
	// one contextual row: (2016-06-08, tract 42) -> 42.0; only the 7-day
	// lag from the June 15 interview should pick it up
	ctxTbl, err := table.New(
		table.NewTimeColumn("Date", []time.Time{model.DateOf(2016, time.June, 8)}, nil),
		table.NewStringColumn("GEOID10", []string{"00000000042"}),
		table.NewFloatColumn("HeatIndex", []float64{42.0}, nil),
	)
	require.NoError(t, err)
	src := &memSource{tables: map[int]*table.Table{2016: ctxTbl}}

	params := fixtureParams(t, StrategyBatched)
	final, _, err := Run(context.Background(), params, fixtureBase(t), fixtureHistory(), src, contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)

	c := measureCol(t, final, "HeatIndex_7day_prior")
	assert.Equal(t, 42.0, c.Floats[0])
	c = measureCol(t, final, "HeatIndex_0day_prior")
	assert.True(t, c.IsNull(0)) // June 15 has no contextual row
	c = measureCol(t, final, "HeatIndex_3day_prior")
	assert.True(t, c.IsNull(0))
}

func TestRunStrategiesProduceIdenticalOutput(t *testing.T) {
	schema := contextual.DefaultSchema("HeatIndex")
	var outputs []*table.Table
	for _, strategy := range []Strategy{StrategySequential, StrategyBatched, StrategyParallel} {
		final, _, err := Run(context.Background(), fixtureParams(t, strategy), fixtureBase(t), fixtureHistory(), fixtureSource(t), schema)
		require.NoError(t, err, string(strategy))
		outputs = append(outputs, final)
	}

	ref := outputs[0]
	for _, got := range outputs[1:] {
		require.Equal(t, ref.Columns(), got.Columns())
		require.Equal(t, ref.NumRows(), got.NumRows())
		for _, name := range ref.Columns() {
			want, _ := ref.Col(name)
			have, _ := got.Col(name)
			for i := 0; i < want.Len(); i++ {
				assert.Equal(t, want.IsNull(i), have.IsNull(i))
				if !want.IsNull(i) {
					assert.Equal(t, want.ValueString(i), have.ValueString(i))
				}
			}
		}
	}
}

func TestRunSkipsAllUnknownLags(t *testing.T) {
	// First residence starts July 2016: nothing resolves for June dates.
	hist := history.Build([]history.MoveRecord{
		{RespondentID: 3010, First: true, MoveYear: 2016, MoveMonth: 7, AreaCode: "42"},
	})
	base, err := table.New(
		table.NewIntColumn("hhidpn", []int64{3010}, nil),
		table.NewTimeColumn("iwdate", []time.Time{model.DateOf(2016, time.June, 5)}, nil),
	)
	require.NoError(t, err)

	params := fixtureParams(t, StrategySequential)
	final, summary, err := Run(context.Background(), params, base, hist, fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 0, summary.Linked)
	// skipped lags contribute no columns
	assert.False(t, final.HasCol("HeatIndex_0day_prior"))
}

func TestRunEmitUnknownLags(t *testing.T) {
	hist := history.Build(nil) // nobody resolves
	params := fixtureParams(t, StrategyBatched)
	params.EmitUnknownLags = true

	final, summary, err := Run(context.Background(), params, fixtureBase(t), hist, fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Linked)

	c := measureCol(t, final, "HeatIndex_0day_prior")
	assert.True(t, c.IsNull(0))
	assert.True(t, c.IsNull(1))
}

func TestRunRecoversPerLagFailures(t *testing.T) {
	// Sequential loading hits the source error only for the lag whose
	// target dates cross into 2015.
	src := fixtureSource(t)
	src.errOn = map[int]error{2015: eris.New("corrupt file")}

	base, err := table.New(
		table.NewIntColumn("hhidpn", []int64{3010}, nil),
		table.NewTimeColumn("iwdate", []time.Time{model.DateOf(2016, time.January, 2)}, nil),
	)
	require.NoError(t, err)

	params := fixtureParams(t, StrategySequential)
	params.Lags = []int{0, 5}

	// lag 5 needs year 2015, which fails to load; the lag is dropped and
	// the run continues
	final, summary, err := Run(context.Background(), params, base, fixtureHistory(), src, contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Linked)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, final.HasCol("HeatIndex_0day_prior"))
	assert.False(t, final.HasCol("HeatIndex_5day_prior"))
}

func TestRunNoLagsIsAnError(t *testing.T) {
	params := fixtureParams(t, StrategyBatched)
	params.Lags = nil
	_, _, err := Run(context.Background(), params, fixtureBase(t), fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.Error(t, err)
}

func TestRunDynamicModeRequiresHistory(t *testing.T) {
	params := fixtureParams(t, StrategyBatched)
	_, _, err := Run(context.Background(), params, fixtureBase(t), nil, fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.Error(t, err)
}

func TestRunStaticMode(t *testing.T) {
	base, err := table.New(
		table.NewIntColumn("hhidpn", []int64{3010}, nil),
		table.NewTimeColumn("iwdate", []time.Time{model.DateOf(2016, time.June, 15)}, nil),
		table.NewStringColumn("LINKCEN2010", []string{"42"}),
	)
	require.NoError(t, err)

	params := fixtureParams(t, StrategyBatched)
	params.Mode = ModeStatic
	params.AreaPrefix = "LINKCEN"
	params.Lags = []int{0}

	final, summary, err := Run(context.Background(), params, base, nil, fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Linked)
	c := measureCol(t, final, "HeatIndex_0day_prior")
	assert.Equal(t, 95.0, c.Floats[0])
}

func TestRunIncludeLagDateCarriesResolutionColumns(t *testing.T) {
	params := fixtureParams(t, StrategyBatched)
	params.Lags = []int{7}
	params.IncludeLagDate = true

	final, _, err := Run(context.Background(), params, fixtureBase(t), fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	assert.True(t, final.HasCol("iwdate_7day_prior"))
	assert.True(t, final.HasCol("area_7day_prior"))

	d, _ := final.Col("iwdate_7day_prior")
	require.Equal(t, table.KindTime, d.Kind)
	assert.Equal(t, model.DateOf(2016, time.June, 8), d.Times[0])

	// area codes keep their zero padding and string kind through scratch
	a, _ := final.Col("area_7day_prior")
	require.Equal(t, table.KindString, a.Kind)
	assert.Equal(t, "00000000042", a.Strings[0])
}

func TestRunCleansScratchUnlessKept(t *testing.T) {
	params := fixtureParams(t, StrategyBatched)
	_, summary, err := Run(context.Background(), params, fixtureBase(t), fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	for _, oc := range summary.Outcomes {
		assert.NoFileExists(t, oc.Path)
	}

	params = fixtureParams(t, StrategyBatched)
	params.KeepScratch = true
	_, summary, err = Run(context.Background(), params, fixtureBase(t), fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	for _, oc := range summary.Outcomes {
		assert.FileExists(t, oc.Path)
	}
}

func TestRunSkipAssembleLeavesScratch(t *testing.T) {
	params := fixtureParams(t, StrategyBatched)
	params.SkipAssemble = true

	final, summary, err := Run(context.Background(), params, fixtureBase(t), fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	assert.Nil(t, final)
	assert.Equal(t, 3, summary.Linked)
	for _, oc := range summary.Outcomes {
		assert.FileExists(t, oc.Path)
	}
}

func TestRunUsesSuppliedRunID(t *testing.T) {
	params := fixtureParams(t, StrategyBatched)
	params.RunID = "test-run-1"
	_, summary, err := Run(context.Background(), params, fixtureBase(t), fixtureHistory(), fixtureSource(t), contextual.DefaultSchema("HeatIndex"))
	require.NoError(t, err)
	assert.Equal(t, "test-run-1", summary.RunID)
}
