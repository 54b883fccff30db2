package contextual

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// fakeSource serves canned year tables and counts loads.
type fakeSource struct {
	tables map[int]*table.Table
	loads  map[int]int
	err    error
}

func (f *fakeSource) Years() []int {
	var years []int
	for y := range f.tables {
		years = append(years, y)
	}
	return years
}

func (f *fakeSource) LoadYear(_ context.Context, year int, _ map[string]struct{}) (*table.Table, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.loads == nil {
		f.loads = make(map[int]int)
	}
	f.loads[year]++
	return f.tables[year], nil
}

func yearTable(t *testing.T, year int, areas []string, vals []float64) *table.Table {
	t.Helper()
	dates := make([]time.Time, len(areas))
	for i := range dates {
		dates[i] = model.DateOf(year, time.June, i+1)
	}
	tbl, err := table.New(
		table.NewTimeColumn("Date", dates, nil),
		table.NewStringColumn("GEOID10", areas),
		table.NewFloatColumn("HeatIndex", vals, nil),
	)
	require.NoError(t, err)
	return tbl
}

func TestStoreMemoizesYearLoads(t *testing.T) {
	src := &fakeSource{tables: map[int]*table.Table{
		2015: yearTable(t, 2015, []string{"00000000001"}, []float64{10}),
	}}
	store := NewStore(src, DefaultSchema("HeatIndex"), nil)

	ctx := context.Background()
	_, err := store.Year(ctx, 2015)
	require.NoError(t, err)
	_, err = store.Year(ctx, 2015)
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads[2015])
}

func TestStoreFiltersToAreaSet(t *testing.T) {
	src := &fakeSource{tables: map[int]*table.Table{
		2015: yearTable(t, 2015, []string{"00000000001", "00000000002", "00000000003"}, []float64{1, 2, 3}),
	}}
	areas := map[string]struct{}{"00000000002": {}}
	store := NewStore(src, DefaultSchema("HeatIndex"), areas)

	tbl, err := store.Year(context.Background(), 2015)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.NumRows())
	v, _ := tbl.Col("HeatIndex")
	assert.Equal(t, 2.0, v.Floats[0])
}

func TestStoreTableSkipsMissingYears(t *testing.T) {
	src := &fakeSource{tables: map[int]*table.Table{
		2015: yearTable(t, 2015, []string{"00000000001"}, []float64{10}),
		2017: yearTable(t, 2017, []string{"00000000001"}, []float64{30}),
	}}
	store := NewStore(src, DefaultSchema("HeatIndex"), nil)

	tbl, err := store.Table(context.Background(), []int{2015, 2016, 2017})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.NumRows())
}

func TestStoreTableNoYearsAvailable(t *testing.T) {
	src := &fakeSource{tables: map[int]*table.Table{}}
	store := NewStore(src, DefaultSchema("HeatIndex"), nil)

	tbl, err := store.Table(context.Background(), []int{1999})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.NumRows())
	assert.Equal(t, []string{"Date", "GEOID10", "HeatIndex"}, tbl.Columns())
}

func TestStorePropagatesLoadErrors(t *testing.T) {
	src := &fakeSource{
		tables: map[int]*table.Table{2015: nil},
		err:    eris.New("disk gone"),
	}
	store := NewStore(src, DefaultSchema("HeatIndex"), nil)
	_, err := store.Table(context.Background(), []int{2015})
	require.Error(t, err)
}

func TestConform(t *testing.T) {
	tbl, err := table.New(
		table.NewTimeColumn("Date", []time.Time{
			time.Date(2015, 6, 1, 14, 30, 0, 0, time.UTC),
			model.DateOf(2015, time.June, 2),
			model.DateOf(2015, time.June, 3),
		}, nil),
		table.NewStringColumn("GEOID10", []string{"42", "7", ""}),
		table.NewIntColumn("HeatIndex", []int64{90, 95, 99}, nil),
		table.NewStringColumn("extra", []string{"x", "y", "z"}),
	)
	require.NoError(t, err)

	areas := map[string]struct{}{"00000000042": {}}
	out, err := Conform(tbl, DefaultSchema("HeatIndex"), areas)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, []string{"Date", "GEOID10", "HeatIndex"}, out.Columns())

	d, _ := out.Col("Date")
	assert.Equal(t, model.DateOf(2015, time.June, 1), d.Times[0]) // day-truncated

	a, _ := out.Col("GEOID10")
	assert.Equal(t, "00000000042", a.Strings[0])

	v, _ := out.Col("HeatIndex")
	assert.Equal(t, table.KindFloat, v.Kind) // int measures become floats
	assert.Equal(t, 90.0, v.Floats[0])
}

func TestConformNilAreaSetKeepsEverything(t *testing.T) {
	tbl := yearTable(t, 2015, []string{"00000000001", "00000000002"}, []float64{1, 2})
	out, err := Conform(tbl, DefaultSchema("HeatIndex"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumRows())
}

func TestConformSchemaErrors(t *testing.T) {
	tbl := yearTable(t, 2015, []string{"00000000001"}, []float64{1})

	_, err := Conform(tbl, Schema{DateCol: "missing", AreaCol: "GEOID10"}, nil)
	require.Error(t, err)

	_, err = Conform(tbl, Schema{DateCol: "Date", AreaCol: "missing"}, nil)
	require.Error(t, err)

	_, err = Conform(tbl, DefaultSchema("missing"), nil)
	require.Error(t, err)

	// string-typed measure column
	bad, err := table.New(
		table.NewTimeColumn("Date", []time.Time{model.DateOf(2015, time.June, 1)}, nil),
		table.NewStringColumn("GEOID10", []string{"1"}),
		table.NewStringColumn("HeatIndex", []string{"hot"}),
	)
	require.NoError(t, err)
	_, err = Conform(bad, DefaultSchema("HeatIndex"), nil)
	require.Error(t, err)
}
