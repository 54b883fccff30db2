package lag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biodem/linkdata/internal/history"
	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

func TestColumnNames(t *testing.T) {
	assert.Equal(t, "iwdate_0day_prior", DateColName("iwdate", 0))
	assert.Equal(t, "area_7day_prior", AreaColName("area", 7))
	assert.Equal(t, "HeatIndex_364day_prior", MeasureColName("HeatIndex", 364))
}

func baseTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(
		table.NewIntColumn("hhidpn", []int64{3010, 3020}, nil),
		table.NewTimeColumn("iwdate", []time.Time{
			model.DateOf(2016, time.June, 15),
			model.DateOf(2016, time.July, 1),
		}, nil),
	)
	require.NoError(t, err)
	return tbl
}

func TestBuildDynamicResolvesPerLagResidence(t *testing.T) {
	// Respondent 3010 moved from area 1 to area 2 on 2016-06-10. A 7-day
	// lag from the 2016-06-15 interview lands on 2016-06-08, before the
	// move; shorter lags land after it.
	ix := history.Build([]history.MoveRecord{
		{RespondentID: 3010, First: true, MoveYear: 2010, MoveMonth: 1, AreaCode: "1"},
		{RespondentID: 3010, MoveYear: 2016, MoveMonth: 6, AreaCode: "2"},
	})

	cols, err := Build(baseTable(t), "hhidpn", "iwdate", []int{0, 7, 20, 3000}, DynamicResolver{Index: ix})
	require.NoError(t, err)

	assert.Equal(t, model.DateOf(2016, time.June, 8), cols.TargetDates(7)[0])

	assert.Equal(t, "00000000002", cols.Areas(0)[0])
	assert.Equal(t, "00000000002", cols.Areas(7)[0]) // move dated to June 1
	assert.Equal(t, "00000000001", cols.Areas(20)[0])
	assert.Equal(t, "", cols.Areas(3000)[0]) // before first residence

	// respondent 3020 has no history at all
	assert.Equal(t, "", cols.Areas(0)[1])
}

func TestBuildRejectsBadInputs(t *testing.T) {
	base := baseTable(t)
	ix := history.Build(nil)

	_, err := Build(base, "missing", "iwdate", []int{0}, DynamicResolver{Index: ix})
	require.Error(t, err)

	_, err = Build(base, "hhidpn", "missing", []int{0}, DynamicResolver{Index: ix})
	require.Error(t, err)

	_, err = Build(base, "hhidpn", "iwdate", []int{-1}, DynamicResolver{Index: ix})
	require.Error(t, err)

	// id column as the date column: wrong kind
	_, err = Build(base, "hhidpn", "hhidpn", []int{0}, DynamicResolver{Index: ix})
	require.Error(t, err)
}

func TestBuildNullRowsStayUnknown(t *testing.T) {
	tbl, err := table.New(
		table.NewIntColumn("hhidpn", []int64{3010, 0}, []bool{true, false}),
		table.NewTimeColumn("iwdate", []time.Time{{}, model.DateOf(2016, time.June, 1)}, []bool{false, true}),
	)
	require.NoError(t, err)

	ix := history.Build([]history.MoveRecord{
		{RespondentID: 3010, First: true, MoveYear: 2000, MoveMonth: 1, AreaCode: "1"},
	})
	cols, err := Build(tbl, "hhidpn", "iwdate", []int{0}, DynamicResolver{Index: ix})
	require.NoError(t, err)

	// row 0: no reference date; row 1: no id
	assert.Equal(t, "", cols.Areas(0)[0])
	assert.Equal(t, "", cols.Areas(0)[1])
	assert.True(t, cols.AllUnknown(0))
}

func TestStaticResolverYearFallback(t *testing.T) {
	tbl, err := table.New(
		table.NewIntColumn("hhidpn", []int64{1}, nil),
		table.NewTimeColumn("iwdate", []time.Time{model.DateOf(2016, time.June, 1)}, nil),
		table.NewStringColumn("LINKCEN2010", []string{"10"}),
		table.NewStringColumn("LINKCEN2014", []string{"14"}),
	)
	require.NoError(t, err)

	r, err := NewStaticResolver(tbl, "LINKCEN")
	require.NoError(t, err)
	assert.Equal(t, []int{2010, 2014}, r.Years())

	// exact year
	assert.Equal(t, "00000000014", r.Resolve(0, 0, model.DateOf(2014, time.March, 1)))
	// between column years: closest earlier wins
	assert.Equal(t, "00000000010", r.Resolve(0, 0, model.DateOf(2012, time.March, 1)))
	// after the last column year
	assert.Equal(t, "00000000014", r.Resolve(0, 0, model.DateOf(2020, time.March, 1)))
	// before the first column year
	assert.Equal(t, "", r.Resolve(0, 0, model.DateOf(2005, time.March, 1)))
}

func TestNewStaticResolverRequiresYearColumns(t *testing.T) {
	tbl, err := table.New(table.NewIntColumn("hhidpn", []int64{1}, nil))
	require.NoError(t, err)
	_, err = NewStaticResolver(tbl, "LINKCEN")
	require.Error(t, err)

	_, err = NewStaticResolver(tbl, "")
	require.Error(t, err)
}

func TestAreaDomainAndYearSpan(t *testing.T) {
	ix := history.Build([]history.MoveRecord{
		{RespondentID: 3010, First: true, MoveYear: 2000, MoveMonth: 1, AreaCode: "1"},
		{RespondentID: 3020, First: true, MoveYear: 2000, MoveMonth: 1, AreaCode: "2"},
	})
	cols, err := Build(baseTable(t), "hhidpn", "iwdate", []int{0, 200}, DynamicResolver{Index: ix})
	require.NoError(t, err)

	domain := cols.AreaDomain()
	assert.Len(t, domain, 2)
	assert.Contains(t, domain, "00000000001")
	assert.Contains(t, domain, "00000000002")

	// max lag 200 days back from 2016-06-15 reaches into 2015
	first, last, ok := cols.YearSpan()
	require.True(t, ok)
	assert.Equal(t, 2015, first)
	assert.Equal(t, 2016, last)
}

func TestLagTable(t *testing.T) {
	ix := history.Build([]history.MoveRecord{
		{RespondentID: 3010, First: true, MoveYear: 2000, MoveMonth: 1, AreaCode: "1"},
	})
	cols, err := Build(baseTable(t), "hhidpn", "iwdate", []int{7}, DynamicResolver{Index: ix})
	require.NoError(t, err)

	tbl, err := cols.LagTable(7)
	require.NoError(t, err)
	assert.Equal(t, []string{"hhidpn", "iwdate_7day_prior", "area_7day_prior"}, tbl.Columns())
	require.Equal(t, 2, tbl.NumRows())

	area, _ := tbl.Col("area_7day_prior")
	assert.Equal(t, "00000000001", area.Strings[0])
	assert.True(t, area.IsNull(1)) // unresolved area is null

	_, err = cols.LagTable(99)
	require.Error(t, err)
}
