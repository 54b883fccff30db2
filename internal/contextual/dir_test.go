package contextual

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

func writeDataFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewDirSourceDiscoversYears(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "2016_heat_index_long.csv", "Date,GEOID10,HeatIndex\n")
	writeDataFile(t, dir, "2014_heat_index_long.csv", "Date,GEOID10,HeatIndex\n")
	writeDataFile(t, dir, "2015_pm25_long.csv", "Date,GEOID10,PM25\n")
	writeDataFile(t, dir, "notes.txt", "ignore me")
	writeDataFile(t, dir, "heat_index_nodate.csv", "ignore me too")

	src, err := NewDirSource(dir, DefaultSchema("HeatIndex"), "heat_index", ".csv", table.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{2014, 2016}, src.Years())
}

func TestNewDirSourceEmptyDirIsAnError(t *testing.T) {
	_, err := NewDirSource(t.TempDir(), DefaultSchema("HeatIndex"), "heat_index", "", table.ReadOptions{})
	require.Error(t, err)
}

func TestDirSourceLoadYearLong(t *testing.T) {
	dir := t.TempDir()
	writeDataFile(t, dir, "2015_heat_index_long.csv",
		"Date,GEOID10,HeatIndex\n2015-06-01,42,90.5\n2015-06-02,42,91.0\n")

	src, err := NewDirSource(dir, DefaultSchema("HeatIndex"), "heat_index", "", table.ReadOptions{})
	require.NoError(t, err)

	tbl, err := src.LoadYear(context.Background(), 2015, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.NumRows())
	assert.True(t, tbl.HasCol("GEOID10"))

	_, err = src.LoadYear(context.Background(), 1999, nil)
	require.Error(t, err)
}

func TestDirSourceLoadYearAutoDetectsWide(t *testing.T) {
	dir := t.TempDir()
	// one column per area code, dates down the first column
	writeDataFile(t, dir, "2015_heat_index_wide.csv",
		"Date,48201311000,06037201000\n2015-06-01,90.5,80.0\n2015-06-02,91.0,\n")

	src, err := NewDirSource(dir, DefaultSchema("HeatIndex"), "heat_index", "", table.ReadOptions{})
	require.NoError(t, err)

	tbl, err := src.LoadYear(context.Background(), 2015, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Date", "GEOID10", "HeatIndex"}, tbl.Columns())
	assert.Equal(t, 4, tbl.NumRows()) // 2 dates x 2 areas

	v, _ := tbl.Col("HeatIndex")
	nulls := 0
	for i := 0; i < v.Len(); i++ {
		if v.IsNull(i) {
			nulls++
		}
	}
	assert.Equal(t, 1, nulls)
}

func TestWideToLong(t *testing.T) {
	wide, err := table.New(
		table.NewTimeColumn("Date", []time.Time{
			model.DateOf(2015, time.June, 1),
			model.DateOf(2015, time.June, 2),
		}, nil),
		table.NewFloatColumn("48201311000", []float64{90.5, 91.0}, nil),
		table.NewFloatColumn("6037201000", []float64{80.0, 81.0}, nil),
	)
	require.NoError(t, err)

	long, err := WideToLong(wide, "Date", "GEOID10", "HeatIndex")
	require.NoError(t, err)
	require.Equal(t, 4, long.NumRows())

	a, _ := long.Col("GEOID10")
	// short area-code headers get zero padded
	assert.Equal(t, "48201311000", a.Strings[0])
	assert.Equal(t, "06037201000", a.Strings[2])

	v, _ := long.Col("HeatIndex")
	assert.Equal(t, []float64{90.5, 91.0, 80.0, 81.0}, v.Floats)
}

func TestWideToLongRejectsNonDateFirstColumn(t *testing.T) {
	wide, err := table.New(
		table.NewStringColumn("id", []string{"x"}),
		table.NewFloatColumn("42", []float64{1}, nil),
	)
	require.NoError(t, err)
	_, err = WideToLong(wide, "Date", "GEOID10", "HeatIndex")
	require.Error(t, err)
}

func TestYearFromFilename(t *testing.T) {
	y, ok := yearFromFilename("2015_heat_index.csv")
	require.True(t, ok)
	assert.Equal(t, 2015, y)

	_, ok = yearFromFilename("heat_index.csv")
	assert.False(t, ok)

	_, ok = yearFromFilename("201_heat.csv")
	assert.False(t, ok)

	_, ok = yearFromFilename("nounderscores.csv")
	assert.False(t, ok)
}
