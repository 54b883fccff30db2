package linker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biodem/linkdata/internal/lag"
	"github.com/biodem/linkdata/internal/table"
)

func writeLagResult(t *testing.T, s *Scratch, n int, ids []int64, vals []float64, valid []bool) LagOutcome {
	t.Helper()
	tbl, err := table.New(
		table.NewIntColumn("hhidpn", ids, nil),
		table.NewFloatColumn(lag.MeasureColName("HeatIndex", n), vals, valid),
	)
	require.NoError(t, err)
	path, err := s.Write(tbl, n)
	require.NoError(t, err)
	return LagOutcome{Lag: n, Status: LagLinked, Path: path}
}

func TestAssemblePreservesBaseRowsAndOrder(t *testing.T) {
	// base ids stored as floats, the way survey extracts arrive
	base, err := table.New(
		table.NewFloatColumn("hhidpn", []float64{3030, 3010, 3020}, nil),
		table.NewStringColumn("name", []string{"c", "a", "b"}),
	)
	require.NoError(t, err)

	s, err := NewScratch(t.TempDir(), "HeatIndex", ".csv")
	require.NoError(t, err)
	oc0 := writeLagResult(t, s, 0, []int64{3010, 3020, 3030}, []float64{1, 2, 3}, nil)
	oc1 := writeLagResult(t, s, 1, []int64{3010, 3020, 3030}, []float64{10, 20, 30}, nil)

	out, err := Assemble(base, "hhidpn", s, []LagOutcome{oc1, oc0})
	require.NoError(t, err)
	require.Equal(t, 3, out.NumRows())

	// base columns first, untouched; no transient key column
	assert.Equal(t, []string{"hhidpn", "name", "HeatIndex_0day_prior", "HeatIndex_1day_prior"}, out.Columns())

	// values follow the base row order, joined across the int/float id gap
	v0, _ := out.Col("HeatIndex_0day_prior")
	assert.Equal(t, []float64{3, 1, 2}, v0.Floats)
	v1, _ := out.Col("HeatIndex_1day_prior")
	assert.Equal(t, []float64{30, 10, 20}, v1.Floats)
}

func TestAssembleSkipsNonLinkedOutcomes(t *testing.T) {
	base, err := table.New(table.NewIntColumn("hhidpn", []int64{3010}, nil))
	require.NoError(t, err)

	s, err := NewScratch(t.TempDir(), "HeatIndex", ".csv")
	require.NoError(t, err)
	oc := writeLagResult(t, s, 0, []int64{3010}, []float64{1}, nil)

	out, err := Assemble(base, "hhidpn", s, []LagOutcome{
		oc,
		{Lag: 1, Status: LagSkipped, Reason: "nothing resolved"},
		{Lag: 2, Status: LagFailed, Reason: "corrupt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hhidpn", "HeatIndex_0day_prior"}, out.Columns())
}

func TestAssembleMissingScratchFileIsAnError(t *testing.T) {
	base, err := table.New(table.NewIntColumn("hhidpn", []int64{3010}, nil))
	require.NoError(t, err)
	s, err := NewScratch(t.TempDir(), "HeatIndex", ".csv")
	require.NoError(t, err)

	_, err = Assemble(base, "hhidpn", s, []LagOutcome{{Lag: 0, Status: LagLinked, Path: s.Path(0)}})
	require.Error(t, err)
}

func TestAssembleMissingIDColumn(t *testing.T) {
	base, err := table.New(table.NewIntColumn("other", []int64{1}, nil))
	require.NoError(t, err)
	s, err := NewScratch(t.TempDir(), "HeatIndex", ".csv")
	require.NoError(t, err)
	_, err = Assemble(base, "hhidpn", s, nil)
	require.Error(t, err)
}

func TestAssembleUnparsableIDsGetNulls(t *testing.T) {
	base, err := table.New(table.NewStringColumn("hhidpn", []string{"3010", "not-an-id"}))
	require.NoError(t, err)
	s, err := NewScratch(t.TempDir(), "HeatIndex", ".csv")
	require.NoError(t, err)
	oc := writeLagResult(t, s, 0, []int64{3010, 9999}, []float64{1, 2}, nil)

	out, err := Assemble(base, "hhidpn", s, []LagOutcome{oc})
	require.NoError(t, err)
	v, _ := out.Col("HeatIndex_0day_prior")
	assert.Equal(t, 1.0, v.Floats[0])
	assert.True(t, v.IsNull(1))
}
