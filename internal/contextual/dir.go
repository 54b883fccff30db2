package contextual

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// DirSource reads year-partitioned measurement files from one directory.
// Files are named <year>_<anything>.<ext> and must contain the measure name
// when one is configured, e.g. "2015_heat_index_long.csv.gz".
type DirSource struct {
	dir     string
	schema  Schema
	readOpt table.ReadOptions
	byYear  map[int]string
	years   []int
}

// NewDirSource scans dir for files of the given measure type. measure may be
// empty to accept every data file; ext may be empty to accept any supported
// extension.
func NewDirSource(dir string, schema Schema, measure, ext string, readOpt table.ReadOptions) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "contextual: read dir %s", dir)
	}

	s := &DirSource{dir: dir, schema: schema, readOpt: readOpt, byYear: make(map[int]string)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if measure != "" && !strings.Contains(name, measure) {
			continue
		}
		if ext != "" && !strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
			continue
		}
		year, ok := yearFromFilename(name)
		if !ok {
			continue
		}
		if prev, dup := s.byYear[year]; dup {
			zap.L().Warn("multiple contextual files for year, keeping first",
				zap.Int("year", year), zap.String("kept", prev), zap.String("ignored", name))
			continue
		}
		s.byYear[year] = name
		s.years = append(s.years, year)
	}
	if len(s.years) == 0 {
		return nil, eris.Errorf("contextual: no %q data files found in %s", measure, dir)
	}
	sort.Ints(s.years)
	return s, nil
}

// yearFromFilename parses the leading <year>_ segment of a data file name.
func yearFromFilename(name string) (int, bool) {
	head, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, false
	}
	year, err := strconv.Atoi(head)
	if err != nil || year < 1000 || year > 9999 {
		return 0, false
	}
	return year, true
}

// Years returns the years with a data file, ascending.
func (s *DirSource) Years() []int { return s.years }

// LoadYear reads one year's file. Wide files (one column per area code) are
// converted to long form before the store filters them; the area filter
// itself is applied by Conform after the read.
func (s *DirSource) LoadYear(_ context.Context, year int, _ map[string]struct{}) (*table.Table, error) {
	name, ok := s.byYear[year]
	if !ok {
		return nil, eris.Errorf("contextual: no data file for year %d", year)
	}
	path := filepath.Join(s.dir, name)
	zap.L().Info("loading contextual file", zap.String("file", name), zap.Int("year", year))

	tbl, err := table.ReadTableWith(path, s.readOpt)
	if err != nil {
		return nil, err
	}
	if !tbl.HasCol(s.schema.AreaCol) {
		// Wide layout: first column is the date, every other column an area.
		if len(s.schema.MeasureCols) != 1 {
			return nil, eris.Errorf("contextual: %s is wide but %d measures are configured", name, len(s.schema.MeasureCols))
		}
		return WideToLong(tbl, s.schema.DateCol, s.schema.AreaCol, s.schema.MeasureCols[0])
	}
	return tbl, nil
}

// WideToLong melts a wide table (dates down the first column, one column per
// area code) into long (date, area, value) form.
func WideToLong(tbl *table.Table, dateCol, areaCol, measureCol string) (*table.Table, error) {
	names := tbl.Columns()
	if len(names) < 2 {
		return nil, eris.New("contextual: wide table needs a date column and at least one area column")
	}
	dc, _ := tbl.Col(names[0])
	if dc.Kind != table.KindTime {
		return nil, eris.Errorf("contextual: wide table's first column %q is %s, want dates", names[0], dc.Kind)
	}

	nRows := tbl.NumRows()
	nAreas := len(names) - 1
	dates := make([]time.Time, 0, nRows*nAreas)
	dateValid := make([]bool, 0, nRows*nAreas)
	areaStrs := make([]string, 0, nRows*nAreas)
	vals := make([]float64, 0, nRows*nAreas)
	valValid := make([]bool, 0, nRows*nAreas)

	for _, name := range names[1:] {
		vc, _ := tbl.Col(name)
		fc, err := toFloatColumn(vc)
		if err != nil {
			return nil, err
		}
		area := model.NormalizeAreaCode(name)
		for i := 0; i < nRows; i++ {
			dates = append(dates, dc.Times[i])
			dateValid = append(dateValid, !dc.IsNull(i))
			areaStrs = append(areaStrs, area)
			vals = append(vals, fc.Floats[i])
			valValid = append(valValid, !fc.IsNull(i))
		}
	}

	return table.New(
		table.NewTimeColumn(dateCol, dates, dateValid),
		table.NewStringColumn(areaCol, areaStrs),
		table.NewFloatColumn(measureCol, vals, valValid),
	)
}
