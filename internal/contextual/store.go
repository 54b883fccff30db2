// Package contextual presents daily environmental measurement data as a
// year-keyed, lazily loaded collection, restricted on load to the area codes
// a run actually needs.
package contextual

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// Schema names the columns of contextual measurement records.
type Schema struct {
	DateCol     string
	AreaCol     string
	MeasureCols []string
}

// DefaultSchema matches the daily measure extracts (long format).
func DefaultSchema(measures ...string) Schema {
	return Schema{DateCol: "Date", AreaCol: "GEOID10", MeasureCols: measures}
}

// Source loads one calendar year of contextual records. A nil area set means
// load everything; otherwise only records whose area code is in the set are
// returned.
type Source interface {
	Years() []int
	LoadYear(ctx context.Context, year int, areas map[string]struct{}) (*table.Table, error)
}

// Store memoizes filtered per-year loads from a Source. The area restriction
// is fixed at construction so every cached year is filtered identically;
// each year is loaded at most once per run.
type Store struct {
	src    Source
	schema Schema
	areas  map[string]struct{}

	mu    sync.Mutex
	cache map[int]*table.Table
}

// NewStore wraps a source with per-year memoization, restricting all loads
// to the given area-code set (nil = unrestricted).
func NewStore(src Source, schema Schema, areas map[string]struct{}) *Store {
	return &Store{src: src, schema: schema, areas: areas, cache: make(map[int]*table.Table)}
}

// Schema returns the store's record schema.
func (s *Store) Schema() Schema { return s.schema }

// available reports whether the source has data for a year.
func (s *Store) available(year int) bool {
	for _, y := range s.src.Years() {
		if y == year {
			return true
		}
	}
	return false
}

// Year returns the filtered table for one year, loading it on first use.
func (s *Store) Year(ctx context.Context, year int) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yearLocked(ctx, year)
}

func (s *Store) yearLocked(ctx context.Context, year int) (*table.Table, error) {
	if tbl, ok := s.cache[year]; ok {
		return tbl, nil
	}
	tbl, err := s.src.LoadYear(ctx, year, s.areas)
	if err != nil {
		return nil, eris.Wrapf(err, "contextual: load year %d", year)
	}
	tbl, err = Conform(tbl, s.schema, s.areas)
	if err != nil {
		return nil, eris.Wrapf(err, "contextual: year %d", year)
	}
	zap.L().Debug("contextual year loaded",
		zap.Int("year", year),
		zap.Int("rows", tbl.NumRows()),
		zap.Int("areas", len(s.areas)),
	)
	s.cache[year] = tbl
	return tbl, nil
}

// Table returns the concatenation of the requested years, loading each at
// most once. Years the source has no data for contribute nothing; a lag
// targeting them simply finds no match.
func (s *Store) Table(ctx context.Context, years []int) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []*table.Table
	for _, year := range years {
		if !s.available(year) {
			zap.L().Debug("no contextual data for year", zap.Int("year", year))
			continue
		}
		tbl, err := s.yearLocked(ctx, year)
		if err != nil {
			return nil, err
		}
		parts = append(parts, tbl)
	}
	if len(parts) == 0 {
		return emptyTable(s.schema)
	}
	return table.Concat(parts...)
}

func emptyTable(schema Schema) (*table.Table, error) {
	cols := []*table.Column{
		table.NewTimeColumn(schema.DateCol, nil, nil),
		table.NewStringColumn(schema.AreaCol, nil),
	}
	for _, m := range schema.MeasureCols {
		cols = append(cols, table.NewFloatColumn(m, nil, nil))
	}
	return table.New(cols...)
}

// Conform validates a loaded year against the schema and puts it into merge
// shape: the date column day-truncated, the area column normalized to
// fixed-width strings, rows outside the area set dropped, and only the
// schema's columns retained.
func Conform(tbl *table.Table, schema Schema, areas map[string]struct{}) (*table.Table, error) {
	dc, ok := tbl.Col(schema.DateCol)
	if !ok {
		return nil, eris.Errorf("contextual: no date column %q", schema.DateCol)
	}
	if dc.Kind != table.KindTime {
		return nil, eris.Errorf("contextual: date column %q is %s, want dates", schema.DateCol, dc.Kind)
	}
	ac, ok := tbl.Col(schema.AreaCol)
	if !ok {
		return nil, eris.Errorf("contextual: no area column %q", schema.AreaCol)
	}
	for _, m := range schema.MeasureCols {
		if !tbl.HasCol(m) {
			return nil, eris.Errorf("contextual: no measure column %q", m)
		}
	}

	n := tbl.NumRows()
	dates := make([]time.Time, n)
	dateValid := make([]bool, n)
	for i := 0; i < n; i++ {
		if dc.IsNull(i) {
			continue
		}
		dates[i] = model.Day(dc.Times[i])
		dateValid[i] = true
	}
	areaStrs := model.AreaCodes(ac)

	keep := make([]bool, n)
	for i := 0; i < n; i++ {
		if !dateValid[i] || areaStrs[i] == "" {
			continue
		}
		if areas != nil {
			if _, want := areas[areaStrs[i]]; !want {
				continue
			}
		}
		keep[i] = true
	}

	cols := []*table.Column{
		table.NewTimeColumn(schema.DateCol, dates, dateValid),
		table.NewStringColumn(schema.AreaCol, areaStrs),
	}
	for _, m := range schema.MeasureCols {
		mc, _ := tbl.Col(m)
		fc, err := toFloatColumn(mc)
		if err != nil {
			return nil, err
		}
		cols = append(cols, fc)
	}
	conformed, err := table.New(cols...)
	if err != nil {
		return nil, err
	}
	return conformed.Filter(keep)
}

func toFloatColumn(c *table.Column) (*table.Column, error) {
	switch c.Kind {
	case table.KindFloat:
		return c, nil
	case table.KindInt:
		vals := make([]float64, c.Len())
		for i, v := range c.Ints {
			vals[i] = float64(v)
		}
		return table.NewFloatColumn(c.Name, vals, append([]bool(nil), c.Valid...)), nil
	default:
		return nil, eris.Errorf("contextual: measure column %q is %s, want numeric", c.Name, c.Kind)
	}
}
