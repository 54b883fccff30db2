// Package lag computes, for every requested day lag, the target date and the
// resolved area code of each respondent, in one pass over the base table.
package lag

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/biodem/linkdata/internal/history"
	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// DateColName names the lagged-date column for lag n, e.g. "iwdate_7day_prior".
func DateColName(dateCol string, n int) string {
	return fmt.Sprintf("%s_%dday_prior", dateCol, n)
}

// AreaColName names the resolved area-code column for lag n.
func AreaColName(areaCol string, n int) string {
	return fmt.Sprintf("%s_%dday_prior", areaCol, n)
}

// MeasureColName names the merged measurement column for lag n,
// e.g. "HeatIndex_7day_prior".
func MeasureColName(measure string, n int) string {
	return fmt.Sprintf("%s_%dday_prior", measure, n)
}

// Resolver yields the area code a respondent lived in on a date, or "" when
// unknown. row is the respondent's position in the base table; static
// resolution is positional, dynamic resolution keys on the id.
type Resolver interface {
	Resolve(row int, id int64, date time.Time) string
}

// DynamicResolver resolves through the residential move-history index.
type DynamicResolver struct {
	Index *history.Index
}

func (r DynamicResolver) Resolve(_ int, id int64, date time.Time) string {
	area, ok := r.Index.Lookup(id, date)
	if !ok {
		return ""
	}
	return area
}

// StaticResolver resolves from per-calendar-year area columns already on the
// base table (e.g. LINKCEN2010, LINKCEN2012). The column for the target
// date's year governs; with no column for that year, the closest earlier
// year's column is used, and with no earlier year the area is unknown.
type StaticResolver struct {
	years  []int // ascending
	byYear map[int][]string
}

// NewStaticResolver collects the base table's per-year area columns named
// <prefix><year>. Finding none is a configuration error.
func NewStaticResolver(base *table.Table, prefix string) (*StaticResolver, error) {
	if prefix == "" {
		return nil, eris.New("lag: static resolution requires an area column prefix")
	}
	r := &StaticResolver{byYear: make(map[int][]string)}
	for _, name := range base.Columns() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		year, err := strconv.Atoi(name[len(prefix):])
		if err != nil || year < 1000 || year > 9999 {
			continue
		}
		col, _ := base.Col(name)
		r.byYear[year] = model.AreaCodes(col)
		r.years = append(r.years, year)
	}
	if len(r.years) == 0 {
		return nil, eris.Errorf("lag: base table has no %s<year> area columns", prefix)
	}
	sort.Ints(r.years)
	return r, nil
}

// Years returns the calendar years with an area column, ascending.
func (r *StaticResolver) Years() []int { return r.years }

func (r *StaticResolver) Resolve(row int, _ int64, date time.Time) string {
	year := date.UTC().Year()
	// Closest column year not after the target year.
	n := sort.SearchInts(r.years, year+1)
	if n == 0 {
		return ""
	}
	return r.byYear[r.years[n-1]][row]
}

// Columns carries the per-lag target dates and resolved area codes for the
// whole run. Built once; read-only afterwards so parallel lag merges can
// share it.
type Columns struct {
	IDCol   string
	DateCol string

	IDs      []int64
	IDValid  []bool
	RefDates []time.Time
	RefValid []bool

	lags  []int
	dates map[int][]time.Time
	areas map[int][]string
}

// Build computes target dates and area codes for every (respondent, lag)
// pair. The base table must carry the id column and a date-typed reference
// date column; anything else is a configuration error.
func Build(base *table.Table, idCol, dateCol string, lags []int, resolver Resolver) (*Columns, error) {
	ic, ok := base.Col(idCol)
	if !ok {
		return nil, eris.Errorf("lag: base table has no id column %q", idCol)
	}
	dc, ok := base.Col(dateCol)
	if !ok {
		return nil, eris.Errorf("lag: base table has no reference date column %q", dateCol)
	}
	if dc.Kind != table.KindTime {
		return nil, eris.Errorf("lag: reference date column %q is %s, want dates", dateCol, dc.Kind)
	}
	for _, n := range lags {
		if n < 0 {
			return nil, eris.Errorf("lag: negative lag %d", n)
		}
	}

	ids, idValid := model.RespondentIDs(ic)
	nRows := base.NumRows()
	refDates := make([]time.Time, nRows)
	refValid := make([]bool, nRows)
	for i := 0; i < nRows; i++ {
		if dc.IsNull(i) {
			continue
		}
		refDates[i] = model.Day(dc.Times[i])
		refValid[i] = true
	}

	c := &Columns{
		IDCol:    idCol,
		DateCol:  dateCol,
		IDs:      ids,
		IDValid:  idValid,
		RefDates: refDates,
		RefValid: refValid,
		lags:     append([]int(nil), lags...),
		dates:    make(map[int][]time.Time, len(lags)),
		areas:    make(map[int][]string, len(lags)),
	}

	for _, n := range lags {
		dates := make([]time.Time, nRows)
		areas := make([]string, nRows)
		for i := 0; i < nRows; i++ {
			if !refValid[i] {
				continue
			}
			dates[i] = refDates[i].AddDate(0, 0, -n)
			if idValid[i] {
				areas[i] = resolver.Resolve(i, ids[i], dates[i])
			}
		}
		c.dates[n] = dates
		c.areas[n] = areas
	}
	return c, nil
}

// Lags returns the lag offsets, in build order.
func (c *Columns) Lags() []int { return c.lags }

// TargetDates returns the per-respondent target dates for lag n. The slice
// is shared storage and must not be modified.
func (c *Columns) TargetDates(n int) []time.Time { return c.dates[n] }

// Areas returns the per-respondent resolved area codes for lag n ("" =
// unknown). Shared storage, must not be modified.
func (c *Columns) Areas(n int) []string { return c.areas[n] }

// AllUnknown reports whether no respondent resolved to an area for lag n.
func (c *Columns) AllUnknown(n int) bool {
	for _, a := range c.areas[n] {
		if a != "" {
			return false
		}
	}
	return true
}

// AreaDomain returns the union of area codes resolved across every lag.
// Loading the contextual store restricted to this set is the pipeline's main
// performance lever.
func (c *Columns) AreaDomain() map[string]struct{} {
	domain := make(map[string]struct{})
	for _, areas := range c.areas {
		for _, a := range areas {
			if a != "" {
				domain[a] = struct{}{}
			}
		}
	}
	return domain
}

// YearSpan returns the calendar years from the earliest target date across
// all lags through the latest reference date. ok is false when no valid
// reference dates exist.
func (c *Columns) YearSpan() (first, last int, ok bool) {
	var minRef, maxRef time.Time
	for i, valid := range c.RefValid {
		if !valid {
			continue
		}
		d := c.RefDates[i]
		if !ok || d.Before(minRef) {
			minRef = d
		}
		if !ok || d.After(maxRef) {
			maxRef = d
		}
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	maxLag := 0
	for _, n := range c.lags {
		if n > maxLag {
			maxLag = n
		}
	}
	return minRef.AddDate(0, 0, -maxLag).Year(), maxRef.Year(), true
}

// LagTable extracts the (id, target date, area) triple for one lag as a
// table ready to merge against the contextual store. Unknown areas and
// invalid ids become nulls.
func (c *Columns) LagTable(n int) (*table.Table, error) {
	dates, ok := c.dates[n]
	if !ok {
		return nil, eris.Errorf("lag: lag %d was not built", n)
	}
	return table.New(
		table.NewIntColumn(c.IDCol, c.IDs, append([]bool(nil), c.IDValid...)),
		table.NewTimeColumn(DateColName(c.DateCol, n), dates, append([]bool(nil), c.RefValid...)),
		table.NewStringColumn(AreaColName("area", n), c.areas[n]),
	)
}
