// Package history builds the per-respondent residential move index and
// resolves the area code in effect on an arbitrary date.
package history

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// Columns names the fields of a raw residential-history table and the marker
// values that distinguish the first known residence from later move events.
type Columns struct {
	ID         string // respondent id
	Move       string // record-type marker column
	MoveYear   string
	MoveMonth  string
	AreaCode   string
	SurveyYear string // fallback start year when the first record has no move year
	FirstMark  string // marker value of the first-residence record
	MovedMark  string // marker value of a move event
}

// DefaultColumns returns the column names used by the HRS residential
// history extracts.
func DefaultColumns() Columns {
	return Columns{
		ID:         "hhidpn",
		Move:       "trmove_tr",
		MoveYear:   "mvyear",
		MoveMonth:  "mvmonth",
		AreaCode:   "LINKCEN2010",
		SurveyYear: "year",
		FirstMark:  "999",
		MovedMark:  "1. move",
	}
}

// MoveRecord is one parsed residential-history row.
type MoveRecord struct {
	RespondentID int64
	First        bool // first known residence rather than a move event
	MoveYear     int  // 0 = not recorded
	MoveMonth    int  // 0 = not recorded, defaults to January
	SurveyYear   int  // 0 = not recorded
	AreaCode     string
}

// Entry is one residence interval start in a respondent's index.
type Entry struct {
	Effective time.Time
	AreaCode  string
}

// Index maps each respondent to their chronologically ordered residence
// entries. Built once, immutable afterwards.
type Index struct {
	entries    map[int64][]Entry
	skipped    int // respondents with no first-residence record
	duplicates int // same-date records collapsed during the sort
}

// Build assembles the index from parsed move records. Records are grouped by
// respondent; a respondent with no first-residence record is skipped and
// counted rather than failing the build. Entries are explicitly sorted by
// effective date regardless of input order, and records sharing an effective
// date collapse to the last one seen.
func Build(records []MoveRecord) *Index {
	byID := make(map[int64][]MoveRecord)
	var order []int64
	for _, r := range records {
		if _, seen := byID[r.RespondentID]; !seen {
			order = append(order, r.RespondentID)
		}
		byID[r.RespondentID] = append(byID[r.RespondentID], r)
	}

	ix := &Index{entries: make(map[int64][]Entry, len(byID))}
	for _, id := range order {
		recs := byID[id]
		entries, ok := buildEntries(recs)
		if !ok {
			ix.skipped++
			continue
		}
		entries, dups := sortEntries(entries)
		ix.duplicates += dups
		ix.entries[id] = entries
	}

	if ix.skipped > 0 || ix.duplicates > 0 {
		zap.L().Warn("residential history has incomplete records",
			zap.Int("respondents_without_first_residence", ix.skipped),
			zap.Int("duplicate_effective_dates", ix.duplicates),
		)
	}
	return ix
}

func buildEntries(recs []MoveRecord) ([]Entry, bool) {
	firstAt := -1
	for i, r := range recs {
		if r.First {
			firstAt = i
			break
		}
	}
	if firstAt < 0 {
		return nil, false
	}

	first := recs[firstAt]
	year := first.MoveYear
	month := first.MoveMonth
	if year == 0 {
		year = first.SurveyYear
		month = 0
	}
	if year == 0 {
		return nil, false
	}
	if month == 0 {
		month = 1
	}

	entries := []Entry{{
		Effective: model.DateOf(year, time.Month(month), 1),
		AreaCode:  model.NormalizeAreaCode(first.AreaCode),
	}}
	for _, r := range recs {
		if r.First || r.MoveYear == 0 {
			continue
		}
		m := r.MoveMonth
		if m == 0 {
			m = 1
		}
		entries = append(entries, Entry{
			Effective: model.DateOf(r.MoveYear, time.Month(m), 1),
			AreaCode:  model.NormalizeAreaCode(r.AreaCode),
		})
	}
	return entries, true
}

// sortEntries orders entries by effective date and collapses duplicate dates,
// keeping the last record for a date (a same-month correction overrides the
// earlier row). Returns the number of collapsed entries.
func sortEntries(entries []Entry) ([]Entry, int) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Effective.Before(entries[j].Effective)
	})
	out := entries[:0]
	dups := 0
	for _, e := range entries {
		if len(out) > 0 && out[len(out)-1].Effective.Equal(e.Effective) {
			out[len(out)-1] = e
			dups++
			continue
		}
		out = append(out, e)
	}
	return out, dups
}

// Lookup returns the area code in effect for a respondent on a date. The
// second return is false when the respondent has no index entry or the date
// precedes their first recorded residence.
func (ix *Index) Lookup(id int64, date time.Time) (string, bool) {
	entries, ok := ix.entries[id]
	if !ok {
		return "", false
	}
	date = model.Day(date)
	// First entry strictly after the query date; the one before it governs.
	n := sort.Search(len(entries), func(i int) bool {
		return entries[i].Effective.After(date)
	})
	if n == 0 {
		return "", false
	}
	return entries[n-1].AreaCode, true
}

// Respondents returns the number of indexed respondents.
func (ix *Index) Respondents() int { return len(ix.entries) }

// Skipped returns the number of respondents excluded for lacking a
// first-residence record.
func (ix *Index) Skipped() int { return ix.skipped }

// Entries returns a respondent's residence entries, or nil. The returned
// slice is the index's own storage and must not be modified.
func (ix *Index) Entries(id int64) []Entry { return ix.entries[id] }

// BuildFromTable parses a raw residential-history table and builds the index.
// Missing required columns are a configuration error.
func BuildFromTable(tbl *table.Table, cols Columns) (*Index, error) {
	records, err := ParseTable(tbl, cols)
	if err != nil {
		return nil, err
	}
	return Build(records), nil
}

// ParseTable converts a raw residential-history table into MoveRecords.
// Rows whose id does not normalize, or whose marker matches neither the
// first-residence nor the move mark, are dropped.
func ParseTable(tbl *table.Table, cols Columns) ([]MoveRecord, error) {
	required := map[string]string{
		"id":          cols.ID,
		"move marker": cols.Move,
		"move year":   cols.MoveYear,
		"area code":   cols.AreaCode,
	}
	for what, name := range required {
		if name == "" || !tbl.HasCol(name) {
			return nil, eris.Errorf("history: residential history is missing the %s column %q", what, name)
		}
	}

	idCol, _ := tbl.Col(cols.ID)
	moveCol, _ := tbl.Col(cols.Move)
	yearCol, _ := tbl.Col(cols.MoveYear)
	areaCol, _ := tbl.Col(cols.AreaCode)
	var monthCol, surveyCol *table.Column
	if cols.MoveMonth != "" {
		monthCol, _ = tbl.Col(cols.MoveMonth)
	}
	if cols.SurveyYear != "" {
		surveyCol, _ = tbl.Col(cols.SurveyYear)
	}

	ids, idValid := model.RespondentIDs(idCol)
	areas := model.AreaCodes(areaCol)

	var records []MoveRecord
	for i := 0; i < tbl.NumRows(); i++ {
		if !idValid[i] {
			continue
		}
		rec := MoveRecord{
			RespondentID: ids[i],
			AreaCode:     areas[i],
			MoveYear:     cellYear(yearCol, i),
		}
		switch {
		case matchMark(moveCol, i, cols.FirstMark):
			rec.First = true
		case matchMark(moveCol, i, cols.MovedMark):
		default:
			continue
		}
		if monthCol != nil {
			rec.MoveMonth = cellYear(monthCol, i)
		}
		if surveyCol != nil {
			rec.SurveyYear = cellYear(surveyCol, i)
		}
		records = append(records, rec)
	}
	return records, nil
}

// cellYear reads a small positive integer from a cell of any kind, 0 when
// null or unparseable.
func cellYear(c *table.Column, i int) int {
	if c == nil || c.IsNull(i) {
		return 0
	}
	v, ok := model.ParseInteger(c.ValueString(i))
	if !ok || v <= 0 {
		return 0
	}
	return int(v)
}

// matchMark compares a marker cell against a configured marker value,
// tolerating float artifacts on either side ("999" matches "999.0").
func matchMark(c *table.Column, i int, mark string) bool {
	if mark == "" || c.IsNull(i) {
		return false
	}
	cell := strings.TrimSpace(c.ValueString(i))
	if cell == mark {
		return true
	}
	return trimFloatArtifact(cell) == trimFloatArtifact(mark)
}

func trimFloatArtifact(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 && strings.Trim(s[i+1:], "0") == "" {
		return s[:i]
	}
	return s
}
