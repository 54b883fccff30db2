// Package model holds the identifier and area-code normalization shared by
// every stage of the linkage pipeline. Respondent ids are canonically int64
// and area codes are fixed-width zero-padded strings; all comparisons and
// joins go through these functions.
package model

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/biodem/linkdata/internal/table"
)

// AreaCodeWidth is the fixed width of a normalized area code (2010 census
// tract GEOIDs are 11 characters).
const AreaCodeWidth = 11

// NormalizeAreaCode left-pads an area code with zeros to AreaCodeWidth.
// Float artifacts from numeric source columns ("1234.0") are stripped first.
// Normalization is idempotent; empty input stays empty.
func NormalizeAreaCode(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.IndexByte(s, '.'); i >= 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	if len(s) >= AreaCodeWidth {
		return s
	}
	return strings.Repeat("0", AreaCodeWidth-len(s)) + s
}

// ParseRespondentID converts a raw id cell to the canonical int64 key.
// Accepts plain integers and integral floats (survey exports commonly round-
// trip ids through float columns).
func ParseRespondentID(s string) (int64, bool) {
	return ParseInteger(s)
}

// ParseInteger parses an integer that may carry a float artifact ("2015.0").
func ParseInteger(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// RespondentIDs extracts canonical ids from a table column of any kind.
// Cells that are null or not convertible come back invalid.
func RespondentIDs(c *table.Column) ([]int64, []bool) {
	n := c.Len()
	ids := make([]int64, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		if c.IsNull(i) {
			continue
		}
		switch c.Kind {
		case table.KindInt:
			ids[i], valid[i] = c.Ints[i], true
		case table.KindFloat:
			f := c.Floats[i]
			if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
				ids[i], valid[i] = int64(f), true
			}
		case table.KindString:
			ids[i], valid[i] = ParseRespondentID(c.Strings[i])
		}
	}
	return ids, valid
}

// AreaCodes extracts normalized area codes from a table column of any kind.
// Unresolvable cells come back as empty strings.
func AreaCodes(c *table.Column) []string {
	n := c.Len()
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if c.IsNull(i) {
			continue
		}
		// 11-digit codes exceed the range where %g stays in plain notation.
		if c.Kind == table.KindFloat {
			out[i] = NormalizeAreaCode(strconv.FormatFloat(c.Floats[i], 'f', -1, 64))
			continue
		}
		out[i] = NormalizeAreaCode(c.ValueString(i))
	}
	return out
}

// Day truncates a time to its UTC calendar day. All linkage dates are
// day-resolution.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateOf builds a day-resolution UTC date.
func DateOf(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
