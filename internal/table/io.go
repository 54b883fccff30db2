package table

import (
	"compress/gzip"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// ReadOptions configures ReadTableWith.
type ReadOptions struct {
	Delimiter rune   // 0 = infer from extension (',' for csv, '\t' for tsv)
	Encoding  string // "" or "utf8"; "latin1" for legacy survey exports
	Sheet     int    // xlsx sheet index, default 0
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"1/2/2006",
	time.RFC3339,
}

// ParseDate parses a cell into a date, accepting the formats the supported
// file types produce.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatDate renders a day-resolution time the way WriteTable does.
func FormatDate(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// splitExt returns the file extension and whether the payload is gzipped,
// so "measures.csv.gz" yields (".csv", true).
func splitExt(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".gz" {
		return strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ext))), true
	}
	return ext, false
}

// ReadTable reads a table from path, inferring the format from the file
// extension. Supported: .csv, .tsv (optionally .gz-compressed) and .xlsx.
func ReadTable(path string) (*Table, error) {
	return ReadTableWith(path, ReadOptions{})
}

// ReadTableWith reads a table from path with explicit options.
func ReadTableWith(path string, opts ReadOptions) (*Table, error) {
	ext, gzipped := splitExt(path)
	switch ext {
	case ".csv", ".tsv":
		return readDelimited(path, ext, gzipped, opts)
	case ".xlsx":
		return readXLSX(path, opts)
	default:
		return nil, eris.Errorf("table: unsupported input format %q (want .csv, .tsv, .csv.gz, .tsv.gz or .xlsx)", ext)
	}
}

func readDelimited(path, ext string, gzipped bool, opts ReadOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "table: open %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, eris.Wrapf(err, "table: gzip %s", path)
		}
		defer gz.Close()
		r = gz
	}
	if opts.Encoding == "latin1" {
		r = transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	switch {
	case opts.Delimiter != 0:
		reader.Comma = opts.Delimiter
	case ext == ".tsv":
		reader.Comma = '\t'
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "table: parse %s", path)
	}
	if len(records) == 0 {
		return nil, eris.Errorf("table: %s has no header row", path)
	}
	return fromStringRows(records[0], records[1:])
}

func readXLSX(path string, opts ReadOptions) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "table: open %s", path)
	}
	if opts.Sheet < 0 || opts.Sheet >= len(f.Sheets) {
		return nil, eris.Errorf("table: %s has no sheet %d", path, opts.Sheet)
	}
	sheet := f.Sheets[opts.Sheet]

	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("table: %s has no header row", path)
	}
	return fromStringRows(rows[0], rows[1:])
}

// fromStringRows builds a typed table from a header and raw records. Each
// column's kind is inferred from its non-empty cells: all ints, else all
// floats, else all dates, else strings. Empty cells become nulls.
func fromStringRows(header []string, records [][]string) (*Table, error) {
	nCols := len(header)
	cells := make([][]string, nCols)
	for i := range cells {
		cells[i] = make([]string, len(records))
	}
	for ri, rec := range records {
		for ci := 0; ci < nCols; ci++ {
			if ci < len(rec) {
				cells[ci][ri] = rec[ci]
			}
		}
	}

	cols := make([]*Column, nCols)
	for ci, name := range header {
		cols[ci] = inferColumn(name, cells[ci])
	}
	return New(cols...)
}

// leadingZero reports whether v is a digit string padded with leading zeros
// ("007", "00000000002"); such values are identifiers, not numbers.
func leadingZero(v string) bool {
	if len(v) > 1 && v[0] == '-' {
		v = v[1:]
	}
	return len(v) > 1 && v[0] == '0' && v[1] >= '0' && v[1] <= '9'
}

func inferColumn(name string, raw []string) *Column {
	allInt, allFloat, allDate := true, true, true
	seen := false
	for _, v := range raw {
		if v == "" {
			continue
		}
		seen = true
		if leadingZero(v) {
			allInt, allFloat = false, false
		}
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allFloat = false
			}
		}
		if allDate {
			if _, ok := ParseDate(v); !ok {
				allDate = false
			}
		}
		if !allInt && !allFloat && !allDate {
			break
		}
	}

	n := len(raw)
	valid := make([]bool, n)
	switch {
	case seen && allInt:
		vals := make([]int64, n)
		for i, v := range raw {
			if v == "" {
				continue
			}
			vals[i], _ = strconv.ParseInt(v, 10, 64)
			valid[i] = true
		}
		return &Column{Name: name, Kind: KindInt, Ints: vals, Valid: valid}
	case seen && allFloat:
		vals := make([]float64, n)
		for i, v := range raw {
			if v == "" {
				continue
			}
			vals[i], _ = strconv.ParseFloat(v, 64)
			valid[i] = true
		}
		return &Column{Name: name, Kind: KindFloat, Floats: vals, Valid: valid}
	case seen && allDate:
		vals := make([]time.Time, n)
		for i, v := range raw {
			if v == "" {
				continue
			}
			vals[i], _ = ParseDate(v)
			valid[i] = true
		}
		return &Column{Name: name, Kind: KindTime, Times: vals, Valid: valid}
	default:
		for i, v := range raw {
			valid[i] = v != ""
		}
		return &Column{Name: name, Kind: KindString, Strings: raw, Valid: valid}
	}
}

// WriteTable writes a table to path, inferring the format from the file
// extension. Supported: .csv, .tsv (optionally .gz-compressed) and .xlsx.
func WriteTable(t *Table, path string) error {
	ext, gzipped := splitExt(path)
	switch ext {
	case ".csv", ".tsv":
		return writeDelimited(t, path, ext, gzipped)
	case ".xlsx":
		return writeXLSX(t, path)
	default:
		return eris.Errorf("table: unsupported output format %q (want .csv, .tsv, .csv.gz, .tsv.gz or .xlsx)", ext)
	}
}

func writeDelimited(t *Table, path, ext string, gzipped bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "table: create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "table: create %s", path)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(f)
		w = gz
	}

	writer := csv.NewWriter(w)
	if ext == ".tsv" {
		writer.Comma = '\t'
	}
	if err := writer.Write(t.Columns()); err != nil {
		return eris.Wrapf(err, "table: write header to %s", path)
	}
	record := make([]string, t.NumCols())
	for i := 0; i < t.NumRows(); i++ {
		for ci, c := range t.cols {
			record[ci] = cellString(c, i)
		}
		if err := writer.Write(record); err != nil {
			return eris.Wrapf(err, "table: write row to %s", path)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return eris.Wrapf(err, "table: flush %s", path)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return eris.Wrapf(err, "table: close gzip %s", path)
		}
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "table: close %s", path)
	}
	return nil
}

func writeXLSX(t *Table, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "table: create dir for %s", path)
	}
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("data")
	if err != nil {
		return eris.Wrap(err, "table: add xlsx sheet")
	}
	header := sheet.AddRow()
	for _, name := range t.Columns() {
		header.AddCell().SetString(name)
	}
	for i := 0; i < t.NumRows(); i++ {
		row := sheet.AddRow()
		for _, c := range t.cols {
			row.AddCell().SetString(cellString(c, i))
		}
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "table: save %s", path)
	}
	return nil
}

// cellString renders a cell for file output so the column's kind survives a
// round trip through ReadTable's inference: day-resolution times are written
// as plain dates, and integral floats keep an explicit decimal ("42.0").
func cellString(c *Column, i int) string {
	if c.IsNull(i) {
		return ""
	}
	switch c.Kind {
	case KindTime:
		return FormatDate(c.Times[i])
	case KindFloat:
		s := strconv.FormatFloat(c.Floats[i], 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	}
	return c.ValueString(i)
}
