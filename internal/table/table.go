// Package table implements the in-memory column-oriented table the linkage
// pipeline moves between its stages, plus format-dispatched file I/O.
package table

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Kind identifies the element type of a Column.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Column is a single named, typed column. Only the slice matching Kind is
// populated; Valid marks non-null cells and always has the column's length.
type Column struct {
	Name    string
	Kind    Kind
	Ints    []int64
	Floats  []float64
	Strings []string
	Times   []time.Time
	Valid   []bool
}

// NewIntColumn builds an int column. A nil valid slice means all cells are set.
func NewIntColumn(name string, vals []int64, valid []bool) *Column {
	return &Column{Name: name, Kind: KindInt, Ints: vals, Valid: fillValid(valid, len(vals))}
}

// NewFloatColumn builds a float column. A nil valid slice means all cells are set.
func NewFloatColumn(name string, vals []float64, valid []bool) *Column {
	return &Column{Name: name, Kind: KindFloat, Floats: vals, Valid: fillValid(valid, len(vals))}
}

// NewStringColumn builds a string column. Empty strings are stored as nulls.
func NewStringColumn(name string, vals []string) *Column {
	valid := make([]bool, len(vals))
	for i, v := range vals {
		valid[i] = v != ""
	}
	return &Column{Name: name, Kind: KindString, Strings: vals, Valid: valid}
}

// NewTimeColumn builds a time column. A nil valid slice means all cells are set.
func NewTimeColumn(name string, vals []time.Time, valid []bool) *Column {
	return &Column{Name: name, Kind: KindTime, Times: vals, Valid: fillValid(valid, len(vals))}
}

func fillValid(valid []bool, n int) []bool {
	if valid != nil {
		return valid
	}
	v := make([]bool, n)
	for i := range v {
		v[i] = true
	}
	return v
}

// Len returns the number of cells in the column.
func (c *Column) Len() int { return len(c.Valid) }

// IsNull reports whether cell i is null.
func (c *Column) IsNull(i int) bool { return !c.Valid[i] }

// ValueString renders cell i canonically: ints in base 10, floats in compact
// form, times as RFC 3339 date-times, nulls as the empty string.
func (c *Column) ValueString(i int) string {
	if !c.Valid[i] {
		return ""
	}
	switch c.Kind {
	case KindInt:
		return strconv.FormatInt(c.Ints[i], 10)
	case KindFloat:
		return strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
	case KindString:
		return c.Strings[i]
	case KindTime:
		return c.Times[i].UTC().Format(time.RFC3339)
	}
	return ""
}

func (c *Column) appendNull() {
	switch c.Kind {
	case KindInt:
		c.Ints = append(c.Ints, 0)
	case KindFloat:
		c.Floats = append(c.Floats, 0)
	case KindString:
		c.Strings = append(c.Strings, "")
	case KindTime:
		c.Times = append(c.Times, time.Time{})
	}
	c.Valid = append(c.Valid, false)
}

func (c *Column) appendFrom(src *Column, i int) {
	if !src.Valid[i] {
		c.appendNull()
		return
	}
	switch c.Kind {
	case KindInt:
		c.Ints = append(c.Ints, src.Ints[i])
	case KindFloat:
		c.Floats = append(c.Floats, src.Floats[i])
	case KindString:
		c.Strings = append(c.Strings, src.Strings[i])
	case KindTime:
		c.Times = append(c.Times, src.Times[i])
	}
	c.Valid = append(c.Valid, true)
}

func emptyLike(src *Column, capHint int) *Column {
	c := &Column{Name: src.Name, Kind: src.Kind, Valid: make([]bool, 0, capHint)}
	switch src.Kind {
	case KindInt:
		c.Ints = make([]int64, 0, capHint)
	case KindFloat:
		c.Floats = make([]float64, 0, capHint)
	case KindString:
		c.Strings = make([]string, 0, capHint)
	case KindTime:
		c.Times = make([]time.Time, 0, capHint)
	}
	return c
}

// Table is an immutable-by-convention set of equal-length named columns.
// Operations return new tables; shared columns are never mutated in place.
type Table struct {
	cols  []*Column
	index map[string]int
}

// New assembles a table from columns. Column names must be unique and all
// columns must have the same length.
func New(cols ...*Column) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for _, c := range cols {
		if err := t.addColumn(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) addColumn(c *Column) error {
	if _, dup := t.index[c.Name]; dup {
		return eris.Errorf("table: duplicate column %q", c.Name)
	}
	if len(t.cols) > 0 && c.Len() != t.NumRows() {
		return eris.Errorf("table: column %q has %d rows, want %d", c.Name, c.Len(), t.NumRows())
	}
	t.index[c.Name] = len(t.cols)
	t.cols = append(t.cols, c)
	return nil
}

// NumRows returns the row count (0 for an empty table).
func (t *Table) NumRows() int {
	if len(t.cols) == 0 {
		return 0
	}
	return t.cols[0].Len()
}

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.cols) }

// Columns returns column names in order.
func (t *Table) Columns() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// Col returns the named column, or false if absent.
func (t *Table) Col(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.cols[i], true
}

// HasCol reports whether the named column exists.
func (t *Table) HasCol(name string) bool {
	_, ok := t.index[name]
	return ok
}

// WithColumn returns a new table sharing t's columns plus c appended.
func (t *Table) WithColumn(c *Column) (*Table, error) {
	out := &Table{
		cols:  append([]*Column(nil), t.cols...),
		index: make(map[string]int, len(t.cols)+1),
	}
	for name, i := range t.index {
		out.index[name] = i
	}
	if err := out.addColumn(c); err != nil {
		return nil, err
	}
	return out, nil
}

// Select returns a new table with the named columns, in the given order.
// Columns are shared, not copied.
func (t *Table) Select(names ...string) (*Table, error) {
	out := &Table{index: make(map[string]int, len(names))}
	for _, name := range names {
		c, ok := t.Col(name)
		if !ok {
			return nil, eris.Errorf("table: select: no column %q", name)
		}
		if err := out.addColumn(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Filter returns a new table with only the rows where keep[i] is true.
func (t *Table) Filter(keep []bool) (*Table, error) {
	if len(keep) != t.NumRows() {
		return nil, eris.Errorf("table: filter mask has %d entries, want %d", len(keep), t.NumRows())
	}
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	out := &Table{index: make(map[string]int, len(t.cols))}
	for _, src := range t.cols {
		dst := emptyLike(src, n)
		for i, k := range keep {
			if k {
				dst.appendFrom(src, i)
			}
		}
		if err := out.addColumn(dst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// joinKey renders the key cells of row i as one string, or false when any key
// cell is null (null keys never match).
func joinKey(cols []*Column, i int) (string, bool) {
	key := ""
	for _, c := range cols {
		if c.IsNull(i) {
			return "", false
		}
		key += c.ValueString(i) + "\x1f"
	}
	return key, true
}

// LeftJoin joins right onto t matching leftKeys against rightKeys, keeping
// every row of t in its original order. Right key columns are dropped from
// the output; when a right key occurs on several rows the first one wins.
// Non-key column name overlap between the two tables is an error.
func (t *Table) LeftJoin(right *Table, leftKeys, rightKeys []string) (*Table, error) {
	if len(leftKeys) != len(rightKeys) || len(leftKeys) == 0 {
		return nil, eris.New("table: join requires matching non-empty key lists")
	}

	leftKeyCols := make([]*Column, len(leftKeys))
	for i, name := range leftKeys {
		c, ok := t.Col(name)
		if !ok {
			return nil, eris.Errorf("table: join: left table has no column %q", name)
		}
		leftKeyCols[i] = c
	}
	rightKeyCols := make([]*Column, len(rightKeys))
	rightKeySet := make(map[string]bool, len(rightKeys))
	for i, name := range rightKeys {
		c, ok := right.Col(name)
		if !ok {
			return nil, eris.Errorf("table: join: right table has no column %q", name)
		}
		rightKeyCols[i] = c
		rightKeySet[name] = true
	}
	for i := range leftKeys {
		if leftKeyCols[i].Kind != rightKeyCols[i].Kind {
			return nil, eris.Errorf("table: join: key %q is %s on the left but %s on the right",
				leftKeys[i], leftKeyCols[i].Kind, rightKeyCols[i].Kind)
		}
	}

	var payload []*Column
	for _, c := range right.cols {
		if rightKeySet[c.Name] {
			continue
		}
		if t.HasCol(c.Name) {
			return nil, eris.Errorf("table: join: column %q exists in both tables", c.Name)
		}
		payload = append(payload, c)
	}

	lookup := make(map[string]int, right.NumRows())
	for i := 0; i < right.NumRows(); i++ {
		key, ok := joinKey(rightKeyCols, i)
		if !ok {
			continue
		}
		if _, seen := lookup[key]; !seen {
			lookup[key] = i
		}
	}

	out := &Table{index: make(map[string]int, len(t.cols)+len(payload))}
	for _, c := range t.cols {
		if err := out.addColumn(c); err != nil {
			return nil, err
		}
	}
	nRows := t.NumRows()
	for _, src := range payload {
		dst := emptyLike(src, nRows)
		for i := 0; i < nRows; i++ {
			key, ok := joinKey(leftKeyCols, i)
			if !ok {
				dst.appendNull()
				continue
			}
			if j, hit := lookup[key]; hit {
				dst.appendFrom(src, j)
			} else {
				dst.appendNull()
			}
		}
		if err := out.addColumn(dst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Rename returns a new table with one column renamed. Columns are shared.
func (t *Table) Rename(from, to string) (*Table, error) {
	i, ok := t.index[from]
	if !ok {
		return nil, eris.Errorf("table: rename: no column %q", from)
	}
	if t.HasCol(to) {
		return nil, eris.Errorf("table: rename: column %q already exists", to)
	}
	out := &Table{cols: append([]*Column(nil), t.cols...), index: make(map[string]int, len(t.cols))}
	renamed := *t.cols[i]
	renamed.Name = to
	out.cols[i] = &renamed
	for j, c := range out.cols {
		out.index[c.Name] = j
	}
	return out, nil
}

// Concat stacks tables with identical schemas (same column names, order and
// kinds) into one table.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return New()
	}
	first := tables[0]
	total := 0
	for _, t := range tables {
		total += t.NumRows()
	}
	out := &Table{index: make(map[string]int, len(first.cols))}
	for ci, ref := range first.cols {
		dst := emptyLike(ref, total)
		for _, t := range tables {
			if t.NumCols() != first.NumCols() {
				return nil, eris.New("table: concat: column count mismatch")
			}
			src := t.cols[ci]
			if src.Name != ref.Name || src.Kind != ref.Kind {
				return nil, eris.Errorf("table: concat: column %d is %s %q, want %s %q",
					ci, src.Kind, src.Name, ref.Kind, ref.Name)
			}
			for i := 0; i < src.Len(); i++ {
				dst.appendFrom(src, i)
			}
		}
		if err := out.addColumn(dst); err != nil {
			return nil, err
		}
	}
	return out, nil
}
