package contextual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/biodem/linkdata/internal/db"
	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// PostgresSource reads contextual records from one Postgres table holding
// the full multi-year dataset. The year and area restrictions are pushed
// into the query so only the respondents' footprint ever crosses the wire.
type PostgresSource struct {
	pool   db.Pool
	table  string
	schema Schema
	years  []int
}

// NewPostgresSource validates the table name and discovers the years present.
func NewPostgresSource(ctx context.Context, pool db.Pool, tableName string, schema Schema) (*PostgresSource, error) {
	if !validIdent(tableName) {
		return nil, eris.Errorf("contextual: invalid table name %q", tableName)
	}
	for _, col := range append([]string{schema.DateCol, schema.AreaCol}, schema.MeasureCols...) {
		if !validIdent(col) {
			return nil, eris.Errorf("contextual: invalid column name %q", col)
		}
	}

	s := &PostgresSource{pool: pool, table: tableName, schema: schema}
	rows, err := pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT EXTRACT(YEAR FROM %s)::int AS yr FROM %s ORDER BY yr`,
		schema.DateCol, tableName,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "contextual: discover years in %s", tableName)
	}
	defer rows.Close()
	for rows.Next() {
		var year int
		if err := rows.Scan(&year); err != nil {
			return nil, eris.Wrap(err, "contextual: scan year")
		}
		s.years = append(s.years, year)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "contextual: discover years in %s", tableName)
	}
	return s, nil
}

// validIdent accepts plain (optionally schema-qualified) SQL identifiers;
// table and column names come from configuration, not user data rows.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for i, r := range part {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
				if i == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// Years returns the years present in the table, ascending.
func (s *PostgresSource) Years() []int { return s.years }

// LoadYear selects one year's records, filtered to the area set in SQL.
func (s *PostgresSource) LoadYear(ctx context.Context, year int, areas map[string]struct{}) (*table.Table, error) {
	cols := append([]string{s.schema.DateCol, s.schema.AreaCol}, s.schema.MeasureCols...)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s >= $1 AND %s < $2`,
		strings.Join(cols, ", "), s.table, s.schema.DateCol, s.schema.DateCol,
	)
	args := []any{
		model.DateOf(year, time.January, 1),
		model.DateOf(year+1, time.January, 1),
	}
	if areas != nil {
		list := make([]string, 0, len(areas))
		for a := range areas {
			list = append(list, a)
		}
		query += fmt.Sprintf(` AND %s = ANY($3)`, s.schema.AreaCol)
		args = append(args, list)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "contextual: query %s for %d", s.table, year)
	}
	defer rows.Close()

	var (
		dates     []time.Time
		dateValid []bool
		areaStrs  []string
		measures  = make([][]float64, len(s.schema.MeasureCols))
		measValid = make([][]bool, len(s.schema.MeasureCols))
	)
	for rows.Next() {
		var date time.Time
		var area string
		vals := make([]*float64, len(s.schema.MeasureCols))
		dest := []any{&date, &area}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "contextual: scan record")
		}
		dates = append(dates, model.Day(date))
		dateValid = append(dateValid, true)
		areaStrs = append(areaStrs, model.NormalizeAreaCode(area))
		for i, v := range vals {
			if v != nil {
				measures[i] = append(measures[i], *v)
				measValid[i] = append(measValid[i], true)
			} else {
				measures[i] = append(measures[i], 0)
				measValid[i] = append(measValid[i], false)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "contextual: query %s for %d", s.table, year)
	}

	tcols := []*table.Column{
		table.NewTimeColumn(s.schema.DateCol, dates, dateValid),
		table.NewStringColumn(s.schema.AreaCol, areaStrs),
	}
	for i, m := range s.schema.MeasureCols {
		tcols = append(tcols, table.NewFloatColumn(m, measures[i], measValid[i]))
	}
	return table.New(tcols...)
}
