// Package runlog keeps per-run bookkeeping in SQLite: one row per linkage
// run plus one row per skipped or failed lag, so a completed run can report
// how many lags were dropped and why.
package runlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Run is one linkage run's record.
type Run struct {
	ID          string     `json:"id"`
	Measure     string     `json:"measure"`
	Mode        string     `json:"mode"`
	Strategy    string     `json:"strategy"`
	Status      string     `json:"status"`
	Lags        int        `json:"lags"`
	Linked      int        `json:"linked"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LagEvent records why one lag produced no output.
type LagEvent struct {
	Lag    int    `json:"lag"`
	Status string `json:"status"` // skipped or failed
	Detail string `json:"detail"`
}

// Store is the SQLite-backed run log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run log database and configures WAL mode.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "runlog: exec %s", pragma)
		}
	}
	return &Store{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	measure      TEXT NOT NULL,
	mode         TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	lags         INTEGER NOT NULL,
	linked       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS lag_events (
	run_id TEXT NOT NULL REFERENCES runs(id),
	lag    INTEGER NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, lag)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_lag_events_run_id ON lag_events(run_id);
`

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "runlog: migrate")
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Start records the beginning of a run.
func (s *Store) Start(ctx context.Context, id, measure, mode, strategy string, lags int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, measure, mode, strategy, status, lags, started_at)
		 VALUES (?, ?, ?, ?, 'running', ?, ?)`,
		id, measure, mode, strategy, lags, time.Now().UTC(),
	)
	return eris.Wrapf(err, "runlog: start run %s", id)
}

// Complete marks a run finished and records its totals.
func (s *Store) Complete(ctx context.Context, id string, linked, skipped, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'complete', linked = ?, skipped = ?, failed = ?, completed_at = ?
		 WHERE id = ?`,
		linked, skipped, failed, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", id)
	}
	return checkFound(res, id)
}

// Fail marks a run aborted with a fatal error.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', error = ?, completed_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", id)
	}
	return checkFound(res, id)
}

// RecordLagEvents stores the diagnostics for dropped lags, all in one
// transaction; a long run can drop thousands of lags.
func (s *Store) RecordLagEvents(ctx context.Context, runID string, events []LagEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "runlog: begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO lag_events (run_id, lag, status, detail) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "runlog: prepare lag event insert")
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, runID, e.Lag, e.Status, e.Detail); err != nil {
			return eris.Wrapf(err, "runlog: record lag %d for run %s", e.Lag, runID)
		}
	}
	return eris.Wrap(tx.Commit(), "runlog: record lag events")
}

// ListRuns returns runs ordered most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, measure, mode, strategy, status, lags, linked, skipped, failed,
		        COALESCE(error, ''), started_at, completed_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Measure, &r.Mode, &r.Strategy, &r.Status,
			&r.Lags, &r.Linked, &r.Skipped, &r.Failed, &r.Error, &r.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run and its lag diagnostics.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, []LagEvent, error) {
	var r Run
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, measure, mode, strategy, status, lags, linked, skipped, failed,
		        COALESCE(error, ''), started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Measure, &r.Mode, &r.Strategy, &r.Status,
		&r.Lags, &r.Linked, &r.Skipped, &r.Failed, &r.Error, &r.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, nil, eris.Errorf("runlog: run %s not found", id)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "runlog: get run %s", id)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT lag, status, detail FROM lag_events WHERE run_id = ? ORDER BY lag`, id,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "runlog: lag events for %s", id)
	}
	defer rows.Close()

	var events []LagEvent
	for rows.Next() {
		var e LagEvent
		if err := rows.Scan(&e.Lag, &e.Status, &e.Detail); err != nil {
			return nil, nil, eris.Wrap(err, "runlog: scan lag event")
		}
		events = append(events, e)
	}
	return &r, events, rows.Err()
}

func checkFound(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "runlog: rows affected")
	}
	if n == 0 {
		return eris.Errorf("runlog: run %s not found", id)
	}
	return nil
}
