// Package ledger records suite runs and scenario reports in a SQLite file so
// that parity regressions can be traced across invocations.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/go-opparity/internal/harness"
	"github.com/example/go-opparity/internal/stage"
)

//go:embed schema.sql
var schemaSQL string

// Fixed-width timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is a SQLite-backed run history. It is safe for concurrent use.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Run summarizes one suite invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Converter  string
	Total      int
	Passed     int
	Failed     int
	Errored    int
}

// Entry is one recorded scenario report.
type Entry struct {
	ID          string
	RunID       string
	Scenario    string
	Target      string
	Seed        uint64
	State       stage.State
	FailedStage stage.Name
	Error       string
	Elapsed     time.Duration
	RecordedAt  time.Time
}

// Open creates or opens the ledger at path and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: connect %s: %w", path, err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}

	return l.db.Close()
}

// BeginRun starts a run and returns its id.
func (l *Ledger) BeginRun(ctx context.Context, converter string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("ledger: run id: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, converter) VALUES (?, ?, ?)`,
		id.String(), l.stamp(), converter)
	if err != nil {
		return "", fmt.Errorf("ledger: begin run: %w", err)
	}

	return id.String(), nil
}

// Record stores one scenario report under runID.
func (l *Ledger) Record(ctx context.Context, runID string, r harness.Report) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("ledger: result id: %w", err)
	}

	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledger: encode report %s: %w", r.Scenario, err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO results (id, run_id, scenario, target, seed, state, failed_stage, error, elapsed_ns, report_json, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), runID, r.Scenario, r.Target, int64(r.Seed), r.State.String(),
		string(r.FailedStage), r.Error, int64(r.Elapsed), string(doc), l.stamp())
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", r.Scenario, err)
	}

	return nil
}

// FinishRun closes runID and stores its per-state counts.
func (l *Ledger) FinishRun(ctx context.Context, runID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET
			finished_at = ?,
			total   = (SELECT COUNT(*) FROM results WHERE run_id = runs.id),
			passed  = (SELECT COUNT(*) FROM results WHERE run_id = runs.id AND state = 'PASSED'),
			failed  = (SELECT COUNT(*) FROM results WHERE run_id = runs.id AND state = 'FAILED'),
			errored = (SELECT COUNT(*) FROM results WHERE run_id = runs.id AND state NOT IN ('PASSED', 'FAILED'))
		WHERE id = ?`, l.stamp(), runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: unknown run %q", runID)
	}

	return nil
}

// Runs returns the latest runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, started_at, COALESCE(finished_at, ''), converter, total, passed, failed, errored
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: query runs: %w", err)
	}
	defer rows.Close()

	var out []Run

	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)

		if err := rows.Scan(&r.ID, &started, &finished, &r.Converter, &r.Total, &r.Passed, &r.Failed, &r.Errored); err != nil {
			return nil, fmt.Errorf("ledger: scan run: %w", err)
		}

		if r.StartedAt, err = parseStamp(started); err != nil {
			return nil, err
		}

		if finished != "" {
			if r.FinishedAt, err = parseStamp(finished); err != nil {
				return nil, err
			}
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// Entries returns the reports recorded for runID in scenario order, or
// the latest reports of every run when runID is empty.
func (l *Ledger) Entries(ctx context.Context, runID string, limit int) ([]Entry, error) {
	query := `SELECT id, run_id, scenario, target, seed, state, failed_stage, error, elapsed_ns, recorded_at FROM results`

	var args []any
	if runID != "" {
		query += ` WHERE run_id = ? ORDER BY recorded_at, id`
		args = append(args, runID)
	} else {
		query += ` ORDER BY recorded_at DESC, id DESC`
	}

	query += ` LIMIT ?`
	args = append(args, limitOrAll(limit))

	return l.queryEntries(ctx, query, args...)
}

// ScenarioHistory returns the latest reports of one scenario, newest first.
func (l *Ledger) ScenarioHistory(ctx context.Context, scenario string, limit int) ([]Entry, error) {
	return l.queryEntries(ctx, `
		SELECT id, run_id, scenario, target, seed, state, failed_stage, error, elapsed_ns, recorded_at
		FROM results WHERE scenario = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`, scenario, limitOrAll(limit))
}

// Report returns the full stored report of one entry.
func (l *Ledger) Report(ctx context.Context, entryID string) (harness.Report, error) {
	var doc string

	err := l.db.QueryRowContext(ctx, `SELECT report_json FROM results WHERE id = ?`, entryID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return harness.Report{}, fmt.Errorf("ledger: unknown entry %q", entryID)
	}

	if err != nil {
		return harness.Report{}, fmt.Errorf("ledger: load entry: %w", err)
	}

	var r harness.Report
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return harness.Report{}, fmt.Errorf("ledger: decode entry %s: %w", entryID, err)
	}

	return r, nil
}

func (l *Ledger) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query results: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			e                  Entry
			seed, elapsed      int64
			state, failedStage string
			recorded           string
		)

		if err := rows.Scan(&e.ID, &e.RunID, &e.Scenario, &e.Target, &seed, &state, &failedStage, &e.Error, &elapsed, &recorded); err != nil {
			return nil, fmt.Errorf("ledger: scan result: %w", err)
		}

		if err := e.State.UnmarshalText([]byte(state)); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}

		if e.RecordedAt, err = parseStamp(recorded); err != nil {
			return nil, err
		}

		e.Seed = uint64(seed)
		e.Elapsed = time.Duration(elapsed)
		e.FailedStage = stage.Name(failedStage)

		out = append(out, e)
	}

	return out, rows.Err()
}

func (l *Ledger) stamp() string {
	return l.now().UTC().Format(timeLayout)
}

func parseStamp(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: bad timestamp %q: %w", s, err)
	}

	return t, nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}

	return limit
}
