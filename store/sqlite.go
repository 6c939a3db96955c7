// ABOUTME: SQLite-backed persistence for terminal run states and run history queries.
// ABOUTME: Saves are upsert-by-id; the store is an audit trail, never a correctness dependency.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voltaic-labs/carousel/engine"
)

// SqliteStore persists run states to a SQLite database. Cycle records and
// totals are stored as JSON blobs alongside queryable scalar columns.
type SqliteStore struct {
	db *sql.DB
}

// Compile-time check that SqliteStore satisfies the engine's store boundary.
var _ engine.RunStore = (*SqliteStore)(nil)

// Open opens or creates a run-history database at the given path and
// ensures the schema is up to date.
func Open(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT NOT NULL DEFAULT '',
			cycles TEXT NOT NULL,
			totals TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Save upserts the run state by id. Called once per terminal transition;
// re-saving an id overwrites the previous row.
func (s *SqliteStore) Save(state *engine.RunState) error {
	cycles, err := json.Marshal(state.Cycles)
	if err != nil {
		return fmt.Errorf("marshal cycles: %w", err)
	}
	totals, err := json.Marshal(state.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}

	var completedAt any
	if state.CompletedAt != nil {
		completedAt = state.CompletedAt.Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, status, started_at, completed_at, error, cycles, totals)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			cycles = excluded.cycles,
			totals = excluded.totals`,
		state.ID,
		string(state.Status),
		state.StartedAt.Format(time.RFC3339Nano),
		completedAt,
		state.Error,
		string(cycles),
		string(totals),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// LoadRecent returns up to n run states, newest first.
func (s *SqliteStore) LoadRecent(n int) ([]*engine.RunState, error) {
	rows, err := s.db.Query(
		`SELECT run_id, status, started_at, completed_at, error, cycles, totals
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var states []*engine.RunState
	for rows.Next() {
		state, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return states, nil
}

// Load returns one run state by id, or sql.ErrNoRows wrapped if absent.
func (s *SqliteStore) Load(runID string) (*engine.RunState, error) {
	rows, err := s.db.Query(
		`SELECT run_id, status, started_at, completed_at, error, cycles, totals
		 FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate run: %w", err)
		}
		return nil, fmt.Errorf("run %s: %w", runID, sql.ErrNoRows)
	}
	return scanRun(rows)
}

// Latest returns the most recently started run, or nil when the store is
// empty.
func (s *SqliteStore) Latest() (*engine.RunState, error) {
	states, err := s.LoadRecent(1)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return states[0], nil
}

func scanRun(rows *sql.Rows) (*engine.RunState, error) {
	var (
		state       engine.RunState
		status      string
		startedAt   string
		completedAt sql.NullString
		cycles      string
		totals      string
	)
	if err := rows.Scan(&state.ID, &status, &startedAt, &completedAt, &state.Error, &cycles, &totals); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	state.Status = engine.Status(status)
	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	state.StartedAt = started
	if completedAt.Valid {
		completed, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		state.CompletedAt = &completed
	}
	if err := json.Unmarshal([]byte(cycles), &state.Cycles); err != nil {
		return nil, fmt.Errorf("unmarshal cycles: %w", err)
	}
	if err := json.Unmarshal([]byte(totals), &state.Totals); err != nil {
		return nil, fmt.Errorf("unmarshal totals: %w", err)
	}
	return &state, nil
}
