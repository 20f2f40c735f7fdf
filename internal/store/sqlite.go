package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/cvs/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    pool        TEXT NOT NULL,
    command     TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
)`

const createHostResultsTable = `
CREATE TABLE IF NOT EXISTS host_results (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    host         TEXT NOT NULL,
    command      TEXT NOT NULL,
    exit_code    INTEGER NOT NULL,
    output       TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (execution_id, seq)
)`

const executionColumns = `id, pool, command, status, error, duration_ms, started_at, finished_at`

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(createExecutionsTable); err != nil {
		return fmt.Errorf("create executions table: %w", err)
	}
	if _, err := db.Exec(createHostResultsTable); err != nil {
		return fmt.Errorf("create host_results table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at)"); err != nil {
		return fmt.Errorf("create started_at index: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordExecution inserts an execution and its host results in a single
// transaction. An empty ID is filled in.
func (s *SQLiteStore) RecordExecution(ctx context.Context, e *model.Execution) error {
	if e.ID == "" {
		e.ID = model.NewID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Pool, e.Command, e.Status, e.Error, e.DurationMS, e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for i, h := range e.Hosts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO host_results (execution_id, seq, host, command, exit_code, output, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, i, h.Host, h.Command, h.ExitCode, h.Output, h.Error,
		)
		if err != nil {
			return fmt.Errorf("insert host result for %s: %w", h.Host, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*model.Execution, error) {
	e := &model.Execution{}
	err := row.Scan(&e.ID, &e.Pool, &e.Command, &e.Status, &e.Error, &e.DurationMS, &e.StartedAt, &e.FinishedAt)
	return e, err
}

// GetExecution retrieves an execution and its host results by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT host, command, exit_code, output, error
		FROM host_results WHERE execution_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get host results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h model.HostResult
		if err := rows.Scan(&h.Host, &h.Command, &h.ExitCode, &h.Output, &h.Error); err != nil {
			return nil, fmt.Errorf("scan host result: %w", err)
		}
		e.Hosts = append(e.Hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate host results: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions, newest first, without their
// host results, along with the total count of all executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// Stats aggregates the recorded executions.
func (s *SQLiteStore) Stats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByPool:   make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM executions",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "pool", stats.CountByPool); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM host_results WHERE exit_code != 0",
	).Scan(&stats.FailedHostRuns); err != nil {
		return nil, fmt.Errorf("count failed host runs: %w", err)
	}
	return stats, nil
}

// countBy fills into with execution counts grouped by column. column is
// never user input.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM executions GROUP BY %s", column, column))
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
