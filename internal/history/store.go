package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Run is a single launch of a worker.
type Run struct {
	UUID     string
	Worker   string
	Pid      int
	Started  *time.Time
	Stopped  *time.Time
	State    model.State
	ExitCode *int
	Reason   *string
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, worker: %q, state: %s, pid: %d", r.UUID, r.Worker, r.State, r.Pid)
	if r.Started != nil {
		fmt.Fprintf(&sb, ", started: %s", r.Started.Format(time.RFC3339))
	}
	if r.Stopped != nil {
		fmt.Fprintf(&sb, ", stopped: %s", r.Stopped.Format(time.RFC3339))
	}
	if r.ExitCode != nil {
		fmt.Fprintf(&sb, ", exit_code: %d", *r.ExitCode)
	}
	if r.Reason != nil {
		fmt.Fprintf(&sb, ", reason: %q", *r.Reason)
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			worker TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			started TEXT DEFAULT NULL,
			stopped TEXT DEFAULT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER DEFAULT NULL,
			reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Start persists that a worker identified by 'uuid' is running.
// If the run is still in progress, no error is returned,
// if it has already finished ErrAlreadyFinished is returned.
func Start(ctx context.Context, db *sql.DB, uuid, worker string, pid int, started time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM runs WHERE uuid=?`, uuid,
	).Scan(&state)
	switch {
	case err == nil && state == model.Running.String():
		return nil
	case err == nil:
		return ErrAlreadyFinished
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, worker, pid, started, state) VALUES (?,?,?,?,?);`,
		uuid, worker, pid, formatTime(started), model.Running.String(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the terminal state of a run identified by 'uuid',
// ErrNotFound when the run does not exist,
// ErrAlreadyFinished when it has already finished.
func Finish(ctx context.Context, db *sql.DB, uuid string, state model.State, stopped time.Time, exitCode *int, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("finishing run %s: state %s is not terminal", uuid, state)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM runs WHERE uuid=?`, uuid,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case current != model.Running.String():
		return ErrAlreadyFinished
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			state = ?,
			stopped = ?,
			exit_code = ?,
			reason = ?
		WHERE uuid = ?;
		`, state.String(), formatTime(stopped), nullInt(exitCode), nullString(reason), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Insert stores a run which never reached the running state, like a
// worker whose launch failed.
func Insert(ctx context.Context, db *sql.DB, run Run) error {
	var started, stopped any
	if run.Started != nil {
		started = formatTime(*run.Started)
	}
	if run.Stopped != nil {
		stopped = formatTime(*run.Stopped)
	}
	var reason any
	if run.Reason != nil {
		reason = *run.Reason
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (uuid, worker, pid, started, stopped, state, exit_code, reason) VALUES (?,?,?,?,?,?,?,?);`,
		run.UUID, run.Worker, run.Pid, started, stopped, run.State.String(), nullInt(run.ExitCode), reason,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Get returns a run identified by 'uuid' on success,
// ErrNotFound when it does not exist, error otherwise.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, worker, pid, started, stopped, state, exit_code, reason FROM runs WHERE uuid=?`, uuid,
	)
	run, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return run, nil
}

// List returns the most recent runs first. An empty worker lists runs of
// all workers, limit <= 0 means no limit.
func List(ctx context.Context, db *sql.DB, worker string, limit int) ([]RunRow, error) {
	query := `SELECT id, uuid, worker, pid, started, stopped, state, exit_code, reason FROM runs`
	var args []any
	if worker != "" {
		query += ` WHERE worker=?`
		args = append(args, worker)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []RunRow
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return ret, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var (
		row              RunRow
		started, stopped sql.NullString
		state            string
		exitCode         sql.NullInt64
		reason           sql.NullString
	)
	err := s.Scan(&row.ID, &row.UUID, &row.Worker, &row.Pid, &started, &stopped, &state, &exitCode, &reason)
	if err != nil {
		return RunRow{}, err
	}
	if err := row.State.UnmarshalText([]byte(state)); err != nil {
		return RunRow{}, err
	}
	if row.Started, err = parseTime(started); err != nil {
		return RunRow{}, err
	}
	if row.Stopped, err = parseTime(stopped); err != nil {
		return RunRow{}, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		row.ExitCode = &code
	}
	if reason.Valid {
		row.Reason = &reason.String
	}
	return row, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "calling tx.Rollback failed", "uuid", uuid, "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
