package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gantryflow/gantry/pkg/api"
)

// SQLiteStore is a RunStore and TaskStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ RunStore  = (*SQLiteStore)(nil)
	_ TaskStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_runs (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS step_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_step_transitions_run_id ON step_transitions(run_id, id);
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			flow_yaml TEXT NOT NULL,
			inputs_json BLOB,
			run_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			locked_until INTEGER,
			worker_id TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, run_at);
	`)
	return err
}

func (s *SQLiteStore) CreateFlowRun(ctx context.Context, run *api.FlowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_runs (id, flow_id, task_id, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.FlowID,
		run.TaskID,
		string(run.Status),
		run.Error,
		run.StartedAt.UnixNano(),
		timeToNano(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateFlowRun(ctx context.Context, run *api.FlowRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status),
		run.Error,
		timeToNano(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) GetFlowRun(ctx context.Context, id string) (*api.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, task_id, status, error, started_at, completed_at
		FROM flow_runs
		WHERE id = ?`, id)

	var run api.FlowRun
	var statusStr string
	var startedAt, completedAt int64

	if err := row.Scan(&run.ID, &run.FlowID, &run.TaskID, &statusStr, &run.Error, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	run.Status = api.RunStatus(statusStr)
	run.StartedAt = time.Unix(0, startedAt)
	run.CompletedAt = nanoToTime(completedAt)
	return &run, nil
}

func (s *SQLiteStore) RecordStepTransition(ctx context.Context, tr api.StepTransition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_transitions (run_id, step_id, from_status, to_status, attempt, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID,
		tr.StepID,
		string(tr.From),
		string(tr.To),
		tr.Attempt,
		tr.Detail,
		at.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListStepTransitions(ctx context.Context, runID string) ([]api.StepTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, from_status, to_status, attempt, detail, at
		FROM step_transitions
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepTransition
	for rows.Next() {
		var tr api.StepTransition
		var from, to string
		var atN int64
		if err := rows.Scan(&tr.RunID, &tr.StepID, &from, &to, &tr.Attempt, &tr.Detail, &atN); err != nil {
			return nil, err
		}
		tr.From = api.StepStatus(from)
		tr.To = api.StepStatus(to)
		tr.At = time.Unix(0, atN)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *api.ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = api.TaskPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, flow_yaml, inputs_json, run_at, status, attempts, last_error, locked_until, worker_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.FlowYAML,
		t.InputsJSON,
		t.RunAt.UnixNano(),
		string(t.Status),
		t.Attempts,
		nullString(t.LastError),
		nullNano(t.LockedUntil),
		nullString(t.WorkerID),
		t.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*api.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_yaml, inputs_json, run_at, status, attempts, last_error, locked_until, worker_id, created_at
		FROM scheduled_tasks
		WHERE id = ?`, id)

	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

// ClaimDueTasks selects candidates inside a transaction and claims each
// with a conditional UPDATE keyed on prior status and lease value, so
// concurrent claimants never claim the same task.
func (s *SQLiteStore) ClaimDueTasks(ctx context.Context, now time.Time, leaseDuration time.Duration, workerID string, limit int) ([]*api.ScheduledTask, error) {
	if limit <= 0 {
		limit = 16
	}
	nowN := now.UnixNano()
	until := now.Add(leaseDuration).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM scheduled_tasks
		WHERE (status = 'pending' AND run_at <= ?)
		   OR (status = 'running' AND locked_until IS NOT NULL AND locked_until <= ?)
		ORDER BY run_at, id
		LIMIT ?`, nowN, nowN, limit)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claimedIDs []string
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'running', worker_id = ?, locked_until = ?, attempts = attempts + 1
			WHERE id = ?
			  AND ((status = 'pending' AND run_at <= ?)
			    OR (status = 'running' AND locked_until IS NOT NULL AND locked_until <= ?))`,
			workerID, until, id, nowN, nowN)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			claimedIDs = append(claimedIDs, id)
		}
	}

	claimed := make([]*api.ScheduledTask, 0, len(claimedIDs))
	for _, id := range claimedIDs {
		row := tx.QueryRowContext(ctx, `
			SELECT id, flow_yaml, inputs_json, run_at, status, attempts, last_error, locked_until, worker_id, created_at
			FROM scheduled_tasks
			WHERE id = ?`, id)
		t, err := scanTask(row.Scan)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	until := time.Now().Add(leaseDuration).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET locked_until = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'`,
		until, taskID, workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseConflict
	}
	return nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID, workerID string, outcome api.TaskOutcome, lastError string) error {
	status := api.TaskDone
	if outcome == api.OutcomeFailed {
		status = api.TaskFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, last_error = ?, locked_until = NULL, worker_id = NULL
		WHERE id = ? AND worker_id = ? AND status = 'running'`,
		string(status), nullString(lastError), taskID, workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseConflict
	}
	return nil
}

func scanTask(scan func(...any) error) (*api.ScheduledTask, error) {
	var (
		t           api.ScheduledTask
		statusStr   string
		runAt       int64
		lastErr     sql.NullString
		lockedUntil sql.NullInt64
		workerID    sql.NullString
		createdAt   int64
	)
	if err := scan(&t.ID, &t.FlowYAML, &t.InputsJSON, &runAt, &statusStr, &t.Attempts, &lastErr, &lockedUntil, &workerID, &createdAt); err != nil {
		return nil, err
	}
	t.Status = api.TaskStatus(statusStr)
	t.RunAt = time.Unix(0, runAt)
	t.CreatedAt = time.Unix(0, createdAt)
	if lastErr.Valid {
		t.LastError = lastErr.String
	}
	if lockedUntil.Valid && lockedUntil.Int64 > 0 {
		t.LockedUntil = time.Unix(0, lockedUntil.Int64)
	}
	if workerID.Valid {
		t.WorkerID = workerID.String
	}
	return &t, nil
}

func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullNano(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
