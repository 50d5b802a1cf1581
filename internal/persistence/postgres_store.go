package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gantryflow/gantry/pkg/api"
)

// PostgresStore is a RunStore and TaskStore backed by PostgreSQL.
//
// It expects an *sql.DB using a Postgres driver; the caller imports the
// driver of their choice (pgx stdlib, lib/pq) and opens the pool.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ RunStore  = (*PostgresStore)(nil)
	_ TaskStore = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the schema and returns a new store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_runs (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS step_transitions (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_step_transitions_run_id ON step_transitions(run_id, id);
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			flow_yaml TEXT NOT NULL,
			inputs_json BYTEA,
			run_at BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			locked_until BIGINT,
			worker_id TEXT,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, run_at);
	`)
	return err
}

func (s *PostgresStore) CreateFlowRun(ctx context.Context, run *api.FlowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_runs (id, flow_id, task_id, status, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.FlowID, run.TaskID, string(run.Status), run.Error,
		run.StartedAt.UnixNano(), timeToNano(run.CompletedAt))
	return err
}

func (s *PostgresStore) UpdateFlowRun(ctx context.Context, run *api.FlowRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_runs
		SET status = $1, error = $2, completed_at = $3
		WHERE id = $4`,
		string(run.Status), run.Error, timeToNano(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) GetFlowRun(ctx context.Context, id string) (*api.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, task_id, status, error, started_at, completed_at
		FROM flow_runs
		WHERE id = $1`, id)

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

func (s *PostgresStore) RecordStepTransition(ctx context.Context, tr api.StepTransition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_transitions (run_id, step_id, from_status, to_status, attempt, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.RunID, tr.StepID, string(tr.From), string(tr.To), tr.Attempt, tr.Detail, at.UnixNano())
	return err
}

func (s *PostgresStore) ListStepTransitions(ctx context.Context, runID string) ([]api.StepTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, from_status, to_status, attempt, detail, at
		FROM step_transitions
		WHERE run_id = $1
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

func (s *PostgresStore) CreateTask(ctx context.Context, t *api.ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = api.TaskPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, flow_yaml, inputs_json, run_at, status, attempts, last_error, locked_until, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.FlowYAML, t.InputsJSON, t.RunAt.UnixNano(), string(t.Status),
		t.Attempts, nullString(t.LastError), nullNano(t.LockedUntil),
		nullString(t.WorkerID), t.CreatedAt.UnixNano())
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*api.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_yaml, inputs_json, run_at, status, attempts, last_error, locked_until, worker_id, created_at
		FROM scheduled_tasks
		WHERE id = $1`, id)

	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

// ClaimDueTasks claims in a single statement: the inner SELECT takes
// row locks with SKIP LOCKED so concurrent claimants partition the due
// set instead of contending on it.
func (s *PostgresStore) ClaimDueTasks(ctx context.Context, now time.Time, leaseDuration time.Duration, workerID string, limit int) ([]*api.ScheduledTask, error) {
	if limit <= 0 {
		limit = 16
	}
	nowN := now.UnixNano()
	until := now.Add(leaseDuration).UnixNano()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_tasks
		SET status = 'running', worker_id = $1, locked_until = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE (status = 'pending' AND run_at <= $3)
			   OR (status = 'running' AND locked_until IS NOT NULL AND locked_until <= $3)
			ORDER BY run_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, flow_yaml, inputs_json, run_at, status, attempts, last_error, locked_until, worker_id, created_at`,
		workerID, until, nowN, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*api.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) RenewLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	until := time.Now().Add(leaseDuration).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET locked_until = $1
		WHERE id = $2 AND worker_id = $3 AND status = 'running'`,
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

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID, workerID string, outcome api.TaskOutcome, lastError string) error {
	status := api.TaskDone
	if outcome == api.OutcomeFailed {
		status = api.TaskFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = $1, last_error = $2, locked_until = NULL, worker_id = NULL
		WHERE id = $3 AND worker_id = $4 AND status = 'running'`,
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
