// Package persistence provides durable bookkeeping for flow runs, the
// append-only step transition log, and scheduled tasks.
//
// The store is the only shared mutable resource across workers: all
// cross-worker coordination (task claiming, lease renewal) goes through
// its atomic operations. No in-memory lock is assumed to be visible
// across workers.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/gantryflow/gantry/pkg/api"
)

var (
	// ErrRunNotFound is returned when a flow run is not found.
	ErrRunNotFound = errors.New("flow run not found")

	// ErrTaskNotFound is returned when a scheduled task is not found.
	ErrTaskNotFound = errors.New("scheduled task not found")

	// ErrLeaseConflict is returned when a lease-guarded write (renew,
	// complete) finds the caller no longer owns the task. A claim
	// attempt losing a race is not an error; the task is simply absent
	// from the claimed set.
	ErrLeaseConflict = errors.New("task lease held by another worker")
)

// RunStore records flow runs and their per-attempt step history.
// Failure of any write is surfaced to the caller; stores perform no
// silent retries.
type RunStore interface {
	CreateFlowRun(ctx context.Context, run *api.FlowRun) error
	UpdateFlowRun(ctx context.Context, run *api.FlowRun) error
	GetFlowRun(ctx context.Context, id string) (*api.FlowRun, error)

	// RecordStepTransition appends one entry to the run's transition
	// log. The log is append-only per attempt; nothing is overwritten.
	RecordStepTransition(ctx context.Context, tr api.StepTransition) error
	ListStepTransitions(ctx context.Context, runID string) ([]api.StepTransition, error)
}

// TaskStore owns ScheduledTask records. The scheduler holds only a
// transient lease on claimed tasks, never ownership.
type TaskStore interface {
	CreateTask(ctx context.Context, t *api.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*api.ScheduledTask, error)

	// ClaimDueTasks atomically selects up to limit tasks that are
	// pending with run_at <= now, or running with an expired lease, and
	// marks each claimed task running with worker_id and
	// locked_until = now + leaseDuration, incrementing attempts.
	//
	// It is safe under concurrent callers: the claim is a conditional
	// update keyed on prior status and lease value, so no two callers
	// claim the same task.
	ClaimDueTasks(ctx context.Context, now time.Time, leaseDuration time.Duration, workerID string, limit int) ([]*api.ScheduledTask, error)

	// RenewLease extends the lease on a running task owned by workerID.
	// Returns ErrLeaseConflict if the task is no longer held by that
	// worker.
	RenewLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error

	// CompleteTask sets the terminal status (done or failed), records
	// lastError, and clears the lease. Returns ErrLeaseConflict if
	// workerID no longer holds the task.
	CompleteTask(ctx context.Context, taskID, workerID string, outcome api.TaskOutcome, lastError string) error
}

// Persistence bundles the store interfaces so the engine and scheduler
// can depend on a single abstraction.
type Persistence struct {
	Runs  RunStore
	Tasks TaskStore
}
