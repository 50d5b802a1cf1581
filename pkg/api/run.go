package api

import (
	"time"
)

// RunStatus is the lifecycle state of a flow run.
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunCompensating RunStatus = "compensating"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
	RunCompensated  RunStatus = "compensated"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCompensated:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step run.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepSucceeded    StepStatus = "succeeded"
	StepFailed       StepStatus = "failed"
	StepRetrying     StepStatus = "retrying"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
	StepSkipped      StepStatus = "skipped"
)

// FlowRun is the durable record of one execution of a flow.
type FlowRun struct {
	// ID is globally unique and monotonic-sortable (UUIDv7).
	ID     string
	FlowID string

	// TaskID links the run to the scheduled task that spawned it, if any.
	TaskID string

	Status      RunStatus
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// StepRun is the per-step record within a flow run. It is created when
// the run starts, one per graph node, and mutated only by the engine
// instance driving that run.
type StepRun struct {
	RunID  string
	StepID string

	Status   StepStatus
	Attempts int

	// IdempotencyKey is a deterministic function of the run (or owning
	// task) and the step id. It is reused across retries so handlers can
	// detect duplicate invocations.
	IdempotencyKey string

	Output any
	Error  string

	// CompensationError records a failed compensation handler. It does
	// not block the rest of the compensation sweep.
	CompensationError string

	StartedAt   time.Time
	CompletedAt time.Time
}

// StepTransition is one entry in the append-only per-attempt history.
type StepTransition struct {
	RunID   string
	StepID  string
	From    StepStatus
	To      StepStatus
	Attempt int
	Detail  string
	At      time.Time
}

// RunResult is what the engine hands back: the terminal run record plus
// the full per-step history for diagnosis.
type RunResult struct {
	Run   *FlowRun
	Steps map[string]*StepRun

	// CompletionOrder lists step ids in the order they reached
	// Succeeded. Compensation walks it in reverse.
	CompletionOrder []string
}

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskOutcome is the terminal disposition reported via CompleteTask.
type TaskOutcome string

const (
	OutcomeDone   TaskOutcome = "done"
	OutcomeFailed TaskOutcome = "failed"
)

// ScheduledTask is a persisted unit of future-dated work: a serialized
// flow plus inputs, due at RunAt. A task with status running must carry
// an unexpired lease; once the lease expires any worker may reclaim it.
type ScheduledTask struct {
	ID         string
	FlowYAML   string
	InputsJSON []byte
	RunAt      time.Time

	Status    TaskStatus
	Attempts  int
	LastError string

	// LockedUntil and WorkerID describe the current lease. Zero values
	// mean unleased.
	LockedUntil time.Time
	WorkerID    string

	CreatedAt time.Time
}

// LeaseExpired reports whether the task's lease has lapsed at now.
func (t *ScheduledTask) LeaseExpired(now time.Time) bool {
	return t.LockedUntil.IsZero() || !t.LockedUntil.After(now)
}
