package gantry

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/gantryflow/gantry/internal/engine"
	"github.com/gantryflow/gantry/internal/persistence"
	"github.com/gantryflow/gantry/pkg/api"
	"github.com/gantryflow/gantry/pkg/scheduler"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Flow                 = api.Flow
	Step                 = api.Step
	RetryPolicy          = api.RetryPolicy
	ExecuteOptions       = api.ExecuteOptions
	FlowRun              = api.FlowRun
	StepRun              = api.StepRun
	StepTransition       = api.StepTransition
	RunResult            = api.RunResult
	ScheduledTask        = api.ScheduledTask
	RunStatus            = api.RunStatus
	StepStatus           = api.StepStatus
	TaskStatus           = api.TaskStatus
	HandlerFunc          = api.HandlerFunc
	CompensateFunc       = api.CompensateFunc
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// TaskStore is the durable task surface shared by schedulers.
	TaskStore = persistence.TaskStore

	// RunStore records flow runs and their step transition logs.
	RunStore = persistence.RunStore
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	RunRunning      = api.RunRunning
	RunCompensating = api.RunCompensating
	RunSucceeded    = api.RunSucceeded
	RunFailed       = api.RunFailed
	RunCompensated  = api.RunCompensated

	StepPending      = api.StepPending
	StepRunning      = api.StepRunning
	StepSucceeded    = api.StepSucceeded
	StepFailed       = api.StepFailed
	StepRetrying     = api.StepRetrying
	StepCompensating = api.StepCompensating
	StepCompensated  = api.StepCompensated
	StepSkipped      = api.StepSkipped

	TaskPending = api.TaskPending
	TaskRunning = api.TaskRunning
	TaskDone    = api.TaskDone
	TaskFailed  = api.TaskFailed
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by an in-memory
// store. Runs are not durable; use a persistent backend in production.
func NewInMemoryEngine(reg api.Registry) Engine {
	return engine.NewInMemoryEngine(reg)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(reg api.Registry, obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(reg, obs)
}

// NewSQLiteEngine returns an Engine that persists flow runs and step
// transition logs in a SQLite database.
func NewSQLiteEngine(db *sql.DB, reg api.Registry) (Engine, error) {
	return engine.NewSQLiteEngine(db, reg)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, reg api.Registry, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, reg, obs)
}

// NewPostgresEngine returns an Engine that persists flow runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB, reg api.Registry) (Engine, error) {
	return engine.NewPostgresEngine(db, reg)
}

// NewRedisEngine returns an Engine that persists flow runs in Redis.
func NewRedisEngine(client *redis.Client, reg api.Registry) Engine {
	return engine.NewRedisEngine(client, reg)
}

// Store constructors
// Each returns both the RunStore consumed by an Engine and the
// TaskStore consumed by a Scheduler, backed by the same database.

// NewInMemoryStore returns a non-durable store for tests and the
// LocalRunner.
func NewInMemoryStore() *persistence.InMemoryStore {
	return persistence.NewInMemoryStore()
}

// NewSQLiteStore initializes the schema in db and returns a store
// backed by it.
func NewSQLiteStore(db *sql.DB) (*persistence.SQLiteStore, error) {
	return persistence.NewSQLiteStore(db)
}

// NewPostgresStore initializes the schema in db and returns a store
// backed by it.
func NewPostgresStore(db *sql.DB) (*persistence.PostgresStore, error) {
	return persistence.NewPostgresStore(db)
}

// NewRedisStore returns a store backed by the given Redis client. An
// empty prefix defaults to "gantry:".
func NewRedisStore(client *redis.Client, prefix string) *persistence.RedisStore {
	return persistence.NewRedisStore(client, prefix)
}

// Convenience helpers that forward to the underlying components.

// Execute runs a flow synchronously on eng and returns the full result.
func Execute(ctx context.Context, eng Engine, flow *Flow, inputs map[string]any) (*RunResult, error) {
	return eng.Execute(ctx, flow, ExecuteOptions{Inputs: inputs})
}

// Schedule persists a task that runs flow no earlier than runAt. Any
// worker polling tasks will pick it up once due.
var Schedule = scheduler.Schedule
