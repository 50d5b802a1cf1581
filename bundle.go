package gantry

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/gantryflow/gantry/internal/engine"
	"github.com/gantryflow/gantry/internal/persistence"
	"github.com/gantryflow/gantry/pkg/api"
	"github.com/gantryflow/gantry/pkg/scheduler"
)

// WorkerBundle wires together an Engine, a task store, and a Scheduler
// that executes due tasks, all sharing one backing database.
type WorkerBundle struct {
	Engine    Engine
	Scheduler *scheduler.Scheduler

	// Tasks is the shared task store; enqueue work with
	// gantry.Schedule and inspect it with Tasks.GetTask.
	Tasks TaskStore

	// Runs records flow runs and step transition logs for the bundled
	// engine.
	Runs RunStore
}

// NewSQLiteBundle constructs a durable Engine + Scheduler combo backed
// by the provided SQLite database. Flow runs, transition logs, and
// scheduled tasks all live in the same *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:gantry.db?_journal=WAL")
//	bundle, err := gantry.NewSQLiteBundle(db, registry, scheduler.Config{})
//	...
//	bundle.Scheduler.Start()
//	defer bundle.Scheduler.Stop()
func NewSQLiteBundle(db *sql.DB, reg api.Registry, cfg scheduler.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, store, reg, cfg), nil
}

// NewPostgresBundle constructs a durable Engine + Scheduler combo
// backed by the provided PostgreSQL database.
func NewPostgresBundle(db *sql.DB, reg api.Registry, cfg scheduler.Config) (*WorkerBundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, store, reg, cfg), nil
}

// NewRedisBundle constructs an Engine + Scheduler combo backed by
// Redis. An empty prefix defaults to "gantry:".
func NewRedisBundle(client *redis.Client, prefix string, reg api.Registry, cfg scheduler.Config) *WorkerBundle {
	store := persistence.NewRedisStore(client, prefix)
	return newBundle(store, store, reg, cfg)
}

func newBundle(runs persistence.RunStore, tasks persistence.TaskStore, reg api.Registry, cfg scheduler.Config) *WorkerBundle {
	eng := engine.New(engine.Config{Registry: reg, Runs: runs})
	return &WorkerBundle{
		Engine:    eng,
		Scheduler: scheduler.New(eng, tasks, cfg),
		Tasks:     tasks,
		Runs:      runs,
	}
}
