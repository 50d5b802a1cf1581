package gantry

import (
	"context"
	"sync"
	"time"

	"github.com/gantryflow/gantry/internal/engine"
	"github.com/gantryflow/gantry/internal/persistence"
	"github.com/gantryflow/gantry/pkg/scheduler"
)

// LocalRunner bundles an in-memory Engine, an in-memory store, and a
// Scheduler into a single process-local helper for development and
// tests.
//
// Typical usage:
//
//	reg := gantry.NewRegistry().WithBuiltins()
//	runner := gantry.NewLocalRunner(reg)
//
//	// Synchronous run (no scheduler involved):
//	res, err := runner.RunFlow(ctx, flow, inputs)
//
//	// Asynchronous run:
//	runner.StartWorkers(2)
//	task, _ := runner.ScheduleFlow(ctx, flow, inputs, time.Now())
//	task, _ = runner.WaitForTask(ctx, task.ID)
//	runner.Stop()
//
// LocalRunner is intentionally not crash-durable; use a SQLite,
// Postgres, or Redis bundle for durable execution.
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Store backs both the engine's run records and the scheduler's
	// task queue.
	Store *persistence.InMemoryStore

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

// NewLocalRunner constructs a LocalRunner executing handlers from reg.
func NewLocalRunner(reg *Registry) *LocalRunner {
	store := persistence.NewInMemoryStore()
	eng := engine.New(engine.Config{Registry: reg, Runs: store})
	return &LocalRunner{
		Engine: eng,
		Store:  store,
	}
}

// StartWorkers starts a scheduler with the given concurrency and a
// fast poll interval. Calling it again without Stop is a no-op.
func (r *LocalRunner) StartWorkers(concurrency int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil {
		return
	}
	r.sched = scheduler.New(r.Engine, r.Store, scheduler.Config{
		PollInterval: 20 * time.Millisecond,
		Concurrency:  concurrency,
	})
	r.sched.Start()
}

// Stop shuts down workers started by StartWorkers and waits for
// in-flight tasks to finish.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	sched := r.sched
	r.sched = nil
	r.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
}

// RunFlow executes flow synchronously and returns the full result.
func (r *LocalRunner) RunFlow(ctx context.Context, flow *Flow, inputs map[string]any) (*RunResult, error) {
	return r.Engine.Execute(ctx, flow, ExecuteOptions{Inputs: inputs})
}

// ScheduleFlow enqueues flow to run no earlier than runAt. Workers
// must be started for the task to execute.
func (r *LocalRunner) ScheduleFlow(ctx context.Context, flow *Flow, inputs map[string]any, runAt time.Time) (*ScheduledTask, error) {
	return scheduler.Schedule(ctx, r.Store, flow, inputs, runAt)
}

// WaitForTask blocks until the task reaches a terminal status or ctx
// expires, and returns the final task record.
func (r *LocalRunner) WaitForTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		task, err := r.Store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status == TaskDone || task.Status == TaskFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetRun fetches a flow run recorded by this runner's engine.
func (r *LocalRunner) GetRun(ctx context.Context, runID string) (*FlowRun, error) {
	return r.Store.GetFlowRun(ctx, runID)
}

// StepHistory returns the append-only transition log for a run.
func (r *LocalRunner) StepHistory(ctx context.Context, runID string) ([]StepTransition, error) {
	return r.Store.ListStepTransitions(ctx, runID)
}
