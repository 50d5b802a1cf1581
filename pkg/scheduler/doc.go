// Package scheduler provides the background worker that drives
// scheduled flow tasks to completion.
//
// A Scheduler polls a task store for tasks whose run_at time has
// passed, claims each under a time-bounded lease, and executes the
// task's flow on an Engine. Multiple schedulers can poll the same
// store: the store's atomic claim guarantees a task is held by at most
// one live lease, while an expired lease makes the task reclaimable by
// any worker.
//
// # Delivery Semantics
//
// Task execution is at-least-once. A worker that crashes mid-flow
// leaves its lease to expire; another worker then reclaims the task
// and re-runs the flow. Re-runs carry the same task id, so every step
// sees the same idempotency key as the original attempt and handlers
// can suppress duplicated side effects.
//
// While a flow is executing, the owning scheduler renews its lease at
// a third of the configured lease duration. A renewal that finds the
// lease held elsewhere cancels the local run: the task has been
// reclaimed and the reclaiming worker's outcome wins.
//
// # Usage
//
// Enqueue work with Schedule, then run one or more schedulers:
//
//	task, err := scheduler.Schedule(ctx, store, flow, inputs, time.Now())
//	...
//	s := scheduler.New(engine, store, scheduler.Config{})
//	s.Start()
//	defer s.Stop()
//
// Most applications construct the engine, store, and scheduler
// together via the helper constructors in the root package.
package scheduler
