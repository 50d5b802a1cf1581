// Package gantry provides a lightweight, embeddable DAG workflow engine
// for Go.
//
// Gantry is designed for backend services that need reliable multi-step
// operations: agent pipelines, provisioning sequences, data plumbing,
// or any job whose steps form a dependency graph. Flows are declared in
// YAML or built fluently in code, executed with per-step retries and
// compensation, and optionally persisted so that scheduled work
// survives process crashes.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Flow
//  2. Registry
//  3. Engine
//  4. Scheduler
//  5. LocalRunner
//
// # Flow
//
// A Flow is a named set of steps plus the dependency edges declared on
// each step. Steps name a handler kind, may carry an input payload,
// a retry policy, a per-attempt timeout, and a compensation binding.
// Flows come from YAML files:
//
//	id: provision
//	nodes:
//	  - id: vm
//	    kind: cloud.create_vm
//	  - id: dns
//	    kind: dns.register
//	    depends_on: [vm]
//	    compensate: dns.unregister
//	    retry:
//	      max_attempts: 3
//	      backoff_seconds: 1
//
// or from the FlowBuilder:
//
//	flow := gantry.New("provision").
//	    Step("vm", "cloud.create_vm").
//	    Step("dns", "dns.register").After("vm").
//	        WithCompensation("dns.unregister").
//	    MustBuild()
//
// Step inputs can reference the flow-level input payload and prior step
// outputs with "$.inputs..." and "$.steps.<id>.output..." paths.
//
// # Registry
//
// A Registry maps handler kinds to Go functions. Handlers receive a
// resolved input map and a deterministic idempotency key; they are
// contracted to be safe to invoke more than once with the same key,
// because at-least-once delivery can re-run a step after a crash.
//
//	reg := gantry.NewRegistry().
//	    Register("cloud.create_vm", createVM).
//	    RegisterCompensation("dns.unregister", unregisterDNS)
//
// # Engine
//
// The Engine validates a flow's DAG, creates a run, and drives every
// step to a terminal state: dependency-ordered dispatch, concurrent
// execution of independent steps, exponential backoff retries, skip
// propagation past failed steps, and reverse-order compensation of
// succeeded steps when the flow fails. Every step state change is
// appended to a transition log in the configured store.
//
// Engines can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// # Scheduler
//
// A Scheduler polls the task store for due tasks, claims each under a
// time-bounded lease, and executes the task's flow. Workers renew
// their leases while running; a crashed worker's lease expires and the
// task is reclaimed by another worker, re-running with the same
// idempotency keys. See the pkg/scheduler documentation for the
// delivery semantics.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, store, and scheduler into a
// single process-local helper for development and unit testing. It is
// intentionally not crash-durable, but it is the fastest way to run
// and debug flows.
//
// For durable single-binary deployments, NewSQLiteBundle wires an
// engine, task store, and scheduler over one SQLite database; the
// cmd/gantry CLI exposes the same pieces as run-flow, schedule, and
// worker commands.
package gantry
