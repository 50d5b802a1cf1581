package api

import "context"

// HandlerFunc executes one step invocation. The idempotency key is a
// deterministic identifier reused across retries; handlers are
// contracted to be safe to invoke more than once with the same key
// (duplicate suppression is the handler's responsibility).
type HandlerFunc func(ctx context.Context, input map[string]any, idempotencyKey string) (any, error)

// CompensateFunc undoes a step's effect. It receives the step's
// recorded output from the successful invocation being rolled back.
type CompensateFunc func(ctx context.Context, recordedOutput any) error

// Registry maps a step's declared kind to a callable capability. It is
// externally supplied; the engine only requires these three operations.
type Registry interface {
	// Invoke runs the handler bound to kind. Unbound kinds return an
	// error wrapping ErrUnknownKind.
	Invoke(ctx context.Context, kind string, input map[string]any, idempotencyKey string) (any, error)

	// Compensate runs the compensation handler bound to kind with the
	// step's recorded output.
	Compensate(ctx context.Context, kind string, recordedOutput any) error

	// Has reports whether a handler is bound to kind.
	Has(kind string) bool
}

// Engine executes flows. Implementations are safe for concurrent use;
// each Execute call drives an independent run.
type Engine interface {
	// Execute builds the flow's DAG, creates a FlowRun, and drives every
	// step to a terminal state. Structural errors (unknown dependency,
	// cycle, a step kind with no registered handler) are returned before
	// any run is created. Handler failures do not produce an error here;
	// they are reported through the result's run status and step
	// records. The returned error is reserved for structural and
	// persistence failures.
	Execute(ctx context.Context, flow *Flow, opts ExecuteOptions) (*RunResult, error)
}

// ExecuteOptions carries per-run execution context.
type ExecuteOptions struct {
	// TaskID is the owning scheduled task, when the run was spawned by
	// the scheduler. It scopes idempotency keys so a reclaimed task
	// re-runs with the same keys.
	TaskID string

	// Inputs is the flow-level input payload, reachable from step inputs
	// as "$.inputs...".
	Inputs map[string]any
}
