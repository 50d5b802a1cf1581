// Package engine drives a flow's DAG to a terminal state: steps run as
// soon as their dependencies succeed, failures are retried under the
// step's policy, exhausted failures skip all transitive dependents, and
// a failed or cancelled run rolls back succeeded steps in reverse
// completion order.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gantryflow/gantry/internal/graph"
	"github.com/gantryflow/gantry/internal/persistence"
	"github.com/gantryflow/gantry/pkg/api"
)

// Config describes how to construct an engine. Only used inside this
// package; external callers use the helper constructors or the root
// package wrappers.
type Config struct {
	Registry api.Registry
	Runs     persistence.RunStore
	Observer api.Observer
}

type engineImpl struct {
	registry api.Registry
	runs     persistence.RunStore
	observer api.Observer
}

// New creates an Engine from the given configuration.
func New(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	runs := cfg.Runs
	if runs == nil {
		runs = persistence.NewInMemoryStore()
	}
	return &engineImpl{
		registry: cfg.Registry,
		runs:     runs,
		observer: obs,
	}
}

// NewInMemoryEngine returns an Engine backed by a non-durable store.
func NewInMemoryEngine(reg api.Registry) api.Engine {
	return New(Config{Registry: reg})
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the
// given Observer.
func NewInMemoryEngineWithObserver(reg api.Registry, obs api.Observer) api.Engine {
	return New(Config{Registry: reg, Observer: obs})
}

// NewSQLiteEngine returns an Engine that persists runs and the step
// transition log in a SQLite database.
func NewSQLiteEngine(db *sql.DB, reg api.Registry) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Registry: reg, Runs: store}), nil
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the
// given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, reg api.Registry, obs api.Observer) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Registry: reg, Runs: store, Observer: obs}), nil
}

// NewPostgresEngine returns an Engine that persists runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB, reg api.Registry) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Registry: reg, Runs: store}), nil
}

// NewRedisEngine returns an Engine that persists runs in Redis.
func NewRedisEngine(client *redis.Client, reg api.Registry) api.Engine {
	return New(Config{Registry: reg, Runs: persistence.NewRedisStore(client, "")})
}

// stepResult is what a step goroutine reports back to the coordinator.
type stepResult struct {
	idx        int
	err        error // terminal invocation failure (retries exhausted)
	persistErr error // store write failure; fatal to the run
}

func (e *engineImpl) Execute(ctx context.Context, flow *api.Flow, opts api.ExecuteOptions) (*api.RunResult, error) {
	g, err := graph.Build(flow)
	if err != nil {
		// Structural error: no run is created.
		return nil, err
	}
	for i := 0; i < g.Len(); i++ {
		if k := g.Step(i).Kind; !e.registry.Has(k) {
			return nil, fmt.Errorf("step %q: %w %q", g.Step(i).ID, api.ErrUnknownKind, k)
		}
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	run := &api.FlowRun{
		ID:        runID.String(),
		FlowID:    flow.ID,
		TaskID:    opts.TaskID,
		Status:    api.RunRunning,
		StartedAt: time.Now(),
	}

	// Store writes must outlive flow cancellation: skips, terminal run
	// state, and compensation are recorded even when ctx is already
	// done.
	pctx := context.WithoutCancel(ctx)

	if err := e.runs.CreateFlowRun(pctx, run); err != nil {
		return nil, fmt.Errorf("create flow run: %w", err)
	}
	e.observer.OnRunStart(ctx, run)

	// Idempotency keys are scoped to the owning scheduled task when
	// there is one, so a reclaimed task re-runs with identical keys and
	// handlers can suppress duplicated side effects.
	keyScope := opts.TaskID
	if keyScope == "" {
		keyScope = run.ID
	}

	n := g.Len()
	steps := make([]*api.StepRun, n)
	for i := 0; i < n; i++ {
		steps[i] = &api.StepRun{
			RunID:          run.ID,
			StepID:         g.Step(i).ID,
			Status:         api.StepPending,
			IdempotencyKey: keyScope + ":" + g.Step(i).ID,
		}
	}

	remaining := make([]int, n)
	for i := 0; i < n; i++ {
		remaining[i] = len(g.Dependencies[i])
	}

	results := make(chan stepResult, n)
	inflight := 0
	halted := false
	var fatalErr error
	var failedStep string
	var completionOrder []int

	dispatch := func(i int) {
		outputs := make(map[string]any, len(g.Dependencies[i]))
		for _, j := range g.Dependencies[i] {
			outputs[g.Step(j).ID] = steps[j].Output
		}
		refDoc, derr := buildRefDoc(opts.Inputs, outputs)

		inflight++
		go e.runStep(ctx, pctx, run, g.Step(i), steps[i], flow.EffectiveRetry(g.Step(i)), refDoc, derr, i, results)
	}

	skipTransitive := func(i int) {
		for _, j := range g.TransitiveDependents(i) {
			if steps[j].Status != api.StepPending {
				continue
			}
			if perr := e.transition(pctx, steps[j], api.StepSkipped, 0, "dependency failed: "+g.Step(i).ID); perr != nil && fatalErr == nil {
				fatalErr = perr
			}
		}
	}

	// Seed the ready set: every in-degree-zero node, in declaration
	// order. Among simultaneously ready steps no ordering is
	// guaranteed; they run concurrently.
	for _, i := range g.Topo {
		if remaining[i] == 0 {
			if ctx.Err() != nil {
				halted = true
				break
			}
			dispatch(i)
		}
	}

	for inflight > 0 {
		res := <-results
		inflight--
		i := res.idx

		if res.persistErr != nil {
			if fatalErr == nil {
				fatalErr = res.persistErr
			}
			halted = true
			continue
		}

		if ctx.Err() != nil {
			halted = true
		}

		if res.err != nil {
			if failedStep == "" {
				failedStep = g.Step(i).ID
				run.Error = fmt.Sprintf("step %q failed after %d attempts: %v", g.Step(i).ID, steps[i].Attempts, res.err)
			}
			halted = true
			skipTransitive(i)
			continue
		}

		completionOrder = append(completionOrder, i)
		for _, j := range g.Dependents[i] {
			remaining[j]--
			if remaining[j] == 0 && !halted {
				dispatch(j)
			}
		}
	}

	if ctx.Err() != nil {
		halted = true
		if run.Error == "" {
			run.Error = "flow cancelled: " + ctx.Err().Error()
		}
	}

	// Anything never dispatched is skipped: its work did not occur.
	for i := 0; i < n; i++ {
		if steps[i].Status == api.StepPending {
			if perr := e.transition(pctx, steps[i], api.StepSkipped, 0, "not scheduled"); perr != nil && fatalErr == nil {
				fatalErr = perr
			}
		}
	}

	result := &api.RunResult{
		Run:   run,
		Steps: make(map[string]*api.StepRun, n),
	}
	for i := 0; i < n; i++ {
		result.Steps[steps[i].StepID] = steps[i]
	}
	for _, i := range completionOrder {
		result.CompletionOrder = append(result.CompletionOrder, steps[i].StepID)
	}

	if !halted && fatalErr == nil {
		if err := e.transitionRun(run, api.RunSucceeded); err != nil {
			fatalErr = err
		}
	} else {
		if err := e.transitionRun(run, api.RunCompensating); err != nil && fatalErr == nil {
			fatalErr = err
		}
		if err := e.runs.UpdateFlowRun(pctx, run); err != nil && fatalErr == nil {
			fatalErr = fmt.Errorf("update flow run: %w", err)
		}
		terminal := api.RunFailed
		if e.compensate(ctx, pctx, g, run, steps, completionOrder) {
			terminal = api.RunCompensated
		}
		if err := e.transitionRun(run, terminal); err != nil && fatalErr == nil {
			fatalErr = err
		}
	}

	run.CompletedAt = time.Now()
	if err := e.runs.UpdateFlowRun(pctx, run); err != nil && fatalErr == nil {
		fatalErr = fmt.Errorf("update flow run: %w", err)
	}
	e.observer.OnRunFinished(ctx, run)

	return result, fatalErr
}

// compensate sweeps succeeded steps in strictly reverse completion
// order, invoking each bound compensation handler with the step's
// recorded output. A failing handler is recorded on the step but never
// blocks compensation of earlier steps. Returns whether any handler
// was invoked.
func (e *engineImpl) compensate(ctx, pctx context.Context, g *graph.Graph, run *api.FlowRun, steps []*api.StepRun, completionOrder []int) bool {
	invoked := false
	for k := len(completionOrder) - 1; k >= 0; k-- {
		i := completionOrder[k]
		step := g.Step(i)
		sr := steps[i]
		if sr.Status != api.StepSucceeded || step.Compensate == "" {
			continue
		}

		if perr := e.transition(pctx, sr, api.StepCompensating, sr.Attempts, ""); perr != nil {
			continue
		}

		err := e.registry.Compensate(pctx, step.Compensate, sr.Output)
		invoked = true
		e.observer.OnStepCompensated(ctx, run, sr.StepID, err)

		detail := ""
		if err != nil {
			sr.CompensationError = err.Error()
			detail = "compensation failed: " + err.Error()
		}
		_ = e.transition(pctx, sr, api.StepCompensated, sr.Attempts, detail)
	}
	return invoked
}

// runStep drives one step through its attempt loop. It exclusively owns
// the StepRun until it reports back on results.
func (e *engineImpl) runStep(
	ctx, pctx context.Context,
	run *api.FlowRun,
	step *api.Step,
	sr *api.StepRun,
	policy api.RetryPolicy,
	refDoc []byte,
	refErr error,
	idx int,
	results chan<- stepResult,
) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	sr.StartedAt = time.Now()
	var lastErr error

attempts:
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if perr := e.transition(pctx, sr, api.StepRunning, attempt, ""); perr != nil {
			results <- stepResult{idx: idx, persistErr: perr}
			return
		}
		sr.Attempts = attempt

		e.observer.OnStepStart(ctx, run, sr.StepID, attempt)
		start := time.Now()
		out, err := e.invoke(ctx, step, refDoc, refErr, sr.IdempotencyKey)
		duration := time.Since(start)
		e.observer.OnStepCompleted(ctx, run, sr.StepID, attempt, err, duration)

		if err == nil {
			sr.Output = out
			sr.Error = ""
			sr.CompletedAt = time.Now()
			if perr := e.transition(pctx, sr, api.StepSucceeded, attempt, ""); perr != nil {
				results <- stepResult{idx: idx, persistErr: perr}
				return
			}
			results <- stepResult{idx: idx}
			return
		}

		lastErr = err
		sr.Error = err.Error()
		if perr := e.transition(pctx, sr, api.StepFailed, attempt, err.Error()); perr != nil {
			results <- stepResult{idx: idx, persistErr: perr}
			return
		}

		if attempt == policy.MaxAttempts || ctx.Err() != nil {
			break
		}

		if perr := e.transition(pctx, sr, api.StepRetrying, attempt, ""); perr != nil {
			results <- stepResult{idx: idx, persistErr: perr}
			return
		}

		if delay := backoffDelay(policy, attempt); delay > 0 {
			select {
			case <-ctx.Done():
				// The flow is being cancelled; abandon the retry and
				// report the last failure as terminal.
				break attempts
			case <-time.After(delay):
			}
		}
	}

	sr.CompletedAt = time.Now()
	if policy.MaxAttempts > 1 {
		lastErr = fmt.Errorf("%w (%d attempts): %w", api.ErrRetryExhausted, sr.Attempts, lastErr)
	}
	results <- stepResult{idx: idx, err: lastErr}
}

// invoke resolves the step's input references and calls the handler,
// applying the per-invocation deadline when configured.
func (e *engineImpl) invoke(ctx context.Context, step *api.Step, refDoc []byte, refErr error, key string) (any, error) {
	if refErr != nil {
		return nil, refErr
	}
	input, err := resolveInput(step.Input, refDoc)
	if err != nil {
		return nil, err
	}

	ictx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	out, err := e.registry.Invoke(ictx, step.Kind, input, key)
	if err != nil && step.Timeout > 0 && errors.Is(ictx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s: %w", api.ErrStepTimeout, step.Timeout, err)
	}
	return out, err
}

// transitionRun advances the run's status after consulting the run
// state machine. The caller persists via UpdateFlowRun.
func (e *engineImpl) transitionRun(run *api.FlowRun, to api.RunStatus) error {
	if err := api.RunTransitions.Check(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	return nil
}

// transition moves a step run to its next status, consulting the
// transition table and appending to the run's transition log. Sr is
// only mutated when both succeed.
func (e *engineImpl) transition(ctx context.Context, sr *api.StepRun, to api.StepStatus, attempt int, detail string) error {
	if err := api.StepTransitions.Check(sr.Status, to); err != nil {
		return err
	}
	tr := api.StepTransition{
		RunID:   sr.RunID,
		StepID:  sr.StepID,
		From:    sr.Status,
		To:      to,
		Attempt: attempt,
		Detail:  detail,
		At:      time.Now(),
	}
	if err := e.runs.RecordStepTransition(ctx, tr); err != nil {
		return fmt.Errorf("record step transition: %w", err)
	}
	sr.Status = to
	return nil
}
