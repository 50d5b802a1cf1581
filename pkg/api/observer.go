package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the execution engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay step execution.
type Observer interface {
	// OnRunStart is called once when a flow run is created, before any
	// step is dispatched.
	OnRunStart(ctx context.Context, run *FlowRun)

	// OnRunFinished is called when the run reaches a terminal status
	// (succeeded, failed, or compensated).
	OnRunFinished(ctx context.Context, run *FlowRun)

	// OnStepStart is called before each invocation attempt.
	OnStepStart(ctx context.Context, run *FlowRun, stepID string, attempt int)

	// OnStepCompleted is called after each invocation attempt returns,
	// for both successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *FlowRun, stepID string, attempt int, err error, duration time.Duration)

	// OnStepCompensated is called after a compensation handler returns.
	OnStepCompensated(ctx context.Context, run *FlowRun, stepID string, err error)
}

// NoopObserver is an Observer that does nothing. It is the default when
// no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *FlowRun)    {}
func (NoopObserver) OnRunFinished(ctx context.Context, run *FlowRun) {}
func (NoopObserver) OnStepStart(ctx context.Context, run *FlowRun, stepID string, attempt int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *FlowRun, stepID string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnStepCompensated(ctx context.Context, run *FlowRun, stepID string, err error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *FlowRun) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run *FlowRun) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *FlowRun, stepID string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *FlowRun, stepID string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepID, attempt, err, d)
	}
}

func (c *CompositeObserver) OnStepCompensated(ctx context.Context, run *FlowRun, stepID string, err error) {
	for _, o := range c.observers {
		o.OnStepCompensated(ctx, run, stepID, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *FlowRun) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run *FlowRun) {
	level := slog.LevelInfo
	if run.Status != RunSucceeded {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "run_finished",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *FlowRun, stepID string, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *FlowRun, stepID string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepCompensated(ctx context.Context, run *FlowRun, stepID string, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_compensated",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted     atomic.Int64
	runsSucceeded   atomic.Int64
	runsFailed      atomic.Int64
	runsCompensated atomic.Int64
	stepAttempts    atomic.Int64
	stepsSucceeded  atomic.Int64

	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted     int64
	RunsSucceeded   int64
	RunsFailed      int64
	RunsCompensated int64
	ActiveRuns      int64

	StepAttempts    int64
	StepsSucceeded  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *FlowRun) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run *FlowRun) {
	switch run.Status {
	case RunSucceeded:
		m.runsSucceeded.Add(1)
	case RunCompensated:
		m.runsCompensated.Add(1)
	default:
		m.runsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *FlowRun, stepID string, attempt int, err error, d time.Duration) {
	m.stepAttempts.Add(1)
	// Only successful attempts count toward the average duration.
	if err == nil {
		m.stepsSucceeded.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	succeeded := m.runsSucceeded.Load()
	failed := m.runsFailed.Load()
	compensated := m.runsCompensated.Load()
	steps := m.stepsSucceeded.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsSucceeded:   succeeded,
		RunsFailed:      failed,
		RunsCompensated: compensated,
		ActiveRuns:      started - succeeded - failed - compensated,
		StepAttempts:    m.stepAttempts.Load(),
		StepsSucceeded:  steps,
		AvgStepDuration: avg,
	}
}
