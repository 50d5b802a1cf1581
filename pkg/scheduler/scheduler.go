package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantryflow/gantry/internal/persistence"
	"github.com/gantryflow/gantry/pkg/api"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultLeaseDuration = 30 * time.Second
	defaultBatchSize     = 16
	defaultConcurrency   = 4
)

// Config controls a Scheduler's polling and leasing behavior. The zero
// value is usable; every field has a sensible default.
type Config struct {
	// WorkerID identifies this worker in task leases. Defaults to
	// "<hostname>-<uuid>".
	WorkerID string

	// PollInterval is how often the store is polled for due tasks.
	PollInterval time.Duration

	// LeaseDuration is how long a claimed task is locked before other
	// workers may reclaim it. The scheduler renews the lease at a third
	// of this interval while the flow is executing, so it should
	// comfortably exceed the renewal round-trip, not the flow duration.
	LeaseDuration time.Duration

	// BatchSize caps how many tasks one poll claims.
	BatchSize int

	// Concurrency caps how many claimed tasks execute at once.
	Concurrency int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = host + "-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Scheduler polls a task store for due tasks, claims them under a
// lease, and executes their flows. Multiple schedulers may poll the
// same store; the store's atomic claim keeps any task on exactly one
// live lease at a time.
//
// Delivery is at-least-once: a worker that dies mid-run leaves its
// lease to expire, after which another worker reclaims the task and
// re-executes the flow under the same task id, so handlers see the
// same idempotency keys.
type Scheduler struct {
	engine api.Engine
	tasks  persistence.TaskStore
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Scheduler that executes claimed tasks on engine.
func New(engine api.Engine, tasks persistence.TaskStore, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		engine: engine,
		tasks:  tasks,
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
	}
}

// WorkerID returns the id this scheduler claims tasks under.
func (s *Scheduler) WorkerID() string { return s.cfg.WorkerID }

// Run polls until ctx is cancelled. It returns ctx.Err() after all
// in-flight tasks have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "scheduler_started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("lease_duration", s.cfg.LeaseDuration),
	)

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx, sem, &wg)

		select {
		case <-ctx.Done():
			wg.Wait()
			s.log.Info("scheduler_stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start launches Run in a background goroutine. Use Stop to shut down.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		_ = s.Run(ctx)
	}()
}

// Stop cancels a scheduler launched with Start and waits for in-flight
// tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.stopped = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Scheduler) poll(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	if ctx.Err() != nil {
		return
	}
	claimed, err := s.tasks.ClaimDueTasks(ctx, time.Now(), s.cfg.LeaseDuration, s.cfg.WorkerID, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.log.ErrorContext(ctx, "claim_failed", slog.Any("error", err))
		}
		return
	}

	for _, task := range claimed {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Never started; the lease simply expires and another
			// worker picks the task up.
			return
		}
		wg.Add(1)
		go func(t *api.ScheduledTask) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processTask(ctx, t)
		}(task)
	}
}

// processTask executes one claimed task end to end: heartbeat the
// lease, run the flow, record the terminal outcome.
func (s *Scheduler) processTask(ctx context.Context, t *api.ScheduledTask) {
	log := s.log.With(slog.String("task_id", t.ID), slog.Int("attempt", t.Attempts))
	log.InfoContext(ctx, "task_claimed")

	// Completion and lease writes proceed even when the poll loop has
	// been cancelled.
	pctx := context.WithoutCancel(ctx)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(pctx, hbStop, t.ID, cancelRun, log)
	}()
	defer func() { close(hbStop); <-hbDone }()

	outcome, lastError := s.executeTask(runCtx, t, log)

	err := s.tasks.CompleteTask(pctx, t.ID, s.cfg.WorkerID, outcome, lastError)
	switch {
	case errors.Is(err, persistence.ErrLeaseConflict):
		// Another worker reclaimed the task after our lease lapsed; its
		// completion wins. At-least-once means this duplicate execution
		// is expected, not an error.
		log.WarnContext(ctx, "task_completion_superseded")
	case err != nil:
		// The task row stays running under our worker id; once the
		// heartbeat stops the lease lapses and another worker reclaims
		// the task.
		log.ErrorContext(ctx, "task_completion_failed", slog.Any("error", err))
	default:
		log.InfoContext(ctx, "task_completed",
			slog.String("outcome", string(outcome)),
			slog.String("last_error", lastError),
		)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, t *api.ScheduledTask, log *slog.Logger) (api.TaskOutcome, string) {
	flow, err := api.ParseFlow([]byte(t.FlowYAML))
	if err != nil {
		return api.OutcomeFailed, fmt.Sprintf("parse flow: %v", err)
	}

	var inputs map[string]any
	if len(t.InputsJSON) > 0 {
		if err := json.Unmarshal(t.InputsJSON, &inputs); err != nil {
			return api.OutcomeFailed, fmt.Sprintf("decode inputs: %v", err)
		}
	}

	res, err := s.engine.Execute(ctx, flow, api.ExecuteOptions{
		TaskID: t.ID,
		Inputs: inputs,
	})
	if err != nil {
		return api.OutcomeFailed, err.Error()
	}

	log.InfoContext(ctx, "flow_run_finished",
		slog.String("run_id", res.Run.ID),
		slog.String("status", string(res.Run.Status)),
	)
	if res.Run.Status == api.RunSucceeded {
		return api.OutcomeDone, ""
	}
	return api.OutcomeFailed, res.Run.Error
}

// heartbeat renews the task lease at a third of its duration until stop
// closes. ctx is uncancellable; renewals must go through even while the
// scheduler is shutting down. Losing the lease cancels the running flow.
func (s *Scheduler) heartbeat(ctx context.Context, stop <-chan struct{}, taskID string, cancelRun context.CancelFunc, log *slog.Logger) {
	interval := s.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		err := s.tasks.RenewLease(ctx, taskID, s.cfg.WorkerID, s.cfg.LeaseDuration)
		if errors.Is(err, persistence.ErrLeaseConflict) {
			log.WarnContext(ctx, "lease_lost")
			cancelRun()
			return
		}
		if err != nil {
			log.ErrorContext(ctx, "lease_renewal_failed", slog.Any("error", err))
		}
	}
}

// Schedule persists a new task that runs flow no earlier than runAt.
// The task id is returned for later inspection via the task store.
func Schedule(ctx context.Context, tasks persistence.TaskStore, flow *api.Flow, inputs map[string]any, runAt time.Time) (*api.ScheduledTask, error) {
	yamlBytes, err := api.MarshalFlow(flow)
	if err != nil {
		return nil, fmt.Errorf("marshal flow: %w", err)
	}

	var inputsJSON []byte
	if len(inputs) > 0 {
		inputsJSON, err = json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("marshal inputs: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	task := &api.ScheduledTask{
		ID:         id.String(),
		FlowYAML:   string(yamlBytes),
		InputsJSON: inputsJSON,
		RunAt:      runAt,
		Status:     api.TaskPending,
		CreatedAt:  time.Now(),
	}
	if err := tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}
