package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gantryflow/gantry/pkg/api"
)

// InMemoryStore is a goroutine-safe RunStore and TaskStore backed by
// maps. It is non-durable and intended for tests and the LocalRunner.
type InMemoryStore struct {
	mu          sync.Mutex
	runs        map[string]api.FlowRun
	transitions map[string][]api.StepTransition
	tasks       map[string]api.ScheduledTask
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:        make(map[string]api.FlowRun),
		transitions: make(map[string][]api.StepTransition),
		tasks:       make(map[string]api.ScheduledTask),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ RunStore  = (*InMemoryStore)(nil)
	_ TaskStore = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) CreateFlowRun(ctx context.Context, run *api.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = *run
	return nil
}

func (s *InMemoryStore) UpdateFlowRun(ctx context.Context, run *api.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *InMemoryStore) GetFlowRun(ctx context.Context, id string) (*api.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (s *InMemoryStore) RecordStepTransition(ctx context.Context, tr api.StepTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transitions[tr.RunID] = append(s.transitions[tr.RunID], tr)
	return nil
}

func (s *InMemoryStore) ListStepTransitions(ctx context.Context, runID string) ([]api.StepTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.StepTransition, len(s.transitions[runID]))
	copy(out, s.transitions[runID])
	return out, nil
}

func (s *InMemoryStore) CreateTask(ctx context.Context, t *api.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = api.TaskPending
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, id string) (*api.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &t, nil
}

func (s *InMemoryStore) ClaimDueTasks(ctx context.Context, now time.Time, leaseDuration time.Duration, workerID string, limit int) ([]*api.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []api.ScheduledTask
	for _, t := range s.tasks {
		if claimable(&t, now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].RunAt.Before(due[j].RunAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*api.ScheduledTask, 0, len(due))
	for _, t := range due {
		t.Status = api.TaskRunning
		t.WorkerID = workerID
		t.LockedUntil = now.Add(leaseDuration)
		t.Attempts++
		s.tasks[t.ID] = t

		c := t
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

func claimable(t *api.ScheduledTask, now time.Time) bool {
	switch t.Status {
	case api.TaskPending:
		return !t.RunAt.After(now)
	case api.TaskRunning:
		return t.LeaseExpired(now)
	}
	return false
}

func (s *InMemoryStore) RenewLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != api.TaskRunning || t.WorkerID != workerID {
		return ErrLeaseConflict
	}
	t.LockedUntil = time.Now().Add(leaseDuration)
	s.tasks[taskID] = t
	return nil
}

func (s *InMemoryStore) CompleteTask(ctx context.Context, taskID, workerID string, outcome api.TaskOutcome, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != api.TaskRunning || t.WorkerID != workerID {
		return ErrLeaseConflict
	}

	if outcome == api.OutcomeDone {
		t.Status = api.TaskDone
	} else {
		t.Status = api.TaskFailed
	}
	t.LastError = lastError
	t.WorkerID = ""
	t.LockedUntil = time.Time{}
	s.tasks[taskID] = t
	return nil
}
