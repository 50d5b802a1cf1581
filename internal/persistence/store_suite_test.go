package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryflow/gantry/pkg/api"
)

// The behavioral contract is identical across backends, so each backend
// test file constructs its store and runs this shared suite against it.

type storeUnderTest struct {
	Runs  RunStore
	Tasks TaskStore
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) storeUnderTest) {
	t.Run("RunRoundTrip", func(t *testing.T) { testRunRoundTrip(t, newStore(t).Runs) })
	t.Run("RunNotFound", func(t *testing.T) { testRunNotFound(t, newStore(t).Runs) })
	t.Run("TransitionLogAppendOnly", func(t *testing.T) { testTransitionLog(t, newStore(t).Runs) })
	t.Run("TaskRoundTrip", func(t *testing.T) { testTaskRoundTrip(t, newStore(t).Tasks) })
	t.Run("ClaimDueTasks", func(t *testing.T) { testClaimDueTasks(t, newStore(t).Tasks) })
	t.Run("ClaimOrderAndLimit", func(t *testing.T) { testClaimOrderAndLimit(t, newStore(t).Tasks) })
	t.Run("ClaimConcurrentExactlyOnce", func(t *testing.T) { testClaimConcurrent(t, newStore(t).Tasks) })
	t.Run("ExpiredLeaseReclaim", func(t *testing.T) { testExpiredLeaseReclaim(t, newStore(t).Tasks) })
	t.Run("DoneNeverReclaimed", func(t *testing.T) { testDoneNeverReclaimed(t, newStore(t).Tasks) })
	t.Run("RenewLease", func(t *testing.T) { testRenewLease(t, newStore(t).Tasks) })
	t.Run("CompleteTask", func(t *testing.T) { testCompleteTask(t, newStore(t).Tasks) })
}

func testRunRoundTrip(t *testing.T, runs RunStore) {
	ctx := context.Background()
	started := time.Now().Truncate(time.Microsecond)

	run := &api.FlowRun{
		ID:        "run-1",
		FlowID:    "deploy",
		TaskID:    "task-1",
		Status:    api.RunRunning,
		StartedAt: started,
	}
	require.NoError(t, runs.CreateFlowRun(ctx, run))

	got, err := runs.GetFlowRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.FlowID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, api.RunRunning, got.Status)
	assert.True(t, got.CompletedAt.IsZero())

	run.Status = api.RunFailed
	run.Error = "step x failed"
	run.CompletedAt = time.Now().Truncate(time.Microsecond)
	require.NoError(t, runs.UpdateFlowRun(ctx, run))

	got, err = runs.GetFlowRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, got.Status)
	assert.Equal(t, "step x failed", got.Error)
	assert.False(t, got.CompletedAt.IsZero())
}

func testRunNotFound(t *testing.T, runs RunStore) {
	ctx := context.Background()

	_, err := runs.GetFlowRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = runs.UpdateFlowRun(ctx, &api.FlowRun{ID: "missing", Status: api.RunFailed})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func testTransitionLog(t *testing.T, runs RunStore) {
	ctx := context.Background()
	require.NoError(t, runs.CreateFlowRun(ctx, &api.FlowRun{
		ID: "run-log", FlowID: "f", Status: api.RunRunning, StartedAt: time.Now(),
	}))

	seq := []struct {
		from, to api.StepStatus
	}{
		{api.StepPending, api.StepRunning},
		{api.StepRunning, api.StepFailed},
		{api.StepFailed, api.StepRetrying},
		{api.StepRetrying, api.StepRunning},
		{api.StepRunning, api.StepSucceeded},
	}
	for i, s := range seq {
		require.NoError(t, runs.RecordStepTransition(ctx, api.StepTransition{
			RunID:   "run-log",
			StepID:  "a",
			From:    s.from,
			To:      s.to,
			Attempt: 1 + i/3,
			At:      time.Now(),
		}))
	}

	trs, err := runs.ListStepTransitions(ctx, "run-log")
	require.NoError(t, err)
	require.Len(t, trs, len(seq))
	for i, s := range seq {
		assert.Equal(t, s.from, trs[i].From, "entry %d", i)
		assert.Equal(t, s.to, trs[i].To, "entry %d", i)
	}

	other, err := runs.ListStepTransitions(ctx, "other-run")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func newTask(id string, runAt time.Time) *api.ScheduledTask {
	return &api.ScheduledTask{
		ID:        id,
		FlowYAML:  "id: f\nsteps:\n  - id: a\n    kind: noop\n",
		RunAt:     runAt,
		Status:    api.TaskPending,
		CreatedAt: time.Now(),
	}
}

func testTaskRoundTrip(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	task := newTask("t1", time.Now())
	task.InputsJSON = []byte(`{"env":"prod"}`)
	require.NoError(t, tasks.CreateTask(ctx, task))

	got, err := tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.FlowYAML, got.FlowYAML)
	assert.Equal(t, []byte(`{"env":"prod"}`), got.InputsJSON)
	assert.Equal(t, api.TaskPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	_, err = tasks.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func testClaimDueTasks(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tasks.CreateTask(ctx, newTask("due", now.Add(-time.Second))))
	require.NoError(t, tasks.CreateTask(ctx, newTask("future", now.Add(time.Hour))))

	claimed, err := tasks.ClaimDueTasks(ctx, now, 30*time.Second, "w1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "due", claimed[0].ID)
	assert.Equal(t, api.TaskRunning, claimed[0].Status)
	assert.Equal(t, "w1", claimed[0].WorkerID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.False(t, claimed[0].LeaseExpired(now))

	// The claimed task holds a live lease; a second poll gets nothing.
	claimed, err = tasks.ClaimDueTasks(ctx, now, 30*time.Second, "w2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func testClaimOrderAndLimit(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tasks.CreateTask(ctx, newTask("c", now.Add(-time.Second))))
	require.NoError(t, tasks.CreateTask(ctx, newTask("a", now.Add(-3*time.Second))))
	require.NoError(t, tasks.CreateTask(ctx, newTask("b", now.Add(-2*time.Second))))

	claimed, err := tasks.ClaimDueTasks(ctx, now, time.Minute, "w1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, "b", claimed[1].ID)

	claimed, err = tasks.ClaimDueTasks(ctx, now, time.Minute, "w1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "c", claimed[0].ID)
}

func testClaimConcurrent(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, tasks.CreateTask(ctx, newTask(fmt.Sprintf("t%02d", i), now.Add(-time.Second))))
	}

	const workers = 8
	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				claimed, err := tasks.ClaimDueTasks(ctx, now, time.Minute, worker, 3)
				if !assert.NoError(t, err) {
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, task := range claimed {
					prev, dup := seen[task.ID]
					assert.False(t, dup, "task %s claimed by both %s and %s", task.ID, prev, worker)
					seen[task.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func testExpiredLeaseReclaim(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tasks.CreateTask(ctx, newTask("t1", now.Add(-time.Second))))

	claimed, err := tasks.ClaimDueTasks(ctx, now, 10*time.Second, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// While the lease is live nobody else can claim.
	claimed2, err := tasks.ClaimDueTasks(ctx, now.Add(5*time.Second), 10*time.Second, "w2", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed2)

	// After expiry the task is reclaimable and attempts increments.
	claimed3, err := tasks.ClaimDueTasks(ctx, now.Add(11*time.Second), 10*time.Second, "w2", 1)
	require.NoError(t, err)
	require.Len(t, claimed3, 1)
	assert.Equal(t, "w2", claimed3[0].WorkerID)
	assert.Equal(t, 2, claimed3[0].Attempts)

	// The original holder lost the lease: its writes now conflict.
	err = tasks.RenewLease(ctx, "t1", "w1", 10*time.Second)
	assert.ErrorIs(t, err, ErrLeaseConflict)
	err = tasks.CompleteTask(ctx, "t1", "w1", api.OutcomeDone, "")
	assert.ErrorIs(t, err, ErrLeaseConflict)
}

func testDoneNeverReclaimed(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tasks.CreateTask(ctx, newTask("t1", now.Add(-time.Second))))

	claimed, err := tasks.ClaimDueTasks(ctx, now, time.Second, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, tasks.CompleteTask(ctx, "t1", "w1", api.OutcomeDone, ""))

	// Far past any lease horizon: terminal tasks stay terminal.
	claimed, err = tasks.ClaimDueTasks(ctx, now.Add(time.Hour), time.Second, "w2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, api.TaskDone, got.Status)
}

func testRenewLease(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tasks.CreateTask(ctx, newTask("t1", now.Add(-time.Second))))
	claimed, err := tasks.ClaimDueTasks(ctx, now, 10*time.Second, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, tasks.RenewLease(ctx, "t1", "w1", time.Minute))

	got, err := tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.LockedUntil.After(now.Add(30*time.Second)))

	assert.ErrorIs(t, tasks.RenewLease(ctx, "t1", "w2", time.Minute), ErrLeaseConflict)
	// Backends report a missing task as not-found or as a conflict;
	// either way the renewal is denied.
	assert.Error(t, tasks.RenewLease(ctx, "missing", "w1", time.Minute))
}

func testCompleteTask(t *testing.T, tasks TaskStore) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tasks.CreateTask(ctx, newTask("t1", now.Add(-time.Second))))
	claimed, err := tasks.ClaimDueTasks(ctx, now, time.Minute, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.ErrorIs(t, tasks.CompleteTask(ctx, "t1", "w2", api.OutcomeDone, ""), ErrLeaseConflict)

	require.NoError(t, tasks.CompleteTask(ctx, "t1", "w1", api.OutcomeFailed, "run compensated"))
	got, err := tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, got.Status)
	assert.Equal(t, "run compensated", got.LastError)
	assert.Empty(t, got.WorkerID)

	// Terminal tasks reject further lease writes.
	assert.ErrorIs(t, tasks.CompleteTask(ctx, "t1", "w1", api.OutcomeDone, ""), ErrLeaseConflict)
}
