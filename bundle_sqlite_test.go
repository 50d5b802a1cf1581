package gantry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/gantryflow/gantry/pkg/scheduler"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func waitTaskTerminal(t *testing.T, tasks TaskStore, id string) *ScheduledTask {
	t.Helper()
	var got *ScheduledTask
	require.Eventually(t, func() bool {
		task, err := tasks.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == TaskDone || task.Status == TaskFailed
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestSQLiteBundleEndToEnd(t *testing.T) {
	db := newTestDB(t)

	invoked := make(chan string, 1)
	reg := NewRegistry().Register("ship", func(ctx context.Context, input map[string]any, key string) (any, error) {
		invoked <- key
		return map[string]any{"shipped": true}, nil
	})

	bundle, err := NewSQLiteBundle(db, reg, scheduler.Config{
		WorkerID:     "w1",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	flow := New("shipping").Step("ship", "ship").MustBuild()
	task, err := Schedule(context.Background(), bundle.Tasks, flow, map[string]any{"order": 7}, time.Now())
	require.NoError(t, err)

	bundle.Scheduler.Start()
	defer bundle.Scheduler.Stop()

	final := waitTaskTerminal(t, bundle.Tasks, task.ID)
	assert.Equal(t, TaskDone, final.Status)
	assert.Empty(t, final.LastError)

	// The handler saw a task-scoped idempotency key.
	select {
	case key := <-invoked:
		assert.Equal(t, task.ID+":ship", key)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSQLiteBundleRecordsRunAgainstTask(t *testing.T) {
	db := newTestDB(t)

	reg := NewRegistry().WithBuiltins()
	bundle, err := NewSQLiteBundle(db, reg, scheduler.Config{
		WorkerID:     "w1",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	flow := New("doomed").Step("a", "fail_test").MustBuild()
	task, err := Schedule(context.Background(), bundle.Tasks, flow, nil, time.Now())
	require.NoError(t, err)

	bundle.Scheduler.Start()
	defer bundle.Scheduler.Stop()

	final := waitTaskTerminal(t, bundle.Tasks, task.ID)
	assert.Equal(t, TaskFailed, final.Status)
	assert.Contains(t, final.LastError, "injected failure")
}
