package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryflow/gantry/pkg/api"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeUnderTest {
		store := NewRedisStore(newRedisClient(t), "")
		return storeUnderTest{Runs: store, Tasks: store}
	})
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	a := NewRedisStore(client, "appA:")
	b := NewRedisStore(client, "appB:")

	require.NoError(t, a.CreateTask(ctx, newTask("t1", time.Now().Add(-time.Second))))

	// The other prefix sees nothing.
	_, err := b.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	claimed, err := b.ClaimDueTasks(ctx, time.Now(), time.Minute, "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = a.ClaimDueTasks(ctx, time.Now(), time.Minute, "w1", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRedisStoreCompleteRemovesFromDueIndex(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "")
	now := time.Now()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", now.Add(-time.Second))))
	claimed, err := store.ClaimDueTasks(ctx, now, time.Second, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.CompleteTask(ctx, "t1", "w1", api.OutcomeDone, ""))

	exists, err := client.ZScore(ctx, "gantry:tasks:due", "t1").Result()
	assert.ErrorIs(t, err, redis.Nil)
	_ = exists
}

// A small batch limit must land on claimable tasks even while earlier
// tasks in the index are held under live leases.
func TestRedisStoreLeasedTasksLeaveDueWindow(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "")
	now := time.Now()

	require.NoError(t, store.CreateTask(ctx, newTask("a", now.Add(-3*time.Second))))
	require.NoError(t, store.CreateTask(ctx, newTask("b", now.Add(-2*time.Second))))
	require.NoError(t, store.CreateTask(ctx, newTask("c", now.Add(-time.Second))))

	claimed, err := store.ClaimDueTasks(ctx, now, time.Minute, "w1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, "b", claimed[1].ID)

	// a and b are re-scored to their lease expiry, out of the window.
	score, err := client.ZScore(ctx, "gantry:tasks:due", "a").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixNano()), score)

	claimed, err = store.ClaimDueTasks(ctx, now, time.Minute, "w2", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "c", claimed[0].ID)
}

func TestRedisStoreRenewPushesDueScore(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "")
	now := time.Now()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", now.Add(-time.Second))))
	claimed, err := store.ClaimDueTasks(ctx, now, 50*time.Millisecond, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.RenewLease(ctx, "t1", "w1", time.Hour))

	score, err := client.ZScore(ctx, "gantry:tasks:due", "t1").Result()
	require.NoError(t, err)
	assert.Greater(t, score, float64(now.Add(30*time.Minute).UnixNano()))

	// Still leased, so not claimable.
	claimed, err = store.ClaimDueTasks(ctx, time.Now().Add(time.Minute), time.Minute, "w2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
