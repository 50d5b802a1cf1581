package persistence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantryflow/gantry/pkg/api"
)

// RedisStore is a RunStore and TaskStore backed by Redis. Key layout:
//
//	<prefix>run:<id>      => JSON-encoded flow run
//	<prefix>runlog:<id>   => LIST of JSON-encoded step transitions
//	<prefix>task:<id>     => HASH of scheduled task fields
//	<prefix>tasks:due     => ZSET of task ids scored by run_at (nanos)
//
// A task's due score is its run_at while pending and its lease expiry
// while claimed (claim and renewal both re-score it), and terminal
// tasks are removed from the index. The window up to now therefore
// contains only claimable entries, and the claim script's batch limit
// never lands on live leases. All lease-sensitive writes go through Lua
// scripts so the status/lease check and the update are a single atomic
// operation.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ RunStore  = (*RedisStore)(nil)
	_ TaskStore = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore. prefix is optional but
// recommended (e.g. "gantry:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gantry:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyRun(id string) string    { return r.prefix + "run:" + id }
func (r *RedisStore) keyRunLog(id string) string { return r.prefix + "runlog:" + id }
func (r *RedisStore) keyTask(id string) string   { return r.prefix + "task:" + id }
func (r *RedisStore) keyDue() string             { return r.prefix + "tasks:due" }

func (r *RedisStore) CreateFlowRun(ctx context.Context, run *api.FlowRun) error {
	data, err := EncodeValue(run)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyRun(run.ID), data, 0).Err()
}

func (r *RedisStore) UpdateFlowRun(ctx context.Context, run *api.FlowRun) error {
	exists, err := r.client.Exists(ctx, r.keyRun(run.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRunNotFound
	}
	data, err := EncodeValue(run)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyRun(run.ID), data, 0).Err()
}

func (r *RedisStore) GetFlowRun(ctx context.Context, id string) (*api.FlowRun, error) {
	data, err := r.client.Get(ctx, r.keyRun(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	run, err := DecodeValue[api.FlowRun](data)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RedisStore) RecordStepTransition(ctx context.Context, tr api.StepTransition) error {
	if tr.At.IsZero() {
		tr.At = time.Now()
	}
	data, err := EncodeValue(tr)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keyRunLog(tr.RunID), data).Err()
}

func (r *RedisStore) ListStepTransitions(ctx context.Context, runID string) ([]api.StepTransition, error) {
	items, err := r.client.LRange(ctx, r.keyRunLog(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.StepTransition, 0, len(items))
	for _, item := range items {
		tr, err := DecodeValue[api.StepTransition]([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (r *RedisStore) CreateTask(ctx context.Context, t *api.ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = api.TaskPending
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyTask(t.ID), map[string]any{
		"flow_yaml":    t.FlowYAML,
		"inputs_json":  string(t.InputsJSON),
		"run_at":       t.RunAt.UnixNano(),
		"status":       string(t.Status),
		"attempts":     t.Attempts,
		"last_error":   t.LastError,
		"locked_until": timeToNano(t.LockedUntil),
		"worker_id":    t.WorkerID,
		"created_at":   t.CreatedAt.UnixNano(),
	})
	pipe.ZAdd(ctx, r.keyDue(), redis.Z{Score: float64(t.RunAt.UnixNano()), Member: t.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetTask(ctx context.Context, id string) (*api.ScheduledTask, error) {
	fields, err := r.client.HGetAll(ctx, r.keyTask(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromHash(id, fields), nil
}

// claimScript takes a batch from the due window and claims each task
// with a single HSET, re-scoring it to its new lease expiry so leased
// tasks leave the window until the lease lapses. Entries whose hash
// disagrees with the index (live lease, terminal, deleted) are
// re-scored or dropped so they cannot occupy the window again.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(due) do
	local key = ARGV[5] .. 'task:' .. id
	local status = redis.call('HGET', key, 'status')
	local locked = tonumber(redis.call('HGET', key, 'locked_until') or '0')
	if status == 'pending' or (status == 'running' and locked <= now) then
		redis.call('HSET', key, 'status', 'running', 'worker_id', ARGV[3], 'locked_until', ARGV[4])
		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('ZADD', KEYS[1], ARGV[4], id)
		claimed[#claimed+1] = id
	elseif status == 'running' then
		redis.call('ZADD', KEYS[1], locked, id)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return claimed
`)

func (r *RedisStore) ClaimDueTasks(ctx context.Context, now time.Time, leaseDuration time.Duration, workerID string, limit int) ([]*api.ScheduledTask, error) {
	if limit <= 0 {
		limit = 16
	}
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.keyDue()},
		now.UnixNano(),
		limit,
		workerID,
		now.Add(leaseDuration).UnixNano(),
		r.prefix,
	).StringSlice()
	if err != nil {
		return nil, err
	}

	claimed := make([]*api.ScheduledTask, 0, len(res))
	for _, id := range res {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// renewScript extends the lease only while the caller still owns it,
// pushing the due score out with it.
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'running' and redis.call('HGET', KEYS[1], 'worker_id') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'locked_until', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

func (r *RedisStore) RenewLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	n, err := renewScript.Run(ctx, r.client,
		[]string{r.keyTask(taskID), r.keyDue()},
		workerID,
		time.Now().Add(leaseDuration).UnixNano(),
		taskID,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseConflict
	}
	return nil
}

// completeScript moves the task to its terminal status and drops it
// from the due index, guarded on lease ownership.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'running' and redis.call('HGET', KEYS[1], 'worker_id') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_error', ARGV[3], 'worker_id', '', 'locked_until', '0')
	redis.call('ZREM', KEYS[2], ARGV[4])
	return 1
end
return 0
`)

func (r *RedisStore) CompleteTask(ctx context.Context, taskID, workerID string, outcome api.TaskOutcome, lastError string) error {
	status := api.TaskDone
	if outcome == api.OutcomeFailed {
		status = api.TaskFailed
	}
	n, err := completeScript.Run(ctx, r.client,
		[]string{r.keyTask(taskID), r.keyDue()},
		workerID,
		string(status),
		lastError,
		taskID,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseConflict
	}
	return nil
}

func taskFromHash(id string, fields map[string]string) *api.ScheduledTask {
	t := &api.ScheduledTask{
		ID:        id,
		FlowYAML:  fields["flow_yaml"],
		Status:    api.TaskStatus(fields["status"]),
		LastError: fields["last_error"],
		WorkerID:  fields["worker_id"],
	}
	if v := fields["inputs_json"]; v != "" {
		t.InputsJSON = []byte(v)
	}
	t.Attempts, _ = strconv.Atoi(fields["attempts"])
	t.RunAt = nanoToTime(parseInt64(fields["run_at"]))
	t.LockedUntil = nanoToTime(parseInt64(fields["locked_until"]))
	t.CreatedAt = nanoToTime(parseInt64(fields["created_at"]))
	return t
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
