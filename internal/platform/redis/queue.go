package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/store"
)

// Key layout for the queue:
//
//	paperq:task:next_id          counter for task ids
//	paperq:task:{id}             hash with the task fields
//	paperq:q:ready:uid:{uid}     zset of ready task ids, score = id
//	paperq:q:users               set of user ids with ready tasks
//	paperq:job:{job_id}          hash with total / completed counters
const (
	taskIDKey  = keyPrefix + "task:next_id"
	usersKey   = keyPrefix + "q:users"
	taskKeyFmt = keyPrefix + "task:%d"
	readyFmt   = keyPrefix + "q:ready:uid:%d"
	jobFmt     = keyPrefix + "job:%s"
)

// condDequeueScript removes the task from the user's ready zset only while
// it is still the head, flips the task hash to running, and clears the
// user from the active set when their queue drained.
//
// KEYS[1] ready zset, KEYS[2] users set, KEYS[3] task hash
// ARGV[1] task id, ARGV[2] user id, ARGV[3] running_since (RFC 3339)
var condDequeueScript = redis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 or head[1] ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
redis.call('HSET', KEYS[3], 'state', 'running', 'running_since', ARGV[3])
return 1
`)

// Queue is the Redis-backed queue.CacheQueue. Per-user FIFO order is the
// zset score order, which equals task id order.
type Queue struct {
	client *redis.Client
}

// NewQueue wraps a connected client.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

var _ queue.CacheQueue = (*Queue)(nil)

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Enqueue(ctx context.Context, userID int64, jobID uuid.UUID, itemKeys []string) (int, error) {
	created := 0
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, key := range itemKeys {
		if key == "" {
			continue
		}
		id, err := q.client.Incr(ctx, taskIDKey).Result()
		if err != nil {
			return created, fmt.Errorf("allocate task id: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, taskKey(id),
			"id", id,
			"user_id", userID,
			"job_id", jobID.String(),
			"item_key", key,
			"state", string(queue.StateReady),
			"enqueued_at", now,
			"attempts", 0,
		)
		pipe.ZAdd(ctx, readyKey(userID), redis.Z{Score: float64(id), Member: id})
		pipe.SAdd(ctx, usersKey, userID)
		pipe.HIncrBy(ctx, jobKey(jobID), "total", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return created, fmt.Errorf("enqueue task %d: %w", id, err)
		}
		created++
	}
	return created, nil
}

func (q *Queue) BacklogSize(ctx context.Context, userID int64) (int, error) {
	n, err := q.client.ZCard(ctx, readyKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("backlog size for user %d: %w", userID, err)
	}
	return int(n), nil
}

func (q *Queue) TotalBacklog(ctx context.Context) (int, error) {
	userIDs, err := q.ActiveUsers(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, userID := range userIDs {
		n, err := q.BacklogSize(ctx, userID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) PeekHead(ctx context.Context, userID int64) (*queue.Task, error) {
	ids, err := q.client.ZRange(ctx, readyKey(userID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("peek head for user %d: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	taskID, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse head task id %q: %w", ids[0], err)
	}
	return q.loadTask(ctx, taskID)
}

func (q *Queue) ConditionalDequeue(ctx context.Context, taskID, userID int64) (*queue.Task, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	won, err := condDequeueScript.Run(ctx, q.client,
		[]string{readyKey(userID), usersKey, taskKey(taskID)},
		taskID, userID, now,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("conditional dequeue of task %d: %w", taskID, err)
	}
	if won == 0 {
		return nil, nil
	}
	return q.loadTask(ctx, taskID)
}

func (q *Queue) PushBack(ctx context.Context, taskID int64) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("push back task %d: %w", taskID, store.ErrTaskNotFound)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), "state", string(queue.StateReady), "running_since", "")
	pipe.HIncrBy(ctx, taskKey(taskID), "attempts", 1)
	// Score = id restores the task's original FIFO position.
	pipe.ZAdd(ctx, readyKey(task.UserID), redis.Z{Score: float64(taskID), Member: taskID})
	pipe.SAdd(ctx, usersKey, task.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push back task %d: %w", taskID, err)
	}
	return nil
}

func (q *Queue) MarkDone(ctx context.Context, taskID int64) error {
	return q.finish(ctx, taskID, queue.StateDone, "")
}

func (q *Queue) MarkFailed(ctx context.Context, taskID int64, reason string) error {
	return q.finish(ctx, taskID, queue.StateFailed, reason)
}

func (q *Queue) finish(ctx context.Context, taskID int64, state queue.State, reason string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("finish task %d: %w", taskID, store.ErrTaskNotFound)
	}
	pipe := q.client.TxPipeline()
	fields := []interface{}{"state", string(state)}
	if reason != "" {
		fields = append(fields, "last_error", reason)
	}
	pipe.HSet(ctx, taskKey(taskID), fields...)
	pipe.HIncrBy(ctx, jobKey(task.JobID), "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish task %d: %w", taskID, err)
	}
	return nil
}

func (q *Queue) ActiveUsers(ctx context.Context) ([]int64, error) {
	members, err := q.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", m, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (q *Queue) JobProgress(ctx context.Context, jobID uuid.UUID) (queue.Progress, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return queue.Progress{}, fmt.Errorf("job progress for %s: %w", jobID, err)
	}
	var p queue.Progress
	p.Total, _ = strconv.Atoi(fields["total"])
	p.Completed, _ = strconv.Atoi(fields["completed"])
	return p, nil
}

func (q *Queue) loadTask(ctx context.Context, taskID int64) (*queue.Task, error) {
	fields, err := q.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %d: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return taskFromHash(fields)
}

func taskFromHash(fields map[string]string) (*queue.Task, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", fields["id"], err)
	}
	userID, err := strconv.ParseInt(fields["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse task user id %q: %w", fields["user_id"], err)
	}
	jobID, err := uuid.Parse(fields["job_id"])
	if err != nil {
		return nil, fmt.Errorf("parse task job id %q: %w", fields["job_id"], err)
	}
	task := &queue.Task{
		ID:        id,
		UserID:    userID,
		JobID:     jobID,
		ItemKey:   fields["item_key"],
		State:     queue.State(fields["state"]),
		LastError: fields["last_error"],
	}
	task.Attempts, _ = strconv.Atoi(fields["attempts"])
	if v := fields["enqueued_at"]; v != "" {
		task.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["running_since"]; v != "" {
		task.RunningSince, _ = time.Parse(time.RFC3339Nano, v)
	}
	return task, nil
}

func taskKey(id int64) string       { return fmt.Sprintf(taskKeyFmt, id) }
func readyKey(userID int64) string  { return fmt.Sprintf(readyFmt, userID) }
func jobKey(jobID uuid.UUID) string { return fmt.Sprintf(jobFmt, jobID.String()) }
