package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue implementation. It backs package tests
// and single-node deployments that run without either external tier, and
// serves as the reference for the concurrency semantics the storage tiers
// must match.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*Task
	// ready holds each user's pending task ids in ascending id order,
	// which is FIFO order.
	ready map[int64][]int64
	jobs  map[uuid.UUID]*Progress
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks: make(map[int64]*Task),
		ready: make(map[int64][]int64),
		jobs:  make(map[uuid.UUID]*Progress),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, userID int64, jobID uuid.UUID, itemKeys []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	for _, key := range itemKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		q.nextID++
		t := &Task{
			ID:         q.nextID,
			UserID:     userID,
			JobID:      jobID,
			ItemKey:    key,
			State:      StateReady,
			EnqueuedAt: now,
		}
		q.tasks[t.ID] = t
		q.ready[userID] = append(q.ready[userID], t.ID)
		count++
	}
	if count > 0 {
		p := q.jobs[jobID]
		if p == nil {
			p = &Progress{}
			q.jobs[jobID] = p
		}
		p.Total += count
	}
	return count, nil
}

func (q *MemoryQueue) BacklogSize(ctx context.Context, userID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[userID]), nil
}

func (q *MemoryQueue) TotalBacklog(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, ids := range q.ready {
		total += len(ids)
	}
	return total, nil
}

func (q *MemoryQueue) PeekHead(ctx context.Context, userID int64) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ready[userID]
	if len(ids) == 0 {
		return nil, nil
	}
	return q.snapshot(ids[0]), nil
}

func (q *MemoryQueue) ConditionalDequeue(ctx context.Context, taskID, userID int64) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.ready[userID]
	if len(ids) == 0 || ids[0] != taskID {
		// Lost the race: the peeked task is no longer the head.
		return nil, nil
	}
	q.ready[userID] = ids[1:]
	t := q.tasks[taskID]
	t.State = StateRunning
	t.RunningSince = time.Now().UTC()
	return q.snapshot(taskID), nil
}

func (q *MemoryQueue) PushBack(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	t.State = StateReady
	t.Attempts++
	t.RunningSince = time.Time{}

	ids := q.ready[t.UserID]
	pos := sort.Search(len(ids), func(i int) bool { return ids[i] >= taskID })
	if pos < len(ids) && ids[pos] == taskID {
		return nil // already ready
	}
	ids = append(ids, 0)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = taskID
	q.ready[t.UserID] = ids
	return nil
}

func (q *MemoryQueue) MarkDone(ctx context.Context, taskID int64) error {
	return q.finish(taskID, StateDone, "")
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, taskID int64, reason string) error {
	return q.finish(taskID, StateFailed, reason)
}

func (q *MemoryQueue) finish(taskID int64, state State, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	t.State = state
	t.LastError = reason
	q.removeReadyLocked(t.UserID, taskID)
	if p := q.jobs[t.JobID]; p != nil {
		p.Completed++
	}
	return nil
}

func (q *MemoryQueue) ActiveUsers(ctx context.Context) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var users []int64
	for uid, ids := range q.ready {
		if len(ids) > 0 {
			users = append(users, uid)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (q *MemoryQueue) JobProgress(ctx context.Context, jobID uuid.UUID) (Progress, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p := q.jobs[jobID]; p != nil {
		return *p, nil
	}
	return Progress{}, nil
}

// Ping always succeeds so a MemoryQueue can stand in for the cache tier.
func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

// Task returns a copy of the stored task regardless of state. Test helper.
func (q *MemoryQueue) Task(taskID int64) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot(taskID)
}

func (q *MemoryQueue) removeReadyLocked(userID, taskID int64) {
	ids := q.ready[userID]
	for i, id := range ids {
		if id == taskID {
			q.ready[userID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (q *MemoryQueue) snapshot(taskID int64) *Task {
	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

var _ CacheQueue = (*MemoryQueue)(nil)
