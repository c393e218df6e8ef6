package queue

import (
	"context"

	"github.com/google/uuid"
)

// Queue is the per-user FIFO of pending classification tasks.
//
// Two interchangeable backends implement it: the cache tier
// (platform/redis) with O(1) score-ordered sets, and the relational tier
// (platform/postgres) emulating the same semantics with row locks. The
// Facade selects between them at call time.
//
// PeekHead and ConditionalDequeue together form the optimistic claim
// protocol: a consumer peeks the head without removing it, decides whether
// it may run (admission gate, rate limiter), then attempts the conditional
// dequeue, which succeeds only if the peeked task is still the head. At most
// one of N racing consumers wins a given head.
type Queue interface {
	// Enqueue appends one ready task per item key to the user's FIFO and
	// returns the number of tasks created. Blank item keys are skipped.
	Enqueue(ctx context.Context, userID int64, jobID uuid.UUID, itemKeys []string) (int, error)

	// BacklogSize returns the number of ready tasks for the user.
	BacklogSize(ctx context.Context, userID int64) (int, error)

	// TotalBacklog returns the number of ready tasks across all users.
	TotalBacklog(ctx context.Context) (int, error)

	// PeekHead returns the user's current head task without removing it,
	// or nil when the user's queue is empty.
	PeekHead(ctx context.Context, userID int64) (*Task, error)

	// ConditionalDequeue removes the task and transitions it to running,
	// but only if taskID is still the current head of the user's queue.
	// Returns nil (with no side effect) when the race was lost.
	ConditionalDequeue(ctx context.Context, taskID, userID int64) (*Task, error)

	// PushBack reverts a running task to ready, re-entering it at the head
	// region of the user's FIFO. Used on retryable failures.
	PushBack(ctx context.Context, taskID int64) error

	// MarkDone transitions the task to its terminal done state.
	MarkDone(ctx context.Context, taskID int64) error

	// MarkFailed transitions the task to its terminal failed state with a
	// reason. Failed tasks are never retried.
	MarkFailed(ctx context.Context, taskID int64, reason string) error

	// ActiveUsers returns the ids of users that currently have ready tasks.
	ActiveUsers(ctx context.Context) ([]int64, error)

	// JobProgress returns the total and completed counts for a job.
	JobProgress(ctx context.Context, jobID uuid.UUID) (Progress, error)
}

// Pinger is implemented by backends with an external health check.
// The facade uses it to decide whether the cache tier is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}
