package queue

import (
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a queued task.
type State string

// Possible task states.
const (
	StateReady   State = "ready"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Task is one unit of classification work: a single item of a user's job.
// Tasks are created on enqueue, mutated only through queue transitions, and
// reach a terminal state via MarkDone or MarkFailed.
type Task struct {
	// ID is the queue-assigned, monotonically increasing task identifier.
	// Per-user FIFO order is the order of IDs.
	ID int64

	// UserID is the owner of the task. A ready task belongs to exactly one
	// user's FIFO.
	UserID int64

	// JobID groups the tasks submitted in one EnqueueJobs call.
	JobID uuid.UUID

	// ItemKey identifies the document to classify (e.g. a DOI).
	ItemKey string

	State        State
	EnqueuedAt   time.Time
	RunningSince time.Time
	Attempts     int
	LastError    string
}

// Progress reports how far a job's tasks have advanced. Completed counts
// terminal states (done and failed).
type Progress struct {
	Total     int
	Completed int
}

// BacklogStats is an observability snapshot of the queue: total pending
// tasks, the users that currently have pending tasks, and the sum of their
// permission weights.
type BacklogStats struct {
	Backlog       int
	ActiveUserIDs []int64
	PermissionSum int
}
