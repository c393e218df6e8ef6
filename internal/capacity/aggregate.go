package capacity

import (
	"context"
	"sync"
)

// Aggregate maintains the process-wide shared counters capacity decisions
// are derived from: the maximum capacity budget, the number of currently
// running tasks, and the running permission sum.
//
// A user's permission weight enters the running sum only when that user's
// running-task count transitions 0 -> 1, and leaves it on 1 -> 0: the weight
// is counted once per user no matter how many of their tasks run
// concurrently.
//
// Implementations must make IncrRunning/DecrRunning atomic
// check-and-increment operations, never read-then-write.
type Aggregate interface {
	// MaxCapacity returns the current aggregate capacity budget (req/min).
	MaxCapacity(ctx context.Context) float64

	// SetMaxCapacity replaces the capacity budget. Called periodically by
	// the scheduler from rate-account configuration.
	SetMaxCapacity(ctx context.Context, v float64) error

	// RunningCount returns the number of currently running tasks.
	RunningCount(ctx context.Context) int

	// RunningPermSum returns the sum of distinct running users' permissions.
	RunningPermSum(ctx context.Context) int

	// IncrRunning records a task start for the user.
	IncrRunning(ctx context.Context, userID int64, permission int) error

	// DecrRunning records a task stop for the user.
	DecrRunning(ctx context.Context, userID int64, permission int) error

	// UserPermission returns the cached permission weight for the user,
	// or 0 when unknown.
	UserPermission(ctx context.Context, userID int64) int

	// SetUserPermission caches the user's permission weight.
	SetUserPermission(ctx context.Context, userID int64, permission int) error
}

// MemoryAggregate is the in-process Aggregate implementation, used when no
// cache tier is configured and throughout the tests.
type MemoryAggregate struct {
	mu          sync.Mutex
	maxCapacity float64
	count       int
	permSum     int
	running     map[int64]int // per-user running task count
	permissions map[int64]int
}

// NewMemoryAggregate creates an empty in-process capacity aggregate.
func NewMemoryAggregate() *MemoryAggregate {
	return &MemoryAggregate{
		running:     make(map[int64]int),
		permissions: make(map[int64]int),
	}
}

func (a *MemoryAggregate) MaxCapacity(ctx context.Context) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxCapacity
}

func (a *MemoryAggregate) SetMaxCapacity(ctx context.Context, v float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxCapacity = v
	return nil
}

func (a *MemoryAggregate) RunningCount(ctx context.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *MemoryAggregate) RunningPermSum(ctx context.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permSum
}

func (a *MemoryAggregate) IncrRunning(ctx context.Context, userID int64, permission int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.running[userID]++
	if a.running[userID] == 1 {
		a.permSum += permission
	}
	return nil
}

func (a *MemoryAggregate) DecrRunning(ctx context.Context, userID int64, permission int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count > 0 {
		a.count--
	}
	if a.running[userID] > 0 {
		a.running[userID]--
		if a.running[userID] == 0 {
			delete(a.running, userID)
			a.permSum -= permission
			if a.permSum < 0 {
				a.permSum = 0
			}
		}
	}
	return nil
}

func (a *MemoryAggregate) UserPermission(ctx context.Context, userID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permissions[userID]
}

func (a *MemoryAggregate) SetUserPermission(ctx context.Context, userID int64, permission int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions[userID] = permission
	return nil
}

var _ Aggregate = (*MemoryAggregate)(nil)
