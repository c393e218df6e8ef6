package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AsherLHJ/paperq/internal/capacity"
	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/ratelimit"
)

// fakeUserStore serves permissions from a map.
type fakeUserStore struct {
	mu          sync.Mutex
	permissions map[int64]int
	calls       int
}

func (f *fakeUserStore) GetPermission(_ context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.permissions[userID], nil
}

func (f *fakeUserStore) GetBalance(context.Context, int64) (float64, error) { return 0, nil }
func (f *fakeUserStore) SyncBalance(context.Context, int64, float64) error  { return nil }

// fakeAccounts serves a fixed account list.
type fakeAccounts struct {
	accounts []ratelimit.Account
}

func (f *fakeAccounts) ActiveAccounts(context.Context) ([]ratelimit.Account, error) {
	return f.accounts, nil
}

// drainRunner empties its user's backlog one task at a time, simulating a
// worker without the classify pipeline.
type drainRunner struct {
	userID int64
	q      *queue.MemoryQueue
	block  chan struct{} // closed to let the runner finish
}

func (r *drainRunner) Run(ctx context.Context) {
	if r.block != nil {
		<-r.block
	}
	for {
		head, err := r.q.PeekHead(ctx, r.userID)
		if err != nil || head == nil {
			return
		}
		task, err := r.q.ConditionalDequeue(ctx, head.ID, r.userID)
		if err != nil {
			return
		}
		if task == nil {
			continue
		}
		_ = r.q.MarkDone(ctx, task.ID)
	}
}

func TestSchedulerRunCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("spawns min(permission, pending) workers per user", func(t *testing.T) {
		t.Parallel()
		q := queue.NewMemoryQueue()
		agg := capacity.NewMemoryAggregate()
		users := &fakeUserStore{permissions: map[int64]int{1: 3, 2: 5}}

		// User 1: permission 3, backlog 10 -> 3 workers.
		// User 2: permission 5, backlog 2  -> 2 workers.
		_, err := q.Enqueue(ctx, 1, uuid.New(), []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, 2, uuid.New(), []string{"x", "y"})
		require.NoError(t, err)

		block := make(chan struct{})
		s := New(q, agg, users, nil, func(userID int64, _ func() bool) Runner {
			return &drainRunner{userID: userID, q: q, block: block}
		}, Config{}, nil)

		s.RunCycle(ctx)
		assert.Equal(t, 3, s.ActiveWorkers(1))
		assert.Equal(t, 2, s.ActiveWorkers(2))

		// A second cycle with the same backlog adds nothing.
		s.RunCycle(ctx)
		assert.Equal(t, 3, s.ActiveWorkers(1))
		assert.Equal(t, 2, s.ActiveWorkers(2))

		close(block)
		assert.Eventually(t, func() bool {
			return s.ActiveWorkers(1) == 0 && s.ActiveWorkers(2) == 0
		}, 5*time.Second, 5*time.Millisecond)

		n, err := q.TotalBacklog(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("grants at least one worker to a user with zero permission", func(t *testing.T) {
		t.Parallel()
		q := queue.NewMemoryQueue()
		agg := capacity.NewMemoryAggregate()
		users := &fakeUserStore{permissions: map[int64]int{7: 0}}
		_, err := q.Enqueue(ctx, 7, uuid.New(), []string{"a"})
		require.NoError(t, err)

		block := make(chan struct{})
		defer close(block)
		s := New(q, agg, users, nil, func(userID int64, _ func() bool) Runner {
			return &drainRunner{userID: userID, q: q, block: block}
		}, Config{}, nil)

		s.RunCycle(ctx)
		assert.Equal(t, 1, s.ActiveWorkers(7))
	})

	t.Run("caches permissions after the first load", func(t *testing.T) {
		t.Parallel()
		q := queue.NewMemoryQueue()
		agg := capacity.NewMemoryAggregate()
		users := &fakeUserStore{permissions: map[int64]int{1: 2}}
		_, err := q.Enqueue(ctx, 1, uuid.New(), []string{"a", "b", "c"})
		require.NoError(t, err)

		block := make(chan struct{})
		defer close(block)
		s := New(q, agg, users, nil, func(userID int64, _ func() bool) Runner {
			return &drainRunner{userID: userID, q: q, block: block}
		}, Config{}, nil)

		s.RunCycle(ctx)
		s.RunCycle(ctx)
		s.RunCycle(ctx)

		users.mu.Lock()
		defer users.mu.Unlock()
		assert.Equal(t, 1, users.calls)
		assert.Equal(t, 2, agg.UserPermission(ctx, 1))
	})

	t.Run("recomputes the capacity budget from account limits", func(t *testing.T) {
		t.Parallel()
		q := queue.NewMemoryQueue()
		agg := capacity.NewMemoryAggregate()
		users := &fakeUserStore{permissions: map[int64]int{}}
		accounts := &fakeAccounts{accounts: []ratelimit.Account{
			{Name: "a", RequestsPerMinute: 100, CostUnitsPerMinute: 5000},
			{Name: "b", RequestsPerMinute: 50, CostUnitsPerMinute: 100000},
		}}

		s := New(q, agg, users, accounts, func(int64, func() bool) Runner { return nil }, Config{CostEstimate: 400}, nil)
		s.refreshCapacity(ctx)

		// min(100, 5000/400)=12.5 plus min(50, 100000/400)=50.
		assert.InDelta(t, 62.5, agg.MaxCapacity(ctx), 1e-9)
	})

	t.Run("warm-up seeds permissions for users with backlog", func(t *testing.T) {
		t.Parallel()
		q := queue.NewMemoryQueue()
		agg := capacity.NewMemoryAggregate()
		users := &fakeUserStore{permissions: map[int64]int{4: 6}}
		_, err := q.Enqueue(ctx, 4, uuid.New(), []string{"a"})
		require.NoError(t, err)

		s := New(q, agg, users, nil, func(int64, func() bool) Runner { return nil }, Config{}, nil)
		s.warmUp(ctx)
		assert.Equal(t, 6, agg.UserPermission(ctx, 4))
	})

	t.Run("stop signals runners through the cancelled hook", func(t *testing.T) {
		t.Parallel()
		q := queue.NewMemoryQueue()
		agg := capacity.NewMemoryAggregate()
		users := &fakeUserStore{permissions: map[int64]int{1: 1}}
		_, err := q.Enqueue(ctx, 1, uuid.New(), []string{"a"})
		require.NoError(t, err)

		var hookMu sync.Mutex
		var hook func() bool
		s := New(q, agg, users, nil, func(userID int64, cancelled func() bool) Runner {
			hookMu.Lock()
			hook = cancelled
			hookMu.Unlock()
			return &drainRunner{userID: userID, q: q}
		}, Config{Interval: 10 * time.Millisecond}, nil)

		s.Start(context.Background())
		assert.Eventually(t, func() bool {
			hookMu.Lock()
			defer hookMu.Unlock()
			return hook != nil
		}, 5*time.Second, 5*time.Millisecond)

		hookMu.Lock()
		h := hook
		hookMu.Unlock()
		assert.False(t, h())
		s.Stop()
		assert.True(t, h())
	})
}
