package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AsherLHJ/paperq/internal/store"
)

// mockUserStore records SyncBalance calls and lets tests inject failures.
type mockUserStore struct {
	mu            sync.Mutex
	synced        map[int64]float64
	syncCalls     int
	syncBalanceFn func(ctx context.Context, userID int64, balance float64) error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{synced: make(map[int64]float64)}
}

func (m *mockUserStore) GetPermission(_ context.Context, _ int64) (int, error) {
	return 1, nil
}

func (m *mockUserStore) GetBalance(_ context.Context, userID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced[userID], nil
}

func (m *mockUserStore) SyncBalance(ctx context.Context, userID int64, balance float64) error {
	m.mu.Lock()
	m.syncCalls++
	fn := m.syncBalanceFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, userID, balance); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced[userID] = balance
	return nil
}

func (m *mockUserStore) Synced(userID int64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.synced[userID]
	return bal, ok
}

func TestReconcilerRunOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("persists the cached balance after draining records", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		r := NewReconciler(records, balances, users, time.Second, 2000, nil)

		// A worker deducts through the cache and queues a record per item.
		require.NoError(t, balances.SetBalance(ctx, 1, 100))
		jobID := uuid.New()
		for i := 0; i < 4; i++ {
			_, ok, err := balances.DeductIfSufficient(ctx, 1, 2.5)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, records.Push(ctx, Record{
				UserID: 1, JobID: jobID, Cost: 2.5, Timestamp: time.Now(),
			}))
		}

		r.RunOnce(ctx)

		bal, ok := users.Synced(1)
		require.True(t, ok)
		assert.InDelta(t, 90, bal, 1e-9)

		n, err := records.Length(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)

		stats := r.Stats()
		assert.Equal(t, int64(1), stats.Cycles)
		assert.Equal(t, int64(4), stats.RecordsDrained)
		assert.Equal(t, int64(1), stats.UsersSynced)
	})

	t.Run("skips users with no pending records", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		require.NoError(t, balances.SetBalance(ctx, 1, 100))

		r := NewReconciler(records, balances, users, time.Second, 2000, nil)
		r.RunOnce(ctx)

		_, ok := users.Synced(1)
		assert.False(t, ok)
	})

	t.Run("drains at most the batch limit per cycle", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		require.NoError(t, balances.SetBalance(ctx, 1, 100))
		for i := 0; i < 5; i++ {
			require.NoError(t, records.Push(ctx, Record{UserID: 1, Cost: 1}))
		}

		r := NewReconciler(records, balances, users, time.Second, 3, nil)
		r.RunOnce(ctx)

		n, err := records.Length(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		r.RunOnce(ctx)
		n, err = records.Length(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("failed sync does not replay drained records", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		users.syncBalanceFn = func(context.Context, int64, float64) error {
			return errors.New("database unavailable")
		}
		require.NoError(t, balances.SetBalance(ctx, 1, 80))
		require.NoError(t, records.Push(ctx, Record{UserID: 1, Cost: 20}))

		r := NewReconciler(records, balances, users, time.Second, 2000, nil)
		r.RunOnce(ctx)

		// The records are consumed either way; the cache stays the source
		// of truth and the next cycle with new records retries the sync.
		n, err := records.Length(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, int64(1), r.Stats().SyncFailures)

		users.mu.Lock()
		users.syncBalanceFn = nil
		users.mu.Unlock()
		require.NoError(t, records.Push(ctx, Record{UserID: 1, Cost: 5}))
		_, ok, err := balances.DeductIfSufficient(ctx, 1, 5)
		require.NoError(t, err)
		require.True(t, ok)

		r.RunOnce(ctx)
		bal, ok2 := users.Synced(1)
		require.True(t, ok2)
		assert.InDelta(t, 75, bal, 1e-9)
	})

	t.Run("sync against a deleted user drops the records", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		users.syncBalanceFn = func(_ context.Context, userID int64, _ float64) error {
			return fmt.Errorf("failed to sync balance for user %d: %w", userID, store.ErrUserNotFound)
		}
		require.NoError(t, balances.SetBalance(ctx, 1, 50))
		require.NoError(t, records.Push(ctx, Record{UserID: 1, Cost: 10}))

		r := NewReconciler(records, balances, users, time.Second, 2000, nil)
		r.RunOnce(ctx)

		// Not a retryable failure: the records are dropped and the cycle
		// moves on.
		n, err := records.Length(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)
		stats := r.Stats()
		assert.Zero(t, stats.SyncFailures)
		assert.Zero(t, stats.UsersSynced)
	})

	t.Run("cache miss during reconcile skips the sync", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		require.NoError(t, records.Push(ctx, Record{UserID: 3, Cost: 1}))

		r := NewReconciler(records, balances, users, time.Second, 2000, nil)
		r.RunOnce(ctx)

		_, ok := users.Synced(3)
		assert.False(t, ok)
	})

	t.Run("loop reconciles on the tick", func(t *testing.T) {
		t.Parallel()
		records := NewMemoryRecordQueue()
		balances := NewMemoryBalanceCache()
		users := newMockUserStore()
		require.NoError(t, balances.SetBalance(ctx, 1, 9))
		require.NoError(t, records.Push(ctx, Record{UserID: 1, Cost: 1}))

		r := NewReconciler(records, balances, users, 10*time.Millisecond, 2000, nil)
		r.Start(context.Background())
		defer r.Stop()

		assert.Eventually(t, func() bool {
			bal, ok := users.Synced(1)
			return ok && bal == 9
		}, time.Second, 5*time.Millisecond)
	})
}
