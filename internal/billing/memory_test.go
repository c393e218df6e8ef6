package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pop drains oldest first up to the limit", func(t *testing.T) {
		t.Parallel()
		q := NewMemoryRecordQueue()
		jobID := uuid.New()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Push(ctx, Record{
				UserID:    7,
				JobID:     jobID,
				ItemKey:   string(rune('a' + i)),
				Cost:      1,
				Timestamp: time.Now(),
			}))
		}

		recs, err := q.Pop(ctx, 7, 3)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "a", recs[0].ItemKey)
		assert.Equal(t, "c", recs[2].ItemKey)

		n, err := q.Length(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("pop on an empty user returns nothing", func(t *testing.T) {
		t.Parallel()
		q := NewMemoryRecordQueue()
		recs, err := q.Pop(ctx, 99, 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("active users lists only users with pending records", func(t *testing.T) {
		t.Parallel()
		q := NewMemoryRecordQueue()
		require.NoError(t, q.Push(ctx, Record{UserID: 1, Cost: 1}))
		require.NoError(t, q.Push(ctx, Record{UserID: 2, Cost: 1}))

		_, err := q.Pop(ctx, 1, 10)
		require.NoError(t, err)

		ids, err := q.ActiveUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids)
	})
}

func TestMemoryBalanceCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("balance reports a miss before seeding", func(t *testing.T) {
		t.Parallel()
		c := NewMemoryBalanceCache()
		_, ok, err := c.Balance(ctx, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.SetBalance(ctx, 1, 50))
		bal, ok, err := c.Balance(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 50, bal, 1e-9)
	})

	t.Run("deduct succeeds while the balance covers the amount", func(t *testing.T) {
		t.Parallel()
		c := NewMemoryBalanceCache()
		require.NoError(t, c.SetBalance(ctx, 1, 10))

		bal, ok, err := c.DeductIfSufficient(ctx, 1, 4)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 6, bal, 1e-9)

		bal, ok, err = c.DeductIfSufficient(ctx, 1, 6)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, bal)
	})

	t.Run("deduct refuses when the balance is short", func(t *testing.T) {
		t.Parallel()
		c := NewMemoryBalanceCache()
		require.NoError(t, c.SetBalance(ctx, 1, 3))

		bal, ok, err := c.DeductIfSufficient(ctx, 1, 5)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.InDelta(t, 3, bal, 1e-9)
	})

	t.Run("deduct refuses on a cache miss", func(t *testing.T) {
		t.Parallel()
		c := NewMemoryBalanceCache()
		_, ok, err := c.DeductIfSufficient(ctx, 42, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
