package capacity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAggregate_PermissionCountedOncePerUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	agg := NewMemoryAggregate()

	// Three concurrent tasks for the same user with weight 4: the weight
	// enters the sum once.
	for i := 0; i < 3; i++ {
		require.NoError(t, agg.IncrRunning(ctx, 1, 4))
	}
	assert.Equal(t, 3, agg.RunningCount(ctx))
	assert.Equal(t, 4, agg.RunningPermSum(ctx))

	// A second user with weight 2 adds their weight.
	require.NoError(t, agg.IncrRunning(ctx, 2, 2))
	assert.Equal(t, 6, agg.RunningPermSum(ctx))

	// User 1 winds down: the weight leaves only on the last decrement.
	require.NoError(t, agg.DecrRunning(ctx, 1, 4))
	require.NoError(t, agg.DecrRunning(ctx, 1, 4))
	assert.Equal(t, 6, agg.RunningPermSum(ctx))
	require.NoError(t, agg.DecrRunning(ctx, 1, 4))
	assert.Equal(t, 2, agg.RunningPermSum(ctx))

	require.NoError(t, agg.DecrRunning(ctx, 2, 2))
	assert.Equal(t, 0, agg.RunningPermSum(ctx))
	assert.Equal(t, 0, agg.RunningCount(ctx))
}

func TestMemoryAggregate_ConservationUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	agg := NewMemoryAggregate()

	const (
		users       = 8
		tasksPer    = 50
		permission  = 3
	)

	var wg sync.WaitGroup
	for uid := int64(1); uid <= users; uid++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			for i := 0; i < tasksPer; i++ {
				_ = agg.IncrRunning(ctx, uid, permission)
				_ = agg.DecrRunning(ctx, uid, permission)
			}
		}(uid)
	}
	wg.Wait()

	// Every start was matched by a stop: both counters return to zero,
	// never negative.
	assert.Equal(t, 0, agg.RunningCount(ctx))
	assert.Equal(t, 0, agg.RunningPermSum(ctx))
}

func TestMemoryAggregate_DecrNeverGoesNegative(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	agg := NewMemoryAggregate()

	require.NoError(t, agg.DecrRunning(ctx, 1, 5))
	assert.Equal(t, 0, agg.RunningCount(ctx))
	assert.Equal(t, 0, agg.RunningPermSum(ctx))
}

func TestMemoryAggregate_UserPermissionCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	agg := NewMemoryAggregate()

	assert.Equal(t, 0, agg.UserPermission(ctx, 9))
	require.NoError(t, agg.SetUserPermission(ctx, 9, 7))
	assert.Equal(t, 7, agg.UserPermission(ctx, 9))
}

func TestMemoryAggregate_MaxCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	agg := NewMemoryAggregate()

	assert.Equal(t, 0.0, agg.MaxCapacity(ctx))
	require.NoError(t, agg.SetMaxCapacity(ctx, 12.5))
	assert.Equal(t, 12.5, agg.MaxCapacity(ctx))
}
