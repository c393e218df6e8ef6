package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticAccounts implements AccountSource over a fixed slice.
type staticAccounts []Account

func (s staticAccounts) ActiveAccounts(ctx context.Context) ([]Account, error) {
	return s, nil
}

func TestMemoryLimiter_WindowBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLimiter(staticAccounts{{
		Name:               "acct-1",
		RequestsPerMinute:  100,
		CostUnitsPerMinute: 5000,
	}})

	fixed := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	// min(100, floor(5000/400)) = 12 acquisitions fit in one minute window.
	const costEstimate = 400
	for i := 0; i < 12; i++ {
		ok, acct, err := l.TryAcquire(ctx, costEstimate)
		require.NoError(t, err)
		require.True(t, ok, "acquisition %d should succeed", i+1)
		require.NotNil(t, acct)
		assert.Equal(t, "acct-1", acct.Name)
	}

	// The 13th attempt in the same minute fails with no partial increment.
	ok, acct, err := l.TryAcquire(ctx, costEstimate)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, acct)

	// A new minute window starts fresh.
	l.SetClock(func() time.Time { return fixed.Add(time.Minute) })
	ok, _, err = l.TryAcquire(ctx, costEstimate)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiter_FailsOpenWithoutAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLimiter(staticAccounts{})

	ok, acct, err := l.TryAcquire(ctx, 400)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, acct)
}

func TestMemoryLimiter_PicksLargestSlack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLimiter(staticAccounts{
		{Name: "small", RequestsPerMinute: 1, CostUnitsPerMinute: 400},
		{Name: "large", RequestsPerMinute: 100, CostUnitsPerMinute: 100000},
	})

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	// Exhaust "small" quickly; every further acquisition must land on
	// "large" because it always has more slack.
	for i := 0; i < 20; i++ {
		ok, acct, err := l.TryAcquire(ctx, 400)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, acct)
		if i > 0 {
			assert.Equal(t, "large", acct.Name)
		}
	}
}

func TestMemoryLimiter_ZeroLimitMeansUnlimited(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLimiter(staticAccounts{
		{Name: "bounded", RequestsPerMinute: 1, CostUnitsPerMinute: 400},
		{Name: "unbounded"},
	})

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	// The unlimited account must grant every acquisition in a single minute,
	// well past what the bounded peer could absorb.
	for i := 0; i < 50; i++ {
		ok, acct, err := l.TryAcquire(ctx, 400)
		require.NoError(t, err)
		require.True(t, ok, "acquisition %d should succeed", i+1)
		require.NotNil(t, acct)
		assert.Equal(t, "unbounded", acct.Name)
	}
}

func TestSlack(t *testing.T) {
	t.Parallel()

	a := Account{RequestsPerMinute: 10, CostUnitsPerMinute: 2000}

	assert.Equal(t, 5, Slack(a, 0, 0, 400), "cost budget binds")
	assert.Equal(t, 3, Slack(a, 7, 0, 400), "request budget binds")
	assert.Equal(t, 0, Slack(a, 10, 0, 400), "exhausted requests")
	assert.Equal(t, 0, Slack(a, 0, 2000, 400), "exhausted cost units")

	unlimited := Account{}
	assert.Greater(t, Slack(unlimited, 1000, 1000000, 400), 1<<40)
}

func TestMaxCapacityPerMinute(t *testing.T) {
	t.Parallel()

	accounts := []Account{
		{Name: "a", RequestsPerMinute: 100, CostUnitsPerMinute: 5000},  // min(100, 12.5) = 12.5
		{Name: "b", RequestsPerMinute: 5, CostUnitsPerMinute: 100000},  // min(5, 250) = 5
		{Name: "c"}, // no limits at all: no contribution
	}

	assert.InDelta(t, 17.5, MaxCapacityPerMinute(accounts, 400), 1e-9)
	assert.Equal(t, 0.0, MaxCapacityPerMinute(nil, 400))
}
