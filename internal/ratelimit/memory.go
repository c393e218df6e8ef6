package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type minuteUsage struct {
	requests  int
	costUnits int
}

// MemoryLimiter is the in-process Limiter implementation. It keeps
// minute-bucketed usage counters per account under a single mutex, used when
// no external tier is configured and throughout the tests.
type MemoryLimiter struct {
	accounts AccountSource
	now      func() time.Time

	mu    sync.Mutex
	usage map[string]minuteUsage // key: account name + minute bucket
}

// NewMemoryLimiter creates a limiter over the given account source.
func NewMemoryLimiter(accounts AccountSource) *MemoryLimiter {
	return &MemoryLimiter{
		accounts: accounts,
		now:      time.Now,
		usage:    make(map[string]minuteUsage),
	}
}

// SetClock overrides the limiter's clock. Test hook.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.now = now
}

func minuteKey(name string, t time.Time) string {
	return fmt.Sprintf("%s:%s", name, t.UTC().Format("200601021504"))
}

func (l *MemoryLimiter) TryAcquire(ctx context.Context, costEstimate int) (bool, *Account, error) {
	accounts, err := l.accounts.ActiveAccounts(ctx)
	if err != nil {
		return false, nil, err
	}
	if len(accounts) == 0 {
		// Fail open: no capacity metadata means no enforcement.
		return true, nil, nil
	}
	if costEstimate <= 0 {
		costEstimate = 1
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Sample a small subset and pick the account with the largest slack,
	// then check and reserve on that single account atomically (we hold the
	// lock across both steps).
	candidates := SampleCandidates(accounts, sampleSize)
	var picked *Account
	bestSlack := -1
	for i := range candidates {
		u := l.usage[minuteKey(candidates[i].Name, now)]
		s := Slack(candidates[i], u.requests, u.costUnits, costEstimate)
		if s > bestSlack {
			bestSlack = s
			picked = &candidates[i]
		}
	}

	key := minuteKey(picked.Name, now)
	u := l.usage[key]
	if picked.RequestsPerMinute > 0 && u.requests+1 > picked.RequestsPerMinute {
		return false, nil, nil
	}
	if picked.CostUnitsPerMinute > 0 && u.costUnits+costEstimate > picked.CostUnitsPerMinute {
		return false, nil, nil
	}
	u.requests++
	u.costUnits += costEstimate
	l.usage[key] = u

	l.dropExpiredLocked(now)

	acct := *picked
	return true, &acct, nil
}

// dropExpiredLocked abandons counters from past minutes (logical TTL).
func (l *MemoryLimiter) dropExpiredLocked(now time.Time) {
	if len(l.usage) < 64 {
		return
	}
	suffix := ":" + now.UTC().Format("200601021504")
	for key := range l.usage {
		if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
			delete(l.usage, key)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
