package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AsherLHJ/paperq/internal/ratelimit"
)

// windowTTL keeps dead minute windows from accumulating. 90s outlives the
// 60s window the counters describe.
const windowTTL = 90 * time.Second

// acquireScript checks both per-minute counters and increments them in one
// atomic step. A failed check leaves the counters untouched. A zero limit
// means unlimited, matching the Account contract.
//
// KEYS[1] window hash ("paperq:rl:{account}:{yyyymmddhhmm}")
// ARGV[1] request limit, ARGV[2] cost limit, ARGV[3] cost estimate,
// ARGV[4] ttl in milliseconds
var acquireScript = redis.NewScript(`
local reqs = tonumber(redis.call('HGET', KEYS[1], 'reqs') or '0')
local cost = tonumber(redis.call('HGET', KEYS[1], 'cost') or '0')
local rpm = tonumber(ARGV[1])
local cpm = tonumber(ARGV[2])
if (rpm > 0 and reqs + 1 > rpm) or (cpm > 0 and cost + tonumber(ARGV[3]) > cpm) then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'reqs', 1)
redis.call('HINCRBY', KEYS[1], 'cost', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Limiter is the Redis-backed ratelimit.CacheLimiter. It shares the minute
// windows across processes, so a fleet of dispatchers draws from the same
// per-account budget.
type Limiter struct {
	client   *redis.Client
	accounts ratelimit.AccountSource
	now      func() time.Time
}

// NewLimiter wraps a connected client and an account source.
func NewLimiter(client *redis.Client, accounts ratelimit.AccountSource) *Limiter {
	return &Limiter{
		client:   client,
		accounts: accounts,
		now:      time.Now,
	}
}

var _ ratelimit.CacheLimiter = (*Limiter)(nil)

// SetClock overrides the limiter's clock. Test hook.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func (l *Limiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Limiter) TryAcquire(ctx context.Context, costEstimate int) (bool, *ratelimit.Account, error) {
	accounts, err := l.accounts.ActiveAccounts(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("load rate accounts: %w", err)
	}
	// No configured accounts: fail open so the pipeline keeps moving.
	if len(accounts) == 0 {
		return true, nil, nil
	}

	window := l.now().UTC().Format("200601021504")
	candidates := ratelimit.SampleCandidates(accounts, 2)

	best := -1
	bestSlack := -1
	for i, a := range candidates {
		usedReqs, usedCost, err := l.windowUsage(ctx, a.Name, window)
		if err != nil {
			return false, nil, err
		}
		slack := ratelimit.Slack(a, usedReqs, usedCost, costEstimate)
		if slack > bestSlack {
			best, bestSlack = i, slack
		}
	}
	if best < 0 || bestSlack <= 0 {
		return false, nil, nil
	}

	acct := candidates[best]
	ok, err := acquireScript.Run(ctx, l.client,
		[]string{l.windowKey(acct.Name, window)},
		acct.RequestsPerMinute, acct.CostUnitsPerMinute, costEstimate, windowTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, nil, fmt.Errorf("acquire on account %s: %w", acct.Name, err)
	}
	if ok == 0 {
		// The slack estimate raced with other acquirers. Deny; the caller
		// backs off and retries.
		return false, nil, nil
	}
	return true, &acct, nil
}

func (l *Limiter) windowUsage(ctx context.Context, account, window string) (int, int, error) {
	vals, err := l.client.HMGet(ctx, l.windowKey(account, window), "reqs", "cost").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read window for account %s: %w", account, err)
	}
	return hmInt(vals[0]), hmInt(vals[1]), nil
}

func (l *Limiter) windowKey(account, window string) string {
	return fmt.Sprintf(keyPrefix+"rl:%s:%s", account, window)
}

func hmInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
