package ratelimit

import (
	"context"
	"math"
	"math/rand"
)

// Account is one external credential with its own per-minute budgets.
// Usage counters are minute-bucketed and tracked by the limiter tiers, not
// on this struct.
type Account struct {
	// Name identifies the credential (unique).
	Name string

	// APIKey is the credential itself, passed through to the classifier.
	APIKey string

	// RequestsPerMinute caps requests in any single minute window.
	// Zero means unlimited.
	RequestsPerMinute int

	// CostUnitsPerMinute caps cost units (model tokens) in any single
	// minute window. Zero means unlimited.
	CostUnitsPerMinute int
}

// AccountSource supplies the configured rate accounts. Implemented by the
// relational tier; consumed by every limiter tier.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]Account, error)
}

// Limiter reserves one unit of external-call quota.
//
// TryAcquire estimates the cost of one call and attempts to reserve a
// request slot plus costEstimate cost units on some account for the current
// minute window. The check and the increment are a single atomic step: a
// failed check leaves no partial increment. When no accounts are configured
// the limiter fails open (ok=true, nil account) so the system stays usable
// without external-capacity metadata.
type Limiter interface {
	TryAcquire(ctx context.Context, costEstimate int) (bool, *Account, error)
}

// sampleSize is how many accounts an acquisition samples before picking the
// one with the largest slack.
const sampleSize = 2

// SampleCandidates returns up to n accounts drawn without replacement.
func SampleCandidates(accounts []Account, n int) []Account {
	if len(accounts) <= n {
		return accounts
	}
	picked := make([]Account, 0, n)
	for _, i := range rand.Perm(len(accounts))[:n] {
		picked = append(picked, accounts[i])
	}
	return picked
}

// Slack estimates how many more calls of the given cost an account can
// absorb this minute, given its current usage.
func Slack(a Account, usedRequests, usedCostUnits, costEstimate int) int {
	if costEstimate <= 0 {
		costEstimate = 1
	}
	slackReq := math.MaxInt
	if a.RequestsPerMinute > 0 {
		slackReq = a.RequestsPerMinute - usedRequests
		if slackReq < 0 {
			slackReq = 0
		}
	}
	slackCost := math.MaxInt
	if a.CostUnitsPerMinute > 0 {
		remaining := a.CostUnitsPerMinute - usedCostUnits
		if remaining < 0 {
			remaining = 0
		}
		slackCost = remaining / costEstimate
	}
	if slackReq < slackCost {
		return slackReq
	}
	return slackCost
}

// MaxCapacityPerMinute derives the aggregate throughput budget from the
// configured accounts: the sum over accounts of
// min(requests_per_minute, cost_units_per_minute / costEstimate).
// Accounts with no limits at all contribute nothing rather than infinity.
func MaxCapacityPerMinute(accounts []Account, costEstimate int) float64 {
	if costEstimate <= 0 {
		costEstimate = 1
	}
	total := 0.0
	for _, a := range accounts {
		if a.RequestsPerMinute <= 0 && a.CostUnitsPerMinute <= 0 {
			continue
		}
		perAccount := math.Inf(1)
		if a.RequestsPerMinute > 0 {
			perAccount = float64(a.RequestsPerMinute)
		}
		if a.CostUnitsPerMinute > 0 {
			byCost := float64(a.CostUnitsPerMinute) / float64(costEstimate)
			if byCost < perAccount {
				perAccount = byCost
			}
		}
		total += perAccount
	}
	return total
}
