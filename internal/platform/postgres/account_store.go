package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AsherLHJ/paperq/internal/platform/logger"
	"github.com/AsherLHJ/paperq/internal/ratelimit"
)

// AccountStore serves rate-account configuration from the database and
// doubles as the durable-tier rate limiter: when the cache tier is away,
// minute windows live in the api_usage_minute table and the atomic
// check-and-increment is an INSERT ... ON CONFLICT with the limit checks in
// the conflict clause.
type AccountStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAccountStore creates an account store over the given database handle.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

var (
	_ ratelimit.AccountSource = (*AccountStore)(nil)
	_ ratelimit.Limiter       = (*AccountStore)(nil)
)

// SetClock overrides the store's clock. Test hook.
func (s *AccountStore) SetClock(now func() time.Time) { s.now = now }

// ActiveAccounts returns every enabled rate account.
func (s *AccountStore) ActiveAccounts(ctx context.Context) ([]ratelimit.Account, error) {
	query := `
		SELECT name, api_key, requests_per_minute, cost_units_per_minute
		FROM api_accounts
		WHERE enabled
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate accounts: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var accounts []ratelimit.Account
	for rows.Next() {
		var a ratelimit.Account
		if err := rows.Scan(&a.Name, &a.APIKey, &a.RequestsPerMinute, &a.CostUnitsPerMinute); err != nil {
			return nil, fmt.Errorf("failed to scan rate account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rate accounts: %w", err)
	}
	return accounts, nil
}

// TryAcquire samples two accounts, prefers the one with the largest slack,
// and reserves a request slot plus costEstimate cost units on it. The
// reservation is a single upsert whose WHERE clause re-checks both limits,
// so it never leaves a partial increment. A zero limit means unlimited,
// matching the Account contract.
func (s *AccountStore) TryAcquire(ctx context.Context, costEstimate int) (bool, *ratelimit.Account, error) {
	log := logger.FromContext(ctx)

	accounts, err := s.ActiveAccounts(ctx)
	if err != nil {
		return false, nil, err
	}
	// No configured accounts: fail open so the pipeline keeps moving.
	if len(accounts) == 0 {
		return true, nil, nil
	}

	window := s.now().UTC().Format("200601021504")
	candidates := ratelimit.SampleCandidates(accounts, 2)

	best := -1
	bestSlack := -1
	for i, a := range candidates {
		usedReqs, usedCost, err := s.windowUsage(ctx, a.Name, window)
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
	reserveQuery := `
		INSERT INTO api_usage_minute (account_name, window_start, requests, cost_units)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (account_name, window_start) DO UPDATE
		SET requests = api_usage_minute.requests + 1,
		    cost_units = api_usage_minute.cost_units + $3
		WHERE ($4 = 0 OR api_usage_minute.requests + 1 <= $4)
		  AND ($5 = 0 OR api_usage_minute.cost_units + $3 <= $5)
	`
	result, err := s.db.ExecContext(ctx, reserveQuery,
		acct.Name, window, costEstimate, acct.RequestsPerMinute, acct.CostUnitsPerMinute)
	if err != nil {
		log.Error("failed to reserve rate-limit slot",
			"account", acct.Name,
			"window", window,
			"error", err)
		return false, nil, fmt.Errorf("failed to reserve slot on account %s: %w", acct.Name, MapError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// The slack estimate raced with other acquirers.
		return false, nil, nil
	}
	return true, &acct, nil
}

func (s *AccountStore) windowUsage(ctx context.Context, account, window string) (int, int, error) {
	query := `
		SELECT requests, cost_units
		FROM api_usage_minute
		WHERE account_name = $1 AND window_start = $2
	`
	var reqs, cost int
	err := s.db.QueryRowContext(ctx, query, account, window).Scan(&reqs, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read usage window for account %s: %w", account, MapError(err))
	}
	return reqs, cost, nil
}

// PruneUsage deletes minute windows older than the retention cutoff. Run
// periodically; the table otherwise grows one row per account per minute.
func (s *AccountStore) PruneUsage(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan).Format("200601021504")
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_usage_minute WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage windows: %w", MapError(err))
	}
	return result.RowsAffected()
}
