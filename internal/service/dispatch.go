package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AsherLHJ/paperq/internal/billing"
	"github.com/AsherLHJ/paperq/internal/capacity"
	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/store"
)

// Dispatch is the submission-side application service. It owns the
// operations callers outside the dispatch loop need: submitting jobs,
// reading progress, and the balance operations workers charge through.
type Dispatch struct {
	queue    queue.Queue
	agg      capacity.Aggregate
	users    store.UserStore
	balances billing.BalanceCache
	logger   *slog.Logger
}

// NewDispatch wires the service.
func NewDispatch(q queue.Queue, agg capacity.Aggregate, users store.UserStore, balances billing.BalanceCache, logger *slog.Logger) *Dispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatch{
		queue:    q,
		agg:      agg,
		users:    users,
		balances: balances,
		logger:   logger,
	}
}

// EnqueueJobs submits one classification task per item key under a fresh
// job id. The user's permission weight is loaded into the capacity
// aggregate before the tasks become visible, so the scheduler never
// dispatches a user whose weight is unknown.
func (d *Dispatch) EnqueueJobs(ctx context.Context, userID int64, itemKeys []string) (uuid.UUID, int, error) {
	if len(itemKeys) == 0 {
		return uuid.Nil, 0, fmt.Errorf("enqueue for user %d: no item keys", userID)
	}

	if _, err := d.ensurePermission(ctx, userID); err != nil {
		return uuid.Nil, 0, fmt.Errorf("enqueue for user %d: %w", userID, err)
	}

	jobID := uuid.New()
	n, err := d.queue.Enqueue(ctx, userID, jobID, itemKeys)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("enqueue for user %d: %w", userID, err)
	}

	d.logger.InfoContext(ctx, "job submitted",
		slog.Int64("user_id", userID),
		slog.String("job_id", jobID.String()),
		slog.Int("tasks", n))
	return jobID, n, nil
}

// GetJobProgress returns the total and completed task counts for a job.
func (d *Dispatch) GetJobProgress(ctx context.Context, jobID uuid.UUID) (queue.Progress, error) {
	return d.queue.JobProgress(ctx, jobID)
}

// GetUserPermission returns the user's permission weight, consulting the
// aggregate cache before the user store.
func (d *Dispatch) GetUserPermission(ctx context.Context, userID int64) (int, error) {
	return d.ensurePermission(ctx, userID)
}

// GetUserBalance returns the user's balance, preferring the cache and
// seeding it from durable storage on a miss.
func (d *Dispatch) GetUserBalance(ctx context.Context, userID int64) (float64, error) {
	bal, ok, err := d.balances.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("read cached balance for user %d: %w", userID, err)
	}
	if ok {
		return bal, nil
	}
	return d.seedBalance(ctx, userID)
}

// DeductIfSufficient charges the user's cached balance, seeding the cache
// from durable storage on a miss. ok is false when the balance cannot
// cover the amount.
func (d *Dispatch) DeductIfSufficient(ctx context.Context, userID int64, amount float64) (float64, bool, error) {
	if _, ok, err := d.balances.Balance(ctx, userID); err != nil {
		return 0, false, fmt.Errorf("read cached balance for user %d: %w", userID, err)
	} else if !ok {
		if _, err := d.seedBalance(ctx, userID); err != nil {
			return 0, false, err
		}
	}
	return d.balances.DeductIfSufficient(ctx, userID, amount)
}

// seedBalance copies the durable balance into the cache and returns it.
func (d *Dispatch) seedBalance(ctx context.Context, userID int64) (float64, error) {
	bal, err := d.users.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load balance for user %d: %w", userID, err)
	}
	if err := d.balances.SetBalance(ctx, userID, bal); err != nil {
		return 0, fmt.Errorf("seed cached balance for user %d: %w", userID, err)
	}
	return bal, nil
}

// ensurePermission returns the user's permission weight, loading it from
// the user store into the aggregate on first sight.
func (d *Dispatch) ensurePermission(ctx context.Context, userID int64) (int, error) {
	if p := d.agg.UserPermission(ctx, userID); p > 0 {
		return p, nil
	}
	p, err := d.users.GetPermission(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load permission: %w", err)
	}
	if err := d.agg.SetUserPermission(ctx, userID, p); err != nil {
		return 0, fmt.Errorf("cache permission: %w", err)
	}
	return p, nil
}

// QueueStats returns an observability snapshot of the backlog: total
// pending tasks, users with backlog, and the sum of their permission
// weights.
func (d *Dispatch) QueueStats(ctx context.Context) (queue.BacklogStats, error) {
	stats, err := queue.CollectStats(ctx, d.queue, d.agg.UserPermission)
	if err != nil {
		return queue.BacklogStats{}, fmt.Errorf("collect queue stats: %w", err)
	}
	return stats, nil
}
