package billing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AsherLHJ/paperq/internal/store"
)

// ReconcilerStats are cumulative counters for the reconcile loop.
type ReconcilerStats struct {
	Cycles         int64
	RecordsDrained int64
	UsersSynced    int64
	SyncFailures   int64
}

// Reconciler drains pending billing records and persists each affected
// user's cached balance to durable storage. The cache is authoritative:
// the reconciler copies the cached value down rather than replaying record
// deltas, so a failed sync is retried on the next cycle with the then
// current balance and records are never applied twice.
type Reconciler struct {
	records  RecordQueue
	balances BalanceCache
	users    store.UserStore
	interval time.Duration
	batch    int
	logger   *slog.Logger

	cycles         atomic.Int64
	recordsDrained atomic.Int64
	usersSynced    atomic.Int64
	syncFailures   atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReconciler wires a reconciler. Interval defaults to one second and
// batch to 2000 when out of range.
func NewReconciler(records RecordQueue, balances BalanceCache, users store.UserStore, interval time.Duration, batch int, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		records:  records,
		balances: balances,
		users:    users,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop is called or ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.RunOnce(context.WithoutCancel(ctx))
				return
			case <-r.stop:
				r.RunOnce(ctx)
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// Stop terminates the loop after a final cycle. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// RunOnce performs a single reconcile cycle: for every user with pending
// records, drain up to the batch limit and persist the cached balance.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.cycles.Add(1)

	userIDs, err := r.records.ActiveUsers(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to list users with pending billing records", slog.String("error", err.Error()))
		return
	}

	for _, userID := range userIDs {
		r.reconcileUser(ctx, userID)
	}
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID int64) {
	recs, err := r.records.Pop(ctx, userID, r.batch)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to drain billing records",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()))
		return
	}
	if len(recs) == 0 {
		return
	}
	r.recordsDrained.Add(int64(len(recs)))

	bal, ok, err := r.balances.Balance(ctx, userID)
	if err != nil {
		r.syncFailures.Add(1)
		r.logger.ErrorContext(ctx, "failed to read cached balance",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		// Deductions happened through the cache, so a miss here means
		// the cache was wiped since. The durable row already holds the
		// last synced value; nothing newer to persist.
		r.logger.WarnContext(ctx, "cached balance missing during reconcile, skipping sync",
			slog.Int64("user_id", userID),
			slog.Int("drained", len(recs)))
		return
	}

	if err := r.users.SyncBalance(ctx, userID, bal); err != nil {
		if store.IsNotFoundError(err) {
			// The user row is gone. Retrying next cycle cannot help, so the
			// drained records are dropped rather than counted as a failure.
			r.logger.WarnContext(ctx, "user missing during balance sync, dropping records",
				slog.Int64("user_id", userID),
				slog.Int("drained", len(recs)))
			return
		}
		r.syncFailures.Add(1)
		r.logger.ErrorContext(ctx, "failed to persist balance",
			slog.Int64("user_id", userID),
			slog.Float64("balance", bal),
			slog.String("error", err.Error()))
		return
	}
	r.usersSynced.Add(1)

	r.logger.DebugContext(ctx, "reconciled billing records",
		slog.Int64("user_id", userID),
		slog.Int("drained", len(recs)),
		slog.Float64("balance", bal))
}

// Stats returns a snapshot of the loop's counters.
func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Cycles:         r.cycles.Load(),
		RecordsDrained: r.recordsDrained.Load(),
		UsersSynced:    r.usersSynced.Load(),
		SyncFailures:   r.syncFailures.Load(),
	}
}
