package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AsherLHJ/paperq/internal/capacity"
	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/ratelimit"
	"github.com/AsherLHJ/paperq/internal/store"
)

// Runner is a per-user consumer loop the scheduler can launch. In
// production this is always *worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// RunnerFactory builds the runner for one user. cancelled reports whether
// the scheduler is shutting down; runners poll it between tasks.
type RunnerFactory func(userID int64, cancelled func() bool) Runner

// Config carries the scheduler's pacing knobs.
type Config struct {
	// Interval is the dispatch cycle period.
	Interval time.Duration
	// CapacityInterval is how often the aggregate capacity budget is
	// recomputed from the rate-account configuration.
	CapacityInterval time.Duration
	// CostEstimate is the per-call cost-unit estimate used when converting
	// account limits into a request budget.
	CostEstimate int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.CapacityInterval <= 0 {
		c.CapacityInterval = 2 * time.Second
	}
	if c.CostEstimate <= 0 {
		c.CostEstimate = 400
	}
}

// Scheduler is the dispatch loop. Every cycle it discovers users with
// pending tasks, tops their permission cache up from the user store, and
// keeps min(permission, pending) workers (at least one) running per such
// user. Workers exit on their own when their user's backlog drains; the
// scheduler only ever scales up.
type Scheduler struct {
	queue    queue.Queue
	agg      capacity.Aggregate
	users    store.UserStore
	accounts ratelimit.AccountSource
	factory  RunnerFactory
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[int64]int

	lastCapacity time.Time

	stopping atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	workers  sync.WaitGroup
}

// New wires a scheduler. accounts may be nil, in which case the capacity
// budget is never recomputed and keeps whatever was seeded.
func New(q queue.Queue, agg capacity.Aggregate, users store.UserStore, accounts ratelimit.AccountSource, factory RunnerFactory, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:    q,
		agg:      agg,
		users:    users,
		accounts: accounts,
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		active:   make(map[int64]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start seeds the capacity budget and permission cache, then runs the
// dispatch loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.warmUp(ctx)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.stopping.Store(true)
				s.workers.Wait()
				return
			case <-s.stop:
				s.workers.Wait()
				return
			case <-ticker.C:
				s.RunCycle(ctx)
			}
		}
	}()
}

// Stop halts the dispatch loop, signals all workers to finish their current
// task, and waits for them. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stop)
	})
	<-s.done
}

// warmUp recomputes the capacity budget and loads permissions for every
// user that already has backlog, so the first cycle dispatches with real
// numbers instead of zeroes.
func (s *Scheduler) warmUp(ctx context.Context) {
	s.refreshCapacity(ctx)
	userIDs, err := s.queue.ActiveUsers(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list active users during warm-up", slog.String("error", err.Error()))
		return
	}
	for _, userID := range userIDs {
		s.ensurePermission(ctx, userID)
	}
	if len(userIDs) > 0 {
		s.logger.InfoContext(ctx, "warm-up complete", slog.Int("users_with_backlog", len(userIDs)))
	}
}

// RunCycle performs one dispatch pass. Exported for tests; production code
// drives it through Start.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if s.stopping.Load() {
		return
	}

	if time.Since(s.lastCapacity) >= s.cfg.CapacityInterval {
		s.refreshCapacity(ctx)
	}

	userIDs, err := s.queue.ActiveUsers(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list active users", slog.String("error", err.Error()))
		return
	}

	for _, userID := range userIDs {
		pending, err := s.queue.BacklogSize(ctx, userID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to read backlog size",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()))
			continue
		}
		if pending == 0 {
			continue
		}

		permission := s.ensurePermission(ctx, userID)
		target := permission
		if pending < target {
			target = pending
		}
		if target < 1 {
			target = 1
		}
		s.scaleUp(ctx, userID, target)
	}
}

// refreshCapacity recomputes the aggregate budget from the active account
// limits.
func (s *Scheduler) refreshCapacity(ctx context.Context) {
	s.lastCapacity = time.Now()
	if s.accounts == nil {
		return
	}
	accounts, err := s.accounts.ActiveAccounts(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load rate accounts", slog.String("error", err.Error()))
		return
	}
	budget := ratelimit.MaxCapacityPerMinute(accounts, s.cfg.CostEstimate)
	if err := s.agg.SetMaxCapacity(ctx, budget); err != nil {
		s.logger.ErrorContext(ctx, "failed to set max capacity", slog.String("error", err.Error()))
		return
	}
	s.logger.DebugContext(ctx, "capacity budget recomputed",
		slog.Float64("max_capacity", budget),
		slog.Int("accounts", len(accounts)))
}

// ensurePermission returns the user's permission weight, loading it from
// the user store into the aggregate cache on first sight.
func (s *Scheduler) ensurePermission(ctx context.Context, userID int64) int {
	if p := s.agg.UserPermission(ctx, userID); p > 0 {
		return p
	}
	p, err := s.users.GetPermission(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load user permission",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()))
		return 0
	}
	if err := s.agg.SetUserPermission(ctx, userID, p); err != nil {
		s.logger.ErrorContext(ctx, "failed to cache user permission",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()))
	}
	return p
}

// scaleUp launches workers for the user until the active count reaches
// target.
func (s *Scheduler) scaleUp(ctx context.Context, userID int64, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active[userID] < target {
		s.active[userID]++
		s.workers.Add(1)
		runner := s.factory(userID, s.stopping.Load)
		go func() {
			defer s.workers.Done()
			defer func() {
				s.mu.Lock()
				s.active[userID]--
				if s.active[userID] <= 0 {
					delete(s.active, userID)
				}
				s.mu.Unlock()
			}()
			runner.Run(ctx)
		}()
	}
}

// ActiveWorkers returns the number of live workers for the user.
func (s *Scheduler) ActiveWorkers(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[userID]
}
