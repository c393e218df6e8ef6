// Package main implements the paperq dispatcher: the long-running process
// that drains user task queues, classifies papers through the Gemini API
// under shared capacity and rate budgets, and reconciles billing.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AsherLHJ/paperq/internal/billing"
	"github.com/AsherLHJ/paperq/internal/capacity"
	"github.com/AsherLHJ/paperq/internal/config"
	"github.com/AsherLHJ/paperq/internal/platform/gemini"
	"github.com/AsherLHJ/paperq/internal/platform/logger"
	"github.com/AsherLHJ/paperq/internal/platform/postgres"
	redisplatform "github.com/AsherLHJ/paperq/internal/platform/redis"
	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/ratelimit"
	"github.com/AsherLHJ/paperq/internal/scheduler"
	"github.com/AsherLHJ/paperq/internal/service"
	"github.com/AsherLHJ/paperq/internal/usage"
	"github.com/AsherLHJ/paperq/internal/worker"
)

// statsInterval paces the periodic backlog / throughput log line.
const statsInterval = 30 * time.Second

// usageRetention is how long spent rate-limit minute windows stay in the
// relational tier before the stats tick prunes them.
const usageRetention = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("dispatcher failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, appLogger)

	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	appLogger.Info("database connection established")

	if err := runMigrations(db, appLogger); err != nil {
		return err
	}

	// Durable tier.
	taskStore := postgres.NewTaskStore(db)
	userStore := postgres.NewUserStore(db)
	accountStore := postgres.NewAccountStore(db)
	paperStore := postgres.NewPaperStore(db)
	resultStore := postgres.NewResultStore(db)

	// Cache tier, when configured. Losing it at startup is not fatal: the
	// facades route everything to the relational tier.
	var (
		cacheQueue   queue.CacheQueue
		cacheLimiter ratelimit.CacheLimiter
		agg          capacity.Aggregate   = capacity.NewMemoryAggregate()
		balances     billing.BalanceCache = billing.NewMemoryBalanceCache()
		bills        billing.RecordQueue  = billing.NewMemoryRecordQueue()
	)
	if cfg.Redis.URL != "" {
		client, err := redisplatform.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			appLogger.Warn("cache tier unavailable, continuing on the relational tier",
				slog.String("error", err.Error()))
		} else {
			defer func() { _ = client.Close() }()
			if cfg.Redis.UseQueue {
				cacheQueue = redisplatform.NewQueue(client)
			}
			if cfg.Redis.UseRateLimiter {
				cacheLimiter = redisplatform.NewLimiter(client, accountStore)
			}
			agg = redisplatform.NewAggregate(client)
			balances = redisplatform.NewBalanceCache(client)
			bills = redisplatform.NewRecordQueue(client)
			appLogger.Info("cache tier connected",
				slog.Bool("queue", cfg.Redis.UseQueue),
				slog.Bool("rate_limiter", cfg.Redis.UseRateLimiter))
		}
	}

	q := queue.NewFacade(cacheQueue, taskStore, appLogger)
	limiter := ratelimit.NewFacade(cacheLimiter, accountStore, appLogger)

	dispatch := service.NewDispatch(q, agg, userStore, balances, appLogger)

	classifier, err := gemini.NewClassifier(appLogger, cfg.Classifier)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	accumulator := usage.NewAccumulator(cfg.Dispatch.AccumulatorInterval, time.Minute, appLogger)
	accumulator.Start(ctx)
	defer accumulator.Stop()

	reconciler := billing.NewReconciler(bills, balances, userStore,
		cfg.Dispatch.ReconcilerInterval, cfg.Dispatch.ReconcilerBatchSize, appLogger)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	workerCfg := worker.Config{
		GateBackoff:  cfg.Dispatch.GateBackoff,
		RateBackoff:  cfg.Dispatch.RateBackoff,
		IdleBackoff:  cfg.Dispatch.IdleBackoff,
		CostEstimate: cfg.Classifier.CostEstimate,
		ItemPrice:    cfg.Dispatch.DefaultItemPrice,
	}
	factory := func(userID int64, cancelled func() bool) scheduler.Runner {
		return worker.New(userID, q, agg, limiter, classifier,
			paperStore, resultStore, dispatch, bills, accumulator,
			cancelled, workerCfg, appLogger)
	}

	sched := scheduler.New(q, agg, userStore, accountStore, factory, scheduler.Config{
		Interval:         cfg.Dispatch.SchedulerInterval,
		CapacityInterval: cfg.Dispatch.CapacityInterval,
		CostEstimate:     cfg.Classifier.CostEstimate,
	}, appLogger)
	sched.Start(ctx)
	defer sched.Stop()

	appLogger.Info("dispatcher started",
		slog.String("model", cfg.Classifier.ModelName),
		slog.Duration("scheduler_interval", cfg.Dispatch.SchedulerInterval))

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			appLogger.Info("shutdown signal received, draining workers")
			return nil
		case <-ticker.C:
			logStats(ctx, appLogger, dispatch, accumulator, reconciler)
			if pruned, err := accountStore.PruneUsage(ctx, usageRetention); err != nil {
				appLogger.Error("failed to prune usage windows", slog.String("error", err.Error()))
			} else if pruned > 0 {
				appLogger.Debug("pruned spent usage windows", slog.Int64("rows", pruned))
			}
		}
	}
}

// openDatabase connects to the relational tier and verifies the connection.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func logStats(ctx context.Context, appLogger *slog.Logger, dispatch *service.Dispatch, accumulator *usage.Accumulator, reconciler *billing.Reconciler) {
	stats, err := dispatch.QueueStats(ctx)
	if err != nil {
		appLogger.Error("failed to collect queue stats", slog.String("error", err.Error()))
		return
	}
	throughput := accumulator.Snapshot()
	recStats := reconciler.Stats()
	appLogger.Info("dispatch stats",
		slog.Int("backlog", stats.Backlog),
		slog.Int("active_users", len(stats.ActiveUserIDs)),
		slog.Int("permission_sum", stats.PermissionSum),
		slog.Int("requests_per_window", throughput.Requests),
		slog.Float64("cost_units_per_window", throughput.CostUnits),
		slog.Int64("billing_records_drained", recStats.RecordsDrained),
		slog.Int64("billing_sync_failures", recStats.SyncFailures))
}
