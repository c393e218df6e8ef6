package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/AsherLHJ/paperq/internal/billing"
	"github.com/AsherLHJ/paperq/internal/capacity"
	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/ratelimit"
)

// gateLogEvery throttles "waiting for capacity" log lines so a starved
// worker does not flood the log.
const gateLogEvery = 20

// Config carries the pacing knobs for a worker loop.
type Config struct {
	// GateBackoff is the sleep after the admission gate denies entry.
	GateBackoff time.Duration
	// RateBackoff is the sleep after the rate limiter refuses a slot or a
	// head claim is lost to a sibling worker.
	RateBackoff time.Duration
	// IdleBackoff is the sleep after a transient backend error.
	IdleBackoff time.Duration
	// CostEstimate is the per-item cost-unit estimate handed to the rate
	// limiter before the real usage is known.
	CostEstimate int
	// ItemPrice is the balance deducted per classified item.
	ItemPrice float64
}

func (c *Config) applyDefaults() {
	if c.GateBackoff <= 0 {
		c.GateBackoff = 100 * time.Millisecond
	}
	if c.RateBackoff <= 0 {
		c.RateBackoff = 100 * time.Millisecond
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 200 * time.Millisecond
	}
	if c.CostEstimate <= 0 {
		c.CostEstimate = 400
	}
}

// UsageRecorder receives the cost units of each completed classification.
type UsageRecorder interface {
	Record(costUnits float64)
}

// Worker drains one user's task backlog. Each pass it peeks the head task,
// waits for the admission gate and the rate limiter, claims the task with a
// conditional dequeue, and classifies it. The loop exits when the user's
// backlog is empty or when cancelled.
type Worker struct {
	userID     int64
	queue      queue.Queue
	agg        capacity.Aggregate
	limiter    ratelimit.Limiter
	classifier Classifier
	items      ItemSource
	results    ResultWriter
	funds      Funds
	bills      billing.RecordQueue
	usage      UsageRecorder
	cancelled  func() bool
	cfg        Config
	logger     *slog.Logger
}

// New wires a worker for one user. cancelled may be nil; usage may be nil.
func New(
	userID int64,
	q queue.Queue,
	agg capacity.Aggregate,
	limiter ratelimit.Limiter,
	classifier Classifier,
	items ItemSource,
	results ResultWriter,
	funds Funds,
	bills billing.RecordQueue,
	usageRec UsageRecorder,
	cancelled func() bool,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Worker{
		userID:     userID,
		queue:      q,
		agg:        agg,
		limiter:    limiter,
		classifier: classifier,
		items:      items,
		results:    results,
		funds:      funds,
		bills:      bills,
		usage:      usageRec,
		cancelled:  cancelled,
		cfg:        cfg,
		logger:     logger.With(slog.Int64("user_id", userID)),
	}
}

// Run drains the user's backlog. It returns when the backlog is empty, the
// context is cancelled, or the cancellation hook fires.
func (w *Worker) Run(ctx context.Context) {
	gateWaits := 0
	for {
		if ctx.Err() != nil || w.cancelled() {
			return
		}

		task, err := w.queue.PeekHead(ctx, w.userID)
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to peek head task", slog.String("error", err.Error()))
			if !w.sleep(ctx, w.cfg.IdleBackoff) {
				return
			}
			continue
		}
		if task == nil {
			return
		}

		permission := w.agg.UserPermission(ctx, w.userID)
		maxCap := w.agg.MaxCapacity(ctx)
		permSum := w.agg.RunningPermSum(ctx)

		if !capacity.Admit(permission, permSum, maxCap) {
			gateWaits++
			if gateWaits%gateLogEvery == 1 {
				w.logger.DebugContext(ctx, "waiting for capacity",
					slog.Int("permission", permission),
					slog.Int("running_perm_sum", permSum),
					slog.Float64("max_capacity", maxCap))
			}
			if !w.sleep(ctx, w.cfg.GateBackoff) {
				return
			}
			continue
		}
		gateWaits = 0

		ok, account, err := w.limiter.TryAcquire(ctx, w.cfg.CostEstimate)
		if err != nil {
			w.logger.ErrorContext(ctx, "rate limiter failed", slog.String("error", err.Error()))
			if !w.sleep(ctx, w.cfg.IdleBackoff) {
				return
			}
			continue
		}
		if !ok {
			if !w.sleep(ctx, w.cfg.RateBackoff) {
				return
			}
			continue
		}

		claimed, err := w.queue.ConditionalDequeue(ctx, task.ID, w.userID)
		if err != nil {
			w.logger.ErrorContext(ctx, "conditional dequeue failed", slog.String("error", err.Error()))
			if !w.sleep(ctx, w.cfg.IdleBackoff) {
				return
			}
			continue
		}
		if claimed == nil {
			// Another worker won the head. Back off before peeking again so
			// the lost race does not immediately burn another rate slot.
			if !w.sleep(ctx, w.cfg.RateBackoff) {
				return
			}
			continue
		}

		w.process(ctx, claimed, permission, account)
	}
}

// process runs one claimed task through classify, charge, persist, bill.
func (w *Worker) process(ctx context.Context, task *queue.Task, permission int, account *ratelimit.Account) {
	if err := w.agg.IncrRunning(ctx, w.userID, permission); err != nil {
		w.logger.ErrorContext(ctx, "failed to register running task", slog.String("error", err.Error()))
	}
	defer func() {
		if err := w.agg.DecrRunning(ctx, w.userID, permission); err != nil {
			w.logger.ErrorContext(ctx, "failed to deregister running task", slog.String("error", err.Error()))
		}
	}()

	item, err := w.items.Load(ctx, task.ItemKey)
	if err != nil {
		w.fail(ctx, task, err)
		return
	}

	verdict, err := w.classifier.Classify(ctx, account, item)
	if err != nil {
		w.fail(ctx, task, err)
		return
	}
	if w.usage != nil {
		w.usage.Record(verdict.CostUnits)
	}

	_, paid, err := w.funds.DeductIfSufficient(ctx, w.userID, w.cfg.ItemPrice)
	if err != nil {
		w.fail(ctx, task, err)
		return
	}
	if !paid {
		w.fail(ctx, task, ErrInsufficientBalance)
		return
	}

	if err := w.results.Write(ctx, w.userID, task.JobID.String(), task.ItemKey, verdict); err != nil {
		w.fail(ctx, task, err)
		return
	}

	if err := w.bills.Push(ctx, billing.Record{
		UserID:    w.userID,
		JobID:     task.JobID,
		ItemKey:   task.ItemKey,
		Cost:      w.cfg.ItemPrice,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		// The result is written and the balance deducted; a lost billing
		// record only delays the durable balance sync. Log and move on.
		w.logger.ErrorContext(ctx, "failed to queue billing record",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
	}

	if err := w.queue.MarkDone(ctx, task.ID); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark task done",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
	}
}

// fail marks the task failed for permanent errors and pushes it back for
// transient ones.
func (w *Worker) fail(ctx context.Context, task *queue.Task, cause error) {
	if IsPermanent(cause) {
		w.logger.WarnContext(ctx, "task failed permanently",
			slog.Int64("task_id", task.ID),
			slog.String("item_key", task.ItemKey),
			slog.String("error", cause.Error()))
		if err := w.queue.MarkFailed(ctx, task.ID, cause.Error()); err != nil {
			w.logger.ErrorContext(ctx, "failed to mark task failed",
				slog.Int64("task_id", task.ID),
				slog.String("error", err.Error()))
		}
		return
	}

	w.logger.WarnContext(ctx, "task hit a transient error, pushing back",
		slog.Int64("task_id", task.ID),
		slog.String("error", cause.Error()))
	if err := w.queue.PushBack(ctx, task.ID); err != nil {
		w.logger.ErrorContext(ctx, "failed to push task back",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
	}
}

// sleep pauses for d unless the context ends first. Returns false when the
// worker should stop.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !w.cancelled()
	}
}
