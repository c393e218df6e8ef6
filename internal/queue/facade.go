package queue

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// CacheQueue is the contract the facade requires from the cache tier:
// queue semantics plus a health check.
type CacheQueue interface {
	Queue
	Pinger
}

// Facade routes queue operations to the cache tier while it is healthy and
// falls back to the durable tier otherwise. Both tiers expose identical
// external behavior; only latency differs. The dual-backend selection is a
// first-class property of the design, not an optimization.
type Facade struct {
	cache   CacheQueue // may be nil when no cache tier is configured
	durable Queue
	logger  *slog.Logger
}

// NewFacade creates a queue facade over the given tiers. cache may be nil,
// in which case every call goes to the durable tier.
func NewFacade(cache CacheQueue, durable Queue, logger *slog.Logger) *Facade {
	return &Facade{
		cache:   cache,
		durable: durable,
		logger:  logger,
	}
}

// CacheHealthy reports whether the cache tier is configured and responding.
func (f *Facade) CacheHealthy(ctx context.Context) bool {
	if f.cache == nil {
		return false
	}
	return f.cache.Ping(ctx) == nil
}

// useCache decides per call whether the cache tier should be tried.
func (f *Facade) useCache(ctx context.Context) bool {
	return f.CacheHealthy(ctx)
}

func (f *Facade) fallback(op string, err error) {
	f.logger.Warn("cache tier queue operation failed, falling back to durable tier",
		"operation", op,
		"error", err)
}

func (f *Facade) Enqueue(ctx context.Context, userID int64, jobID uuid.UUID, itemKeys []string) (int, error) {
	if f.useCache(ctx) {
		n, err := f.cache.Enqueue(ctx, userID, jobID, itemKeys)
		if err == nil {
			return n, nil
		}
		f.fallback("enqueue", err)
	}
	return f.durable.Enqueue(ctx, userID, jobID, itemKeys)
}

func (f *Facade) BacklogSize(ctx context.Context, userID int64) (int, error) {
	if f.useCache(ctx) {
		n, err := f.cache.BacklogSize(ctx, userID)
		if err == nil {
			return n, nil
		}
		f.fallback("backlog_size", err)
	}
	return f.durable.BacklogSize(ctx, userID)
}

func (f *Facade) TotalBacklog(ctx context.Context) (int, error) {
	if f.useCache(ctx) {
		n, err := f.cache.TotalBacklog(ctx)
		if err == nil {
			return n, nil
		}
		f.fallback("total_backlog", err)
	}
	return f.durable.TotalBacklog(ctx)
}

func (f *Facade) PeekHead(ctx context.Context, userID int64) (*Task, error) {
	if f.useCache(ctx) {
		t, err := f.cache.PeekHead(ctx, userID)
		if err == nil {
			return t, nil
		}
		f.fallback("peek_head", err)
	}
	return f.durable.PeekHead(ctx, userID)
}

func (f *Facade) ConditionalDequeue(ctx context.Context, taskID, userID int64) (*Task, error) {
	if f.useCache(ctx) {
		t, err := f.cache.ConditionalDequeue(ctx, taskID, userID)
		if err == nil {
			return t, nil
		}
		f.fallback("conditional_dequeue", err)
	}
	return f.durable.ConditionalDequeue(ctx, taskID, userID)
}

func (f *Facade) PushBack(ctx context.Context, taskID int64) error {
	if f.useCache(ctx) {
		err := f.cache.PushBack(ctx, taskID)
		if err == nil {
			return nil
		}
		f.fallback("push_back", err)
	}
	return f.durable.PushBack(ctx, taskID)
}

func (f *Facade) MarkDone(ctx context.Context, taskID int64) error {
	if f.useCache(ctx) {
		err := f.cache.MarkDone(ctx, taskID)
		if err == nil {
			return nil
		}
		f.fallback("mark_done", err)
	}
	return f.durable.MarkDone(ctx, taskID)
}

func (f *Facade) MarkFailed(ctx context.Context, taskID int64, reason string) error {
	if f.useCache(ctx) {
		err := f.cache.MarkFailed(ctx, taskID, reason)
		if err == nil {
			return nil
		}
		f.fallback("mark_failed", err)
	}
	return f.durable.MarkFailed(ctx, taskID, reason)
}

func (f *Facade) ActiveUsers(ctx context.Context) ([]int64, error) {
	if f.useCache(ctx) {
		ids, err := f.cache.ActiveUsers(ctx)
		if err == nil {
			return ids, nil
		}
		f.fallback("active_users", err)
	}
	return f.durable.ActiveUsers(ctx)
}

func (f *Facade) JobProgress(ctx context.Context, jobID uuid.UUID) (Progress, error) {
	if f.useCache(ctx) {
		p, err := f.cache.JobProgress(ctx, jobID)
		if err == nil {
			return p, nil
		}
		f.fallback("job_progress", err)
	}
	return f.durable.JobProgress(ctx, jobID)
}

// CollectStats produces an observability snapshot over any queue: total
// backlog, the users with pending tasks, and the sum of their permission
// weights resolved through permissionOf.
func CollectStats(ctx context.Context, q Queue, permissionOf func(context.Context, int64) int) (BacklogStats, error) {
	total, err := q.TotalBacklog(ctx)
	if err != nil {
		return BacklogStats{}, err
	}
	users, err := q.ActiveUsers(ctx)
	if err != nil {
		return BacklogStats{}, err
	}
	sum := 0
	if permissionOf != nil {
		for _, uid := range users {
			sum += permissionOf(ctx, uid)
		}
	}
	return BacklogStats{
		Backlog:       total,
		ActiveUserIDs: users,
		PermissionSum: sum,
	}, nil
}

var _ Queue = (*Facade)(nil)
