package ratelimit

import (
	"context"
	"log/slog"
)

// HealthChecker is implemented by limiter tiers with an external dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CacheLimiter is the contract the facade requires from the cache tier.
type CacheLimiter interface {
	Limiter
	HealthChecker
}

// Facade prefers the cache-tier limiter while it is healthy and falls back
// to the durable-tier limiter otherwise, mirroring the queue facade.
type Facade struct {
	cache   CacheLimiter // may be nil
	durable Limiter
	logger  *slog.Logger
}

// NewFacade creates a limiter facade over the given tiers. cache may be nil.
func NewFacade(cache CacheLimiter, durable Limiter, logger *slog.Logger) *Facade {
	return &Facade{
		cache:   cache,
		durable: durable,
		logger:  logger,
	}
}

func (f *Facade) TryAcquire(ctx context.Context, costEstimate int) (bool, *Account, error) {
	if f.cache != nil && f.cache.Ping(ctx) == nil {
		ok, acct, err := f.cache.TryAcquire(ctx, costEstimate)
		if err == nil {
			return ok, acct, nil
		}
		f.logger.Warn("cache tier rate limiter failed, falling back to durable tier",
			"error", err)
	}
	return f.durable.TryAcquire(ctx, costEstimate)
}

var _ Limiter = (*Facade)(nil)
