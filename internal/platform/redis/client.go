// Package redis implements the cache tier: queue, rate limiter, capacity
// aggregate, balance cache, and billing record queue backed by a Redis
// server. Every structure lives under the "paperq:" key prefix. All
// check-then-act operations run as Lua scripts so they stay atomic across
// competing workers.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this process writes.
const keyPrefix = "paperq:"

// NewClient connects to the Redis server at url (redis://...) and verifies
// the connection with a ping.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
