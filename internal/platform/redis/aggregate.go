package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/AsherLHJ/paperq/internal/capacity"
)

// Key layout for the aggregate:
//
//	paperq:cap:max                  capacity budget (float as string)
//	paperq:cap:running_count        running task count
//	paperq:cap:perm_sum             running permission sum
//	paperq:cap:uid:running:{uid}    per-user running task count
//	paperq:cap:uid:perm:{uid}       per-user cached permission
const (
	maxCapKey   = keyPrefix + "cap:max"
	runCountKey = keyPrefix + "cap:running_count"
	permSumKey  = keyPrefix + "cap:perm_sum"
	userRunFmt  = keyPrefix + "cap:uid:running:%d"
	userPermFmt = keyPrefix + "cap:uid:perm:%d"
)

// incrRunningScript counts the user's permission into the sum only on the
// 0 -> 1 transition of their running count.
//
// KEYS[1] user running count, KEYS[2] perm sum, KEYS[3] running count
// ARGV[1] permission
var incrRunningScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('INCRBY', KEYS[2], ARGV[1])
end
redis.call('INCR', KEYS[3])
return n
`)

// decrRunningScript removes the permission on the 1 -> 0 transition and
// never drives any counter below zero.
var decrRunningScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  return 0
end
n = redis.call('DECR', KEYS[1])
if n == 0 then
  redis.call('DEL', KEYS[1])
  local s = redis.call('DECRBY', KEYS[2], ARGV[1])
  if s < 0 then
    redis.call('SET', KEYS[2], 0)
  end
end
local c = redis.call('DECR', KEYS[3])
if c < 0 then
  redis.call('SET', KEYS[3], 0)
end
return n
`)

// Aggregate is the Redis-backed capacity.Aggregate. Sharing the counters
// through Redis lets multiple dispatcher processes respect one capacity
// budget.
type Aggregate struct {
	client *redis.Client
}

// NewAggregate wraps a connected client.
func NewAggregate(client *redis.Client) *Aggregate {
	return &Aggregate{client: client}
}

var _ capacity.Aggregate = (*Aggregate)(nil)

// MaxCapacity returns the stored budget, or 0 when unset or unreachable.
// Zero makes the admission gate fail closed, the safe direction when the
// cache tier is away.
func (a *Aggregate) MaxCapacity(ctx context.Context) float64 {
	v, err := a.client.Get(ctx, maxCapKey).Result()
	if err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func (a *Aggregate) SetMaxCapacity(ctx context.Context, v float64) error {
	if err := a.client.Set(ctx, maxCapKey, strconv.FormatFloat(v, 'f', -1, 64), 0).Err(); err != nil {
		return fmt.Errorf("set max capacity: %w", err)
	}
	return nil
}

func (a *Aggregate) RunningCount(ctx context.Context) int {
	return a.intAt(ctx, runCountKey)
}

func (a *Aggregate) RunningPermSum(ctx context.Context) int {
	return a.intAt(ctx, permSumKey)
}

func (a *Aggregate) IncrRunning(ctx context.Context, userID int64, permission int) error {
	err := incrRunningScript.Run(ctx, a.client,
		[]string{userRunKey(userID), permSumKey, runCountKey},
		permission,
	).Err()
	if err != nil {
		return fmt.Errorf("incr running for user %d: %w", userID, err)
	}
	return nil
}

func (a *Aggregate) DecrRunning(ctx context.Context, userID int64, permission int) error {
	err := decrRunningScript.Run(ctx, a.client,
		[]string{userRunKey(userID), permSumKey, runCountKey},
		permission,
	).Err()
	if err != nil {
		return fmt.Errorf("decr running for user %d: %w", userID, err)
	}
	return nil
}

func (a *Aggregate) UserPermission(ctx context.Context, userID int64) int {
	return a.intAt(ctx, userPermKey(userID))
}

func (a *Aggregate) SetUserPermission(ctx context.Context, userID int64, permission int) error {
	if err := a.client.Set(ctx, userPermKey(userID), permission, 0).Err(); err != nil {
		return fmt.Errorf("set permission for user %d: %w", userID, err)
	}
	return nil
}

func (a *Aggregate) intAt(ctx context.Context, key string) int {
	v, err := a.client.Get(ctx, key).Result()
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func userRunKey(userID int64) string  { return fmt.Sprintf(userRunFmt, userID) }
func userPermKey(userID int64) string { return fmt.Sprintf(userPermFmt, userID) }
