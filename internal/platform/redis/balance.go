package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/AsherLHJ/paperq/internal/billing"
)

const balanceFmt = keyPrefix + "balance:%d"

// deductScript subtracts the amount only while the balance covers it.
// Results come back as strings because Redis truncates Lua numbers to
// integers in replies.
//
// KEYS[1] balance key, ARGV[1] amount
var deductScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {'0', -1}
end
local bal = tonumber(raw)
local amount = tonumber(ARGV[1])
if bal < amount then
  return {tostring(bal), 0}
end
bal = bal - amount
redis.call('SET', KEYS[1], tostring(bal))
return {tostring(bal), 1}
`)

// BalanceCache is the Redis-backed billing.BalanceCache.
type BalanceCache struct {
	client *redis.Client
}

// NewBalanceCache wraps a connected client.
func NewBalanceCache(client *redis.Client) *BalanceCache {
	return &BalanceCache{client: client}
}

var _ billing.BalanceCache = (*BalanceCache)(nil)

func (c *BalanceCache) Balance(ctx context.Context, userID int64) (float64, bool, error) {
	v, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read balance for user %d: %w", userID, err)
	}
	bal, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse balance %q for user %d: %w", v, userID, err)
	}
	return bal, true, nil
}

func (c *BalanceCache) SetBalance(ctx context.Context, userID int64, balance float64) error {
	err := c.client.Set(ctx, balanceKey(userID), strconv.FormatFloat(balance, 'f', -1, 64), 0).Err()
	if err != nil {
		return fmt.Errorf("set balance for user %d: %w", userID, err)
	}
	return nil
}

func (c *BalanceCache) DeductIfSufficient(ctx context.Context, userID int64, amount float64) (float64, bool, error) {
	res, err := deductScript.Run(ctx, c.client,
		[]string{balanceKey(userID)},
		strconv.FormatFloat(amount, 'f', -1, 64),
	).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("deduct balance for user %d: %w", userID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("deduct balance for user %d: unexpected reply of %d elements", userID, len(res))
	}
	raw, _ := res[0].(string)
	bal, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse balance %q for user %d: %w", raw, userID, err)
	}
	flag, _ := res[1].(int64)
	return bal, flag == 1, nil
}

func balanceKey(userID int64) string { return fmt.Sprintf(balanceFmt, userID) }
