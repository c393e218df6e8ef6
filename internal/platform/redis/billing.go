package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/AsherLHJ/paperq/internal/billing"
)

const (
	billUsersKey = keyPrefix + "bill:users"
	billListFmt  = keyPrefix + "bill:uid:%d"
)

// popScript drains up to ARGV[1] records and clears the user's pending flag
// when the list is empty, in one atomic step. Doing the length check outside
// the script races with a concurrent push and can drop the flag while a
// record remains.
//
// KEYS[1] per-user record list, KEYS[2] pending-users set, ARGV[2] user id
var popScript = redis.NewScript(`
local recs = redis.call('LPOP', KEYS[1], tonumber(ARGV[1]))
if recs == false then
  return {}
end
if redis.call('LLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return recs
`)

// RecordQueue is the Redis-backed billing.RecordQueue. Records are JSON
// blobs in a per-user list; a set tracks which users have pending records
// so the reconciler never scans the keyspace.
type RecordQueue struct {
	client *redis.Client
}

// NewRecordQueue wraps a connected client.
func NewRecordQueue(client *redis.Client) *RecordQueue {
	return &RecordQueue{client: client}
}

var _ billing.RecordQueue = (*RecordQueue)(nil)

func (q *RecordQueue) Push(ctx context.Context, rec billing.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal billing record: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, billListKey(rec.UserID), payload)
	pipe.SAdd(ctx, billUsersKey, rec.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push billing record for user %d: %w", rec.UserID, err)
	}
	return nil
}

func (q *RecordQueue) Pop(ctx context.Context, userID int64, limit int) ([]billing.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := popScript.Run(ctx, q.client,
		[]string{billListKey(userID), billUsersKey},
		limit, userID,
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop billing records for user %d: %w", userID, err)
	}
	recs := make([]billing.Record, 0, len(raws))
	for _, raw := range raws {
		var rec billing.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return recs, fmt.Errorf("unmarshal billing record for user %d: %w", userID, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (q *RecordQueue) Length(ctx context.Context, userID int64) (int, error) {
	n, err := q.client.LLen(ctx, billListKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("billing backlog for user %d: %w", userID, err)
	}
	return int(n), nil
}

func (q *RecordQueue) ActiveUsers(ctx context.Context) ([]int64, error) {
	members, err := q.client.SMembers(ctx, billUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list users with billing records: %w", err)
	}
	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", m, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func billListKey(userID int64) string { return fmt.Sprintf(billListFmt, userID) }
