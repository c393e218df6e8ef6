package billing

import (
	"context"
	"sync"
)

// MemoryRecordQueue is an in-process RecordQueue. It backs tests and the
// degraded mode where the cache tier is unreachable.
type MemoryRecordQueue struct {
	mu      sync.Mutex
	pending map[int64][]Record
}

// NewMemoryRecordQueue creates an empty record queue.
func NewMemoryRecordQueue() *MemoryRecordQueue {
	return &MemoryRecordQueue{pending: make(map[int64][]Record)}
}

var _ RecordQueue = (*MemoryRecordQueue)(nil)

func (q *MemoryRecordQueue) Push(_ context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[rec.UserID] = append(q.pending[rec.UserID], rec)
	return nil
}

func (q *MemoryRecordQueue) Pop(_ context.Context, userID int64, limit int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs := q.pending[userID]
	if len(recs) == 0 || limit <= 0 {
		return nil, nil
	}
	n := limit
	if n > len(recs) {
		n = len(recs)
	}
	out := make([]Record, n)
	copy(out, recs[:n])
	rest := recs[n:]
	if len(rest) == 0 {
		delete(q.pending, userID)
	} else {
		q.pending[userID] = append(recs[:0], rest...)
	}
	return out, nil
}

func (q *MemoryRecordQueue) Length(_ context.Context, userID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[userID]), nil
}

func (q *MemoryRecordQueue) ActiveUsers(_ context.Context) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.pending))
	for id, recs := range q.pending {
		if len(recs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// MemoryBalanceCache is an in-process BalanceCache.
type MemoryBalanceCache struct {
	mu       sync.Mutex
	balances map[int64]float64
}

// NewMemoryBalanceCache creates an empty balance cache.
func NewMemoryBalanceCache() *MemoryBalanceCache {
	return &MemoryBalanceCache{balances: make(map[int64]float64)}
}

var _ BalanceCache = (*MemoryBalanceCache)(nil)

func (c *MemoryBalanceCache) Balance(_ context.Context, userID int64) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[userID]
	return bal, ok, nil
}

func (c *MemoryBalanceCache) SetBalance(_ context.Context, userID int64, balance float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[userID] = balance
	return nil
}

func (c *MemoryBalanceCache) DeductIfSufficient(_ context.Context, userID int64, amount float64) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[userID]
	if !ok || bal < amount {
		return bal, false, nil
	}
	bal -= amount
	c.balances[userID] = bal
	return bal, true, nil
}
