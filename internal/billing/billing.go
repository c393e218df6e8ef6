package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one billable classification, queued for deferred persistence.
type Record struct {
	UserID    int64     `json:"user_id"`
	JobID     uuid.UUID `json:"job_id"`
	ItemKey   string    `json:"item_key"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordQueue buffers billing records between the workers that produce them
// and the reconciler that drains them.
type RecordQueue interface {
	// Push appends a record to the user's pending list.
	Push(ctx context.Context, rec Record) error

	// Pop removes and returns up to limit records for the user, oldest
	// first. An empty slice means nothing is pending.
	Pop(ctx context.Context, userID int64, limit int) ([]Record, error)

	// Length returns the number of pending records for the user.
	Length(ctx context.Context, userID int64) (int, error)

	// ActiveUsers returns the ids of users with pending records.
	ActiveUsers(ctx context.Context) ([]int64, error)
}

// BalanceCache is the authoritative fast tier for user balances while jobs
// run. Deductions happen here; the reconciler copies the cached value down
// to durable storage.
type BalanceCache interface {
	// Balance returns the cached balance. ok is false on a cache miss.
	Balance(ctx context.Context, userID int64) (balance float64, ok bool, err error)

	// SetBalance seeds or overwrites the cached balance.
	SetBalance(ctx context.Context, userID int64, balance float64) error

	// DeductIfSufficient atomically subtracts amount when the cached
	// balance covers it. ok reports whether the deduction happened; the
	// returned balance is the value after the call either way.
	DeductIfSufficient(ctx context.Context, userID int64, amount float64) (balance float64, ok bool, err error)
}
