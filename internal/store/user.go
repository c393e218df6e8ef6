package store

import "context"

// UserStore defines the narrow accessor contract the dispatch core consumes
// for user data. The surrounding application owns user CRUD; the core only
// reads the permission weight, reads the durable balance, and persists the
// reconciled balance.
type UserStore interface {
	// GetPermission returns the user's concurrency permission weight.
	// Returns ErrUserNotFound if the user does not exist.
	GetPermission(ctx context.Context, userID int64) (int, error)

	// GetBalance returns the user's durable balance.
	// Returns ErrUserNotFound if the user does not exist.
	GetBalance(ctx context.Context, userID int64) (float64, error)

	// SyncBalance overwrites the user's durable balance with the given value.
	// Used by the billing reconciler to persist the cached balance.
	SyncBalance(ctx context.Context, userID int64, balance float64) error
}
