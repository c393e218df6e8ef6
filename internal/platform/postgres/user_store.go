package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AsherLHJ/paperq/internal/platform/logger"
	"github.com/AsherLHJ/paperq/internal/store"
)

// UserStore is the durable store.UserStore implementation. Permission and
// balance live on the users row; balance writes come only from the billing
// reconciler, which persists the cached value.
type UserStore struct {
	db store.DBTX
}

// NewUserStore creates a user store over the given database handle.
func NewUserStore(db store.DBTX) *UserStore {
	return &UserStore{db: db}
}

var _ store.UserStore = (*UserStore)(nil)

func (s *UserStore) GetPermission(ctx context.Context, userID int64) (int, error) {
	query := `SELECT permission FROM users WHERE id = $1`
	var permission int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to get permission for user %d: %w", userID, store.ErrUserNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get permission for user %d: %w", userID, MapError(err))
	}
	return permission, nil
}

func (s *UserStore) GetBalance(ctx context.Context, userID int64) (float64, error) {
	query := `SELECT balance FROM users WHERE id = $1`
	var balance float64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to get balance for user %d: %w", userID, store.ErrUserNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for user %d: %w", userID, MapError(err))
	}
	return balance, nil
}

// SyncBalance overwrites the durable balance with the given value.
func (s *UserStore) SyncBalance(ctx context.Context, userID int64, balance float64) error {
	log := logger.FromContext(ctx)

	query := `UPDATE users SET balance = $1, balance_synced_at = NOW() WHERE id = $2`
	result, err := s.db.ExecContext(ctx, query, balance, userID)
	if IsCheckConstraintViolation(err) {
		// The balance column carries a non-negative CHECK. The cache tier
		// never deducts below zero, so a violation means the cached value
		// itself is bad.
		return fmt.Errorf("%w: balance %f for user %d must be non-negative", store.ErrInvalidEntity, balance, userID)
	}
	if err != nil {
		log.Error("failed to sync balance",
			"user_id", userID,
			"balance", balance,
			"error", err)
		return fmt.Errorf("failed to sync balance for user %d: %w", userID, MapError(err))
	}
	return CheckRowsAffected(result, "user")
}
