package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/AsherLHJ/paperq/internal/platform/logger"
	"github.com/AsherLHJ/paperq/internal/store"
	"github.com/AsherLHJ/paperq/internal/worker"
)

// ResultStore persists classification verdicts.
type ResultStore struct {
	db store.DBTX
}

// NewResultStore creates a result store over the given database handle.
func NewResultStore(db store.DBTX) *ResultStore {
	return &ResultStore{db: db}
}

var _ worker.ResultWriter = (*ResultStore)(nil)

func (s *ResultStore) Write(ctx context.Context, userID int64, jobID, itemKey string, verdict *worker.Verdict) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO classification_results
			(user_id, job_id, item_key, relevant, reason, cost_units, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		userID, jobID, itemKey,
		verdict.Relevant, verdict.Reason, verdict.CostUnits,
		time.Now().UTC(),
	)
	if IsUniqueViolation(err) {
		// A retried task already wrote its verdict for this item.
		log.Debug("classification result already recorded",
			"job_id", jobID,
			"item_key", itemKey)
		return nil
	}
	if err != nil {
		log.Error("failed to write classification result",
			"user_id", userID,
			"job_id", jobID,
			"item_key", itemKey,
			"error", err)
		return fmt.Errorf("failed to write result for item %q: %w", itemKey, MapError(err))
	}
	return nil
}
