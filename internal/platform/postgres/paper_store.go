package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AsherLHJ/paperq/internal/store"
	"github.com/AsherLHJ/paperq/internal/worker"
)

// PaperStore loads paper metadata for classification. A missing paper is a
// permanent failure: retrying the task cannot make the row appear.
type PaperStore struct {
	db store.DBTX
}

// NewPaperStore creates a paper store over the given database handle.
func NewPaperStore(db store.DBTX) *PaperStore {
	return &PaperStore{db: db}
}

var _ worker.ItemSource = (*PaperStore)(nil)

func (s *PaperStore) Load(ctx context.Context, key string) (worker.Item, error) {
	query := `SELECT item_key, title, abstract FROM papers WHERE item_key = $1`
	var item worker.Item
	err := s.db.QueryRowContext(ctx, query, key).Scan(&item.Key, &item.Title, &item.Abstract)
	if errors.Is(err, sql.ErrNoRows) {
		return worker.Item{}, worker.Permanent(fmt.Errorf("paper %q: %w", key, store.ErrNotFound))
	}
	if err != nil {
		return worker.Item{}, fmt.Errorf("failed to load paper %q: %w", key, MapError(err))
	}
	return item, nil
}
