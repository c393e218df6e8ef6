package worker

import (
	"context"

	"github.com/AsherLHJ/paperq/internal/ratelimit"
)

// Item is one unit of work: a paper to judge for relevance.
type Item struct {
	Key      string
	Title    string
	Abstract string
}

// Verdict is the outcome of classifying a single item.
type Verdict struct {
	Relevant  bool
	Reason    string
	CostUnits float64
}

// Classifier judges an item's relevance using the credentials of the
// account the rate limiter granted. Implementations return errors wrapped
// with Permanent when the request can never succeed (malformed input,
// rejected prompt); anything else is treated as transient and retried.
type Classifier interface {
	Classify(ctx context.Context, account *ratelimit.Account, item Item) (*Verdict, error)
}

// ItemSource loads item content by key.
type ItemSource interface {
	Load(ctx context.Context, key string) (Item, error)
}

// ResultWriter persists a classification verdict.
type ResultWriter interface {
	Write(ctx context.Context, userID int64, jobID string, itemKey string, verdict *Verdict) error
}

// Funds deducts the per-item price from a user's balance. ok is false when
// the balance cannot cover the amount.
type Funds interface {
	DeductIfSufficient(ctx context.Context, userID int64, amount float64) (balance float64, ok bool, err error)
}
