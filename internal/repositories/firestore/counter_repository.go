package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/storefront/orders-api/internal/platform/firestore"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository issues sequence values from documents in the counters collection.
type CounterRepository struct {
	provider *pfirestore.Provider
}

// Next increments the counter in its own transaction, independent of any unit of
// work on ctx, so a rolled back order still consumes its number.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	const op = "counters.next"
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, &orderError{op: op, msg: "counter id is required", conflict: true}
	}
	if step <= 0 {
		step = 1
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	ref := client.Collection(countersCollection).Doc(id)

	var next int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var doc counterDocument
		switch status.Code(err) {
		case codes.OK:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode counter %s: %w", id, err)
			}
		case codes.NotFound:
		default:
			return err
		}
		doc.CurrentValue += step
		doc.UpdatedAt = time.Now().UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		next = doc.CurrentValue
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, pfirestore.WrapError(op, err)
	}
	return next, nil
}
