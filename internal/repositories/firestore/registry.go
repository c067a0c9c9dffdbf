package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/orders-api/internal/domain"
	pfirestore "github.com/storefront/orders-api/internal/platform/firestore"
	"github.com/storefront/orders-api/internal/repositories"
)

// Registry implements repositories.Registry on Firestore. Units of work map onto
// optimistic Firestore transactions; contention surfaces as a retryable Aborted error.
type Registry struct {
	provider *pfirestore.Provider
	catalog  *CatalogRepository
	orders   *OrderRepository
	counters *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore repository onto the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	return &Registry{
		provider: provider,
		catalog:  &CatalogRepository{provider: provider},
		orders:   &OrderRepository{provider: provider},
		counters: &CounterRepository{provider: provider},
	}, nil
}

func (r *Registry) Catalog() repositories.CatalogRepository  { return r.catalog }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Ping(ctx context.Context) error  { return r.provider.Ping(ctx) }
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

// RunInTx opens a single-attempt transaction; retries belong to the caller's policy.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txStateFrom(ctx) != nil {
		return fn(ctx)
	}
	return runTx(ctx, r.provider, func(ctx context.Context, _ *txState) error {
		return fn(ctx)
	})
}

// txState carries the transaction plus documents already read in it. Firestore
// forbids reads after writes, so later writes reuse the cached snapshot.
type txState struct {
	tx       *firestore.Transaction
	products map[string]productDocument
	orders   map[string]orderDocument
}

type txStateKey struct{}

func txStateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txStateKey{}).(*txState)
	return st
}

// runTx joins the transaction on ctx or opens a new one.
func runTx(ctx context.Context, provider *pfirestore.Provider, fn func(ctx context.Context, st *txState) error) error {
	if st := txStateFrom(ctx); st != nil {
		return fn(ctx, st)
	}
	return provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		st := &txState{
			tx:       tx,
			products: make(map[string]productDocument),
			orders:   make(map[string]orderDocument),
		}
		return fn(context.WithValue(ctx, txStateKey{}, st), st)
	}, pfirestore.WithTxAttempts(1))
}

func window(page domain.Pagination, query firestore.Query) firestore.Query {
	if page.Offset > 0 {
		query = query.Offset(page.Offset)
	}
	if page.Limit > 0 {
		query = query.Limit(page.Limit)
	}
	return query
}
