// Package memory provides an in-process persistence backend. Row locks are
// per-key channels acquired inside a unit of work and released when it ends;
// writes are staged on the transaction and applied only on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/repositories"
)

// Store is an in-memory repositories.Registry.
type Store struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	orders   map[string]domain.Order
	counters map[string]int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	clock func() time.Time
}

var _ repositories.Registry = (*Store)(nil)

// Option customises the Store.
type Option func(*Store)

// WithClock overrides the clock used for product timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		counters: make(map[string]int64),
		locks:    make(map[string]chan struct{}),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Seed stores products directly, bypassing validation. Intended for tests and local runs.
func (s *Store) Seed(products ...domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, product := range products {
		s.products[product.ID] = product
	}
}

func (s *Store) Catalog() repositories.CatalogRepository  { return catalogRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository     { return orderRepository{store: s} }
func (s *Store) Counters() repositories.CounterRepository { return counterRepository{store: s} }

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }

type txKey struct{}

type tx struct {
	held     map[string]chan struct{}
	products map[string]domain.Product
	orders   map[string]domain.Order
	done     bool
}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	if t == nil || t.done {
		return nil
	}
	return t
}

// RunInTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	t := &tx{
		held:     make(map[string]chan struct{}),
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
	}
	defer s.release(t)

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	// a unit of work that outlived its deadline must not commit
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: commit: %w", err)
	}
	s.commit(t)
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, t *tx) error) error {
	if t := txFromContext(ctx); t != nil {
		return fn(ctx, t)
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return fn(ctx, txFromContext(ctx))
	})
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, product := range t.products {
		s.products[id] = product
	}
	for id, order := range t.orders {
		s.orders[id] = order
	}
}

func (s *Store) release(t *tx) {
	t.done = true
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

// lock acquires the row lock for key on behalf of t, waiting until ctx is done.
func (s *Store) lock(ctx context.Context, t *tx, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	s.locksMu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("memory: acquire lock %s: %w", key, ctx.Err())
	}
}

func (s *Store) product(t *tx, id string) (domain.Product, bool) {
	if t != nil {
		if staged, ok := t.products[id]; ok {
			return staged, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[id]
	return product, ok
}

func (s *Store) order(t *tx, id string) (domain.Order, bool) {
	if t != nil {
		if staged, ok := t.orders[id]; ok {
			return domain.CloneOrder(staged), true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return domain.CloneOrder(order), true
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// storeError implements repositories.RepositoryError for order and counter failures.
type storeError struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *storeError) Error() string       { return e.op + ": " + e.msg }
func (e *storeError) IsNotFound() bool    { return e.notFound }
func (e *storeError) IsConflict() bool    { return e.conflict }
func (e *storeError) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &storeError{op: op, msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(op, format string, args ...any) error {
	return &storeError{op: op, msg: fmt.Sprintf(format, args...), conflict: true}
}
