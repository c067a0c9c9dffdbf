package memory

import (
	"context"
	"sort"
	"strings"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/repositories"
)

type catalogRepository struct {
	store *Store
}

func productLockKey(id string) string { return "product/" + id }

func (r catalogRepository) GetForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	var product domain.Product
	err := r.store.withTx(ctx, func(ctx context.Context, t *tx) error {
		if err := r.store.lock(ctx, t, productLockKey(productID)); err != nil {
			return err
		}
		found, ok := r.store.product(t, productID)
		if !ok {
			return repositories.NewProductNotFound("catalog.getForUpdate", productID, nil)
		}
		product = found
		return nil
	})
	return product, err
}

func (r catalogRepository) AdjustStock(ctx context.Context, productID string, delta int) (domain.Product, error) {
	var product domain.Product
	err := r.store.withTx(ctx, func(ctx context.Context, t *tx) error {
		if err := r.store.lock(ctx, t, productLockKey(productID)); err != nil {
			return err
		}
		current, ok := r.store.product(t, productID)
		if !ok {
			return repositories.NewProductNotFound("catalog.adjustStock", productID, nil)
		}
		stock, err := repositories.AdjustedStock("catalog.adjustStock", productID, current.Stock, delta)
		if err != nil {
			return err
		}
		current.Stock = stock
		current.UpdatedAt = r.store.now()
		t.products[productID] = current
		product = current
		return nil
	})
	return product, err
}

func (r catalogRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	product, ok := r.store.product(txFromContext(ctx), productID)
	if !ok {
		return domain.Product{}, repositories.NewProductNotFound("catalog.findByID", productID, nil)
	}
	return product, nil
}

func (r catalogRepository) List(_ context.Context, page domain.Pagination) ([]domain.Product, error) {
	r.store.mu.RLock()
	products := make([]domain.Product, 0, len(r.store.products))
	for _, product := range r.store.products {
		products = append(products, product)
	}
	r.store.mu.RUnlock()

	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return window(products, page), nil
}

func (r catalogRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.Product{}, &repositories.CatalogError{Op: "catalog.upsert", Code: repositories.CatalogErrorInvalidInput}
	}
	err := r.store.withTx(ctx, func(ctx context.Context, t *tx) error {
		if err := r.store.lock(ctx, t, productLockKey(product.ID)); err != nil {
			return err
		}
		now := r.store.now()
		if existing, ok := r.store.product(t, product.ID); ok {
			product.CreatedAt = existing.CreatedAt
		} else {
			product.CreatedAt = now
		}
		product.UpdatedAt = now
		t.products[product.ID] = product
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func window[T any](items []T, page domain.Pagination) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
