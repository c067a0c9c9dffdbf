package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/repositories"
)

const productColumns = `id, name, description, sku, price::text, stock, active, created_at, updated_at`

type catalogRepository struct {
	reg *Registry
}

func (r catalogRepository) GetForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	const op = "catalog.getForUpdate"
	var product domain.Product
	err := r.reg.withTx(ctx, func(ctx context.Context, q querier) error {
		row := q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
		var err error
		product, err = scanProduct(row)
		return err
	})
	if err != nil {
		return domain.Product{}, productError(op, productID, err)
	}
	return product, nil
}

func (r catalogRepository) AdjustStock(ctx context.Context, productID string, delta int) (domain.Product, error) {
	const op = "catalog.adjustStock"
	var product domain.Product
	err := r.reg.withTx(ctx, func(ctx context.Context, q querier) error {
		var stock int
		if err := q.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&stock); err != nil {
			return err
		}
		next, err := repositories.AdjustedStock(op, productID, stock, delta)
		if err != nil {
			return err
		}
		row := q.QueryRow(ctx, `UPDATE products SET stock = $2, updated_at = now() WHERE id = $1 RETURNING `+productColumns, productID, next)
		product, err = scanProduct(row)
		return err
	})
	if err != nil {
		return domain.Product{}, productError(op, productID, err)
	}
	return product, nil
}

func (r catalogRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	row := r.reg.db(ctx).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	product, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, productError("catalog.findByID", productID, err)
	}
	return product, nil
}

func (r catalogRepository) List(ctx context.Context, page domain.Pagination) ([]domain.Product, error) {
	limit := any(nil)
	if page.Limit > 0 {
		limit = page.Limit
	}
	rows, err := r.reg.db(ctx).Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id OFFSET $1 LIMIT $2`, page.Offset, limit)
	if err != nil {
		return nil, wrapError("catalog.list", err)
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, wrapError("catalog.list", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("catalog.list", err)
	}
	return products, nil
}

func (r catalogRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	const op = "catalog.upsert"
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.Product{}, &repositories.CatalogError{Op: op, Code: repositories.CatalogErrorInvalidInput}
	}
	row := r.reg.db(ctx).QueryRow(ctx, `
INSERT INTO products (id, name, description, sku, price, stock, active)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    sku = EXCLUDED.sku,
    price = EXCLUDED.price,
    stock = EXCLUDED.stock,
    active = EXCLUDED.active,
    updated_at = now()
RETURNING `+productColumns,
		product.ID, product.Name, product.Description, product.SKU, product.Price.StringFixed(2), product.Stock, product.Active)
	saved, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, wrapError(op, err)
	}
	return saved, nil
}

func productError(op, productID string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewProductNotFound(op, productID, err)
	}
	return wrapError(op, err)
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		product domain.Product
		price   string
	)
	if err := row.Scan(&product.ID, &product.Name, &product.Description, &product.SKU, &price,
		&product.Stock, &product.Active, &product.CreatedAt, &product.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	parsed, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", product.ID, err)
	}
	product.Price = parsed
	return product, nil
}
