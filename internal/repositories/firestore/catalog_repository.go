package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storefront/orders-api/internal/domain"
	pfirestore "github.com/storefront/orders-api/internal/platform/firestore"
	"github.com/storefront/orders-api/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name        string    `firestore:"name"`
	Description string    `firestore:"description"`
	SKU         string    `firestore:"sku"`
	Price       string    `firestore:"price"`
	Stock       int       `firestore:"stock"`
	Active      bool      `firestore:"active"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// CatalogRepository stores products in the products collection.
type CatalogRepository struct {
	provider *pfirestore.Provider
}

func (r *CatalogRepository) ref(ctx context.Context, productID string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(productsCollection).Doc(productID), nil
}

// load reads the product once per transaction and caches it for later writes.
func (r *CatalogRepository) load(ctx context.Context, st *txState, op, productID string) (productDocument, *firestore.DocumentRef, error) {
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return productDocument{}, nil, err
	}
	if doc, ok := st.products[productID]; ok {
		return doc, ref, nil
	}
	snap, err := st.tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return productDocument{}, nil, repositories.NewProductNotFound(op, productID, err)
		}
		return productDocument{}, nil, pfirestore.WrapError(op, err)
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return productDocument{}, nil, fmt.Errorf("decode product %s: %w", productID, err)
	}
	st.products[productID] = doc
	return doc, ref, nil
}

func (r *CatalogRepository) GetForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	st := txStateFrom(ctx)
	if st == nil {
		return r.FindByID(ctx, productID)
	}
	doc, _, err := r.load(ctx, st, "catalog.getForUpdate", productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(productID)
}

func (r *CatalogRepository) AdjustStock(ctx context.Context, productID string, delta int) (domain.Product, error) {
	const op = "catalog.adjustStock"
	var product domain.Product
	err := runTx(ctx, r.provider, func(ctx context.Context, st *txState) error {
		doc, ref, err := r.load(ctx, st, op, productID)
		if err != nil {
			return err
		}
		stock, err := repositories.AdjustedStock(op, productID, doc.Stock, delta)
		if err != nil {
			return err
		}
		doc.Stock = stock
		doc.UpdatedAt = time.Now().UTC()
		if err := st.tx.Set(ref, doc); err != nil {
			return pfirestore.WrapError(op, err)
		}
		st.products[productID] = doc
		product, err = doc.toDomain(productID)
		return err
	})
	if err != nil {
		return domain.Product{}, pfirestore.WrapError(op, err)
	}
	return product, nil
}

func (r *CatalogRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if st := txStateFrom(ctx); st != nil {
		if doc, ok := st.products[productID]; ok {
			return doc.toDomain(productID)
		}
	}
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Product{}, repositories.NewProductNotFound("catalog.findByID", productID, err)
		}
		return domain.Product{}, pfirestore.WrapError("catalog.findByID", err)
	}
	return decodeProduct(snap)
}

func (r *CatalogRepository) List(ctx context.Context, page domain.Pagination) ([]domain.Product, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := window(page, client.Collection(productsCollection).OrderBy(firestore.DocumentID, firestore.Asc))
	iter := query.Documents(ctx)
	defer iter.Stop()

	products := []domain.Product{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("catalog.list", err)
		}
		product, err := decodeProduct(snap)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, nil
}

func (r *CatalogRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	const op = "catalog.upsert"
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.Product{}, &repositories.CatalogError{Op: op, Code: repositories.CatalogErrorInvalidInput}
	}
	err := runTx(ctx, r.provider, func(ctx context.Context, st *txState) error {
		ref, err := r.ref(ctx, product.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		product.CreatedAt = now
		if existing, err := st.tx.Get(ref); err == nil {
			var doc productDocument
			if err := existing.DataTo(&doc); err == nil {
				product.CreatedAt = doc.CreatedAt
			}
		} else if status.Code(err) != codes.NotFound {
			return pfirestore.WrapError(op, err)
		}
		product.UpdatedAt = now
		doc := newProductDocument(product)
		if err := st.tx.Set(ref, doc); err != nil {
			return pfirestore.WrapError(op, err)
		}
		st.products[product.ID] = doc
		return nil
	})
	if err != nil {
		return domain.Product{}, pfirestore.WrapError(op, err)
	}
	return product, nil
}

func newProductDocument(p domain.Product) productDocument {
	return productDocument{
		Name:        p.Name,
		Description: p.Description,
		SKU:         p.SKU,
		Price:       p.Price.StringFixed(2),
		Stock:       p.Stock,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt.UTC(),
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", id, err)
	}
	return domain.Product{
		ID:          id,
		Name:        d.Name,
		Description: d.Description,
		SKU:         d.SKU,
		Price:       price,
		Stock:       d.Stock,
		Active:      d.Active,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

func decodeProduct(snap *firestore.DocumentSnapshot) (domain.Product, error) {
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}
