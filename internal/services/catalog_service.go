package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/orders-api/internal/domain"
	"github.com/storefront/orders-api/internal/platform/pagination"
	"github.com/storefront/orders-api/internal/repositories"
)

const (
	productIDPrefix     = "prd_"
	maxProductNameRunes = 200
	maxProductSKURunes  = 64
	maxDescriptionRunes = 4000
)

var (
	// ErrCatalogRepositoryMissing indicates the repository dependency is absent.
	ErrCatalogRepositoryMissing = errors.New("catalog service: repository is not configured")
	// ErrCatalogInvalidInput indicates the caller supplied invalid data to a catalog mutation.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Catalog     repositories.CatalogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type catalogService struct {
	repo   repositories.CatalogRepository
	clock  func() time.Time
	newID  func() string
	logger Logger
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog service: catalog repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &catalogService{
		repo:   deps.Catalog,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	if s.repo == nil {
		return Product{}, ErrCatalogRepositoryMissing
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	product, err := s.repo.FindByID(ctx, productID)
	if err != nil {
		return Product{}, mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error) {
	if s.repo == nil {
		return domain.CursorPage[Product]{}, ErrCatalogRepositoryMissing
	}
	offset := max(filter.Pagination.Offset, 0)
	limit := pagination.Clamp(filter.Pagination.Limit)

	products, err := s.repo.List(ctx, Pagination{Offset: offset, Limit: limit + 1})
	if err != nil {
		return domain.CursorPage[Product]{}, mapRepositoryError(err)
	}
	page := domain.CursorPage[Product]{Items: products}
	if len(products) > limit {
		page.Items = products[:limit]
		page.NextPageToken = pagination.NextToken(offset, limit)
	}
	return page, nil
}

func (s *catalogService) UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if s.repo == nil {
		return Product{}, ErrCatalogRepositoryMissing
	}

	product := Product{
		ID:          strings.TrimSpace(cmd.ProductID),
		Name:        strings.TrimSpace(cmd.Name),
		Description: strings.TrimSpace(cmd.Description),
		SKU:         strings.ToUpper(strings.TrimSpace(cmd.SKU)),
		Price:       cmd.Price,
		Stock:       cmd.Stock,
		Active:      cmd.Active,
	}
	if err := validateProduct(product); err != nil {
		return Product{}, err
	}
	if product.ID == "" {
		product.ID = productIDPrefix + s.newID()
	}
	product.Price = product.Price.Round(2)

	saved, err := s.repo.Upsert(ctx, product)
	if err != nil {
		if catalogErr, ok := repositories.AsCatalogError(err); ok && catalogErr.Code == repositories.CatalogErrorInvalidInput {
			return Product{}, fmt.Errorf("%w: %v", ErrCatalogInvalidInput, err)
		}
		return Product{}, mapRepositoryError(err)
	}

	s.logger(ctx, "catalog.product.upserted", map[string]any{
		"productId": saved.ID,
		"sku":       saved.SKU,
		"stock":     saved.Stock,
		"actorId":   strings.TrimSpace(cmd.ActorID),
		"at":        s.clock(),
	})
	return saved, nil
}

func validateProduct(product Product) error {
	switch {
	case product.Name == "":
		return fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	case utf8.RuneCountInString(product.Name) > maxProductNameRunes:
		return fmt.Errorf("%w: name exceeds %d characters", ErrCatalogInvalidInput, maxProductNameRunes)
	case product.SKU == "":
		return fmt.Errorf("%w: sku is required", ErrCatalogInvalidInput)
	case utf8.RuneCountInString(product.SKU) > maxProductSKURunes:
		return fmt.Errorf("%w: sku exceeds %d characters", ErrCatalogInvalidInput, maxProductSKURunes)
	case utf8.RuneCountInString(product.Description) > maxDescriptionRunes:
		return fmt.Errorf("%w: description exceeds %d characters", ErrCatalogInvalidInput, maxDescriptionRunes)
	case product.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrCatalogInvalidInput)
	case !product.Price.Equal(product.Price.Round(2)):
		return fmt.Errorf("%w: price supports at most two decimal places", ErrCatalogInvalidInput)
	case product.Stock < 0:
		return fmt.Errorf("%w: stock must not be negative", ErrCatalogInvalidInput)
	}
	return nil
}
