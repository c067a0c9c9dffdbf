package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/orders-api/internal/platform/httpx"
	"github.com/storefront/orders-api/internal/platform/pagination"
	"github.com/storefront/orders-api/internal/services"
)

const (
	defaultProductPageSize = 50
	maxProductPageSize     = 200
)

// ProductHandlers serves the public catalog. Inactive products are hidden.
type ProductHandlers struct {
	catalog services.CatalogService
}

// NewProductHandlers constructs catalog read handlers.
func NewProductHandlers(catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productID}", h.getProduct)
}

func (h *ProductHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultProductPageSize,
		MaxPageSize:     maxProductPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListProducts(ctx, services.ProductListFilter{
		Pagination: services.Pagination{Offset: params.Offset, Limit: params.PageSize},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	// pages can come back short after filtering; the token still advances by offset
	items := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		if !product.Active {
			continue
		}
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !product.Active {
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

type productListResponse struct {
	Items         []productPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SKU         string `json:"sku"`
	Price       string `json:"price"`
	Stock       int    `json:"stock"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		SKU:         product.SKU,
		Price:       formatMoney(product.Price),
		Stock:       product.Stock,
		Active:      product.Active,
		CreatedAt:   formatTime(product.CreatedAt),
		UpdatedAt:   formatTime(product.UpdatedAt),
	}
}
