package repositories

import (
	"errors"
	"fmt"
	"math"
)

// CatalogErrorCode enumerates repository error causes for catalog operations.
type CatalogErrorCode string

const (
	// CatalogErrorNotFound indicates the product does not exist.
	CatalogErrorNotFound CatalogErrorCode = "catalog_product_not_found"
	// CatalogErrorInsufficientStock indicates a stock adjustment would go negative.
	CatalogErrorInsufficientStock CatalogErrorCode = "catalog_insufficient_stock"
	// CatalogErrorInvalidInput indicates the caller supplied invalid arguments.
	CatalogErrorInvalidInput CatalogErrorCode = "catalog_invalid_input"
)

// CatalogError wraps catalog failures with machine readable codes and stock context.
type CatalogError struct {
	Op        string
	Code      CatalogErrorCode
	ProductID string
	Requested int
	Available int
	Err       error
}

// Error implements the error interface.
func (e *CatalogError) Error() string {
	if e == nil {
		return ""
	}
	var msg string
	switch e.Code {
	case CatalogErrorNotFound:
		msg = fmt.Sprintf("product %s not found", e.ProductID)
	case CatalogErrorInsufficientStock:
		msg = fmt.Sprintf("product %s has %d in stock, %d requested", e.ProductID, e.Available, e.Requested)
	default:
		msg = string(e.Code)
		if e.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *CatalogError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CatalogError) IsNotFound() bool    { return e != nil && e.Code == CatalogErrorNotFound }
func (e *CatalogError) IsConflict() bool    { return e != nil && e.Code == CatalogErrorInsufficientStock }
func (e *CatalogError) IsUnavailable() bool { return false }

// NewProductNotFound builds a not-found catalog error.
func NewProductNotFound(op, productID string, err error) *CatalogError {
	return &CatalogError{Op: op, Code: CatalogErrorNotFound, ProductID: productID, Err: err}
}

// NewInsufficientStock builds an insufficient stock catalog error.
func NewInsufficientStock(op, productID string, requested, available int) *CatalogError {
	return &CatalogError{Op: op, Code: CatalogErrorInsufficientStock, ProductID: productID, Requested: requested, Available: available}
}

// AdjustedStock returns stock+delta, refusing results below zero and sums that overflow int.
func AdjustedStock(op, productID string, stock, delta int) (int, error) {
	if delta > 0 && stock > math.MaxInt-delta {
		return 0, &CatalogError{Op: op, Code: CatalogErrorInvalidInput, ProductID: productID, Err: fmt.Errorf("stock %d + %d overflows", stock, delta)}
	}
	if delta < 0 && (delta == math.MinInt || stock+delta < 0) {
		requested := math.MaxInt
		if delta != math.MinInt {
			requested = -delta
		}
		return 0, NewInsufficientStock(op, productID, requested, stock)
	}
	return stock + delta, nil
}

// AsCatalogError unwraps err into a *CatalogError when possible.
func AsCatalogError(err error) (*CatalogError, bool) {
	var catalogErr *CatalogError
	if errors.As(err, &catalogErr) {
		return catalogErr, true
	}
	return nil, false
}

// IsNotFound reports whether err is a repository not-found error.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsRetryable reports whether err was flagged as safe to retry by the backend.
func IsRetryable(err error) bool {
	var retryErr RetryableError
	return errors.As(err, &retryErr) && retryErr.IsRetryable()
}
