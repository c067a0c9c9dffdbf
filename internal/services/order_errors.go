package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/storefront/orders-api/internal/repositories"
)

var (
	// ErrEmptyOrder indicates an order was requested without line items.
	ErrEmptyOrder = errors.New("order: no items")
	// ErrInvalidQuantity indicates a line item quantity was zero or negative.
	ErrInvalidQuantity = errors.New("order: invalid quantity")
	// ErrInvalidShippingAddress indicates the shipping address failed validation.
	ErrInvalidShippingAddress = errors.New("order: invalid shipping address")
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")

	// ErrProductNotFound indicates an ordered product does not exist.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")

	// ErrInsufficientStock indicates a product cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrInvalidTransition indicates the order status does not allow the change.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrNotAuthorized indicates the caller does not own the order.
	ErrNotAuthorized = errors.New("order: not authorized")
	// ErrRestorationFailed indicates stock could not be restored; the cancellation was rolled back.
	ErrRestorationFailed = errors.New("order: stock restoration failed")

	// ErrTransactionTimeout indicates the unit of work exceeded its deadline.
	ErrTransactionTimeout = errors.New("order: transaction timeout")
	// ErrTemporarilyUnavailable indicates retries ran out on a transient failure.
	ErrTemporarilyUnavailable = errors.New("order: temporarily unavailable")
)

// InsufficientStockError carries the stock shortfall for a single product.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: product %s requested %d, available %d", ErrInsufficientStock, e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// ProductNotFoundError names the missing product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProductNotFound, e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrProductNotFound }

// ErrorKind groups service errors by how a caller should react.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindForbidden  ErrorKind = "forbidden"
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindInternal   ErrorKind = "internal"
)

// ClassifyError maps err to its ErrorKind.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidShippingAddress), errors.Is(err, ErrOrderInvalidInput),
		errors.Is(err, ErrCatalogInvalidInput):
		return ErrorKindValidation
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrOrderNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrNotAuthorized):
		return ErrorKindForbidden
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrRestorationFailed):
		return ErrorKindConflict
	case errors.Is(err, ErrTransactionTimeout), errors.Is(err, ErrTemporarilyUnavailable):
		return ErrorKindTransient
	default:
		return ErrorKindInternal
	}
}

// isTransient reports failures worth re-running the whole unit of work for.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransactionTimeout) {
		return true
	}
	if repositories.IsRetryable(err) {
		return true
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// mapRepositoryError translates catalog and order store failures into service errors.
// Transient failures keep their repository classification so the retry policy sees them.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if catalogErr, ok := repositories.AsCatalogError(err); ok {
		switch catalogErr.Code {
		case repositories.CatalogErrorNotFound:
			return &ProductNotFoundError{ProductID: catalogErr.ProductID}
		case repositories.CatalogErrorInsufficientStock:
			return &InsufficientStockError{ProductID: catalogErr.ProductID, Requested: catalogErr.Requested, Available: catalogErr.Available}
		case repositories.CatalogErrorInvalidInput:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return err
}
