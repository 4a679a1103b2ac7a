package shop

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrProductNotFound   = errors.New("product not found")
	ErrCartEntryNotFound = errors.New("item not found in cart")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type InsufficientStockError struct {
	ProductID int64
	Requested int
	Remaining int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%v for product %d: requested %d, remaining %d",
		ErrInsufficientStock, e.ProductID, e.Requested, e.Remaining)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
