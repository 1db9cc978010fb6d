package service

import (
	"errors"
	"fmt"
)

// ErrEmptyOrder rejects orders with no items before any side effect.
var ErrEmptyOrder = errors.New("order must contain at least one item")

// PriceNotFoundError lists every requested product id that did not resolve
// to a cached price. No order rows are written when it is returned.
type PriceNotFoundError struct {
	Missing []int
}

func (e *PriceNotFoundError) Error() string {
	return fmt.Sprintf("prices not found for products %v", e.Missing)
}

// TransactionError wraps a persistence failure. The transaction has been
// rolled back in full by the time it surfaces.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("order transaction failed: %v", e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
