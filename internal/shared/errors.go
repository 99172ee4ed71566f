package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced batch, campaign or product is absent.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentUpdate signals an optimistic-concurrency conflict. Transient;
	// callers retry the whole operation a bounded number of times.
	ErrConcurrentUpdate = errors.New("concurrent update conflict")
)

// InsufficientStockError is returned when an allocation cannot be satisfied.
// It carries the requested and available quantities so callers can report a
// useful error.
type InsufficientStockError struct {
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: requested %d, available %d", e.Requested, e.Available)
}

// IsInsufficientStock reports whether err is an InsufficientStockError.
func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

// InvalidStateError indicates a domain invariant violation, e.g. a negative
// quantity, malformed discount bounds, or an end date before a start date.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

// Invalid builds an InvalidStateError from a format string.
func Invalid(format string, args ...any) error {
	return &InvalidStateError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}
