package model

import (
	"errors"
	"fmt"
)

// Sentinel validation failures. All are surfaced before any state is
// mutated and are matched with errors.Is.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrPriceOutOfBand       = errors.New("price outside allowed band")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInvalidSide          = errors.New("side must be BUY or SELL")
)

// ErrSettlementFailure marks an internal inconsistency detected during an
// already-validated fill. The fill's atomic unit is rolled back in full.
var ErrSettlementFailure = errors.New("settlement failure")

// ValidationError wraps a sentinel with submission context.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason.Error(), e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// Validationf builds a ValidationError around a sentinel.
func Validationf(reason error, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown stock, account, or order.
type NotFoundError struct {
	Kind string // "stock", "account", "order"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// IsNotFound reports whether err is a NotFoundError of any kind.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError of any reason.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
