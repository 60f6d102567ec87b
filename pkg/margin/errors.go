package margin

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors: rejected before any state change.
var (
	ErrInvalidLeverage = errors.New("invalid leverage")
	ErrInvalidSize     = errors.New("invalid size")
	ErrInvalidSide     = errors.New("invalid side")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidTrigger  = errors.New("invalid trigger price")
	ErrInvalidVenue    = errors.New("invalid venue id")
)

// Resource errors.
var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrPositionNotFound   = errors.New("position not found")
	ErrVenueNotFound      = errors.New("venue not found")
	ErrPositionLimit      = errors.New("position limit reached")
	ErrAccountFrozen      = errors.New("account frozen")
)

// Dependency errors. Callers may retry these.
var (
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrLedgerWriteFailed = errors.New("ledger write failed")
)

// ErrInvariantViolation marks an account whose persisted numbers disagree.
var ErrInvariantViolation = errors.New("ledger invariant violated")

// InsufficientMarginError carries the numbers a caller needs to resize the order.
type InsufficientMarginError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: have $%s, need $%s",
		e.Available.StringFixed(2), e.Required.StringFixed(2))
}

func (e *InsufficientMarginError) Is(target error) bool {
	return target == ErrInsufficientMargin
}
