// Package oracle supplies mark prices and funding rates for instruments.
package oracle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice means the source has no usable price for the instrument.
	ErrNoPrice = errors.New("no price available")
	// ErrCircuitOpen is returned without calling the source while the breaker is open.
	ErrCircuitOpen = errors.New("oracle circuit open")
)

// Oracle returns the current mark price of an instrument symbol ("BTC").
// Implementations must honor ctx cancellation.
type Oracle interface {
	MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// FundingSource returns the latest per-interval funding rate of an instrument.
type FundingSource interface {
	FundingRate(ctx context.Context, instrument string) (decimal.Decimal, error)
}
