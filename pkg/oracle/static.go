package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Static serves prices set by hand. Paper mode seeds it from config and
// tests move it tick by tick.
type Static struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	funding map[string]decimal.Decimal
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{
		prices:  make(map[string]decimal.Decimal),
		funding: make(map[string]decimal.Decimal),
	}
	for sym, p := range prices {
		s.prices[strings.ToUpper(sym)] = p
	}
	return s
}

func (s *Static) Set(instrument string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(instrument)] = price
}

// Remove makes MarkPrice fail for instrument, simulating a feed outage.
func (s *Static) Remove(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, strings.ToUpper(instrument))
}

func (s *Static) SetFunding(instrument string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding[strings.ToUpper(instrument)] = rate
}

func (s *Static) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[strings.ToUpper(instrument)]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, instrument)
	}
	return p, nil
}

func (s *Static) FundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.funding[strings.ToUpper(instrument)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no funding rate for %s", ErrNoPrice, instrument)
	}
	return r, nil
}
