package margin

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ParseSide accepts long/short and the order-book aliases buy/sell.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Direction is +1 for long and -1 for short.
func (s Side) Direction() decimal.Decimal {
	if s == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// CloseReason records why a position left the active list.
type CloseReason string

const (
	ReasonManual      CloseReason = "manual"
	ReasonLiquidation CloseReason = "liquidation"
	ReasonTakeProfit  CloseReason = "tp"
	ReasonStopLoss    CloseReason = "sl"
)

// Position is one leveraged exposure owned by a single Account.
// Size is quote-currency notional, not contract units.
type Position struct {
	ID         string              `json:"id"`
	Venue      string              `json:"venue"`
	Instrument string              `json:"instrument"`
	Side       Side                `json:"side"`
	Size       decimal.Decimal     `json:"size"`
	Leverage   int64               `json:"leverage"`
	EntryPrice decimal.Decimal     `json:"entryPrice"`
	StopLoss   decimal.NullDecimal `json:"stopLoss"`
	TakeProfit decimal.NullDecimal `json:"takeProfit"`
	OpenedAt   int64               `json:"openedAt"` // epoch ms

	// OpenFee is charged on entry but only realized when the position closes.
	OpenFee decimal.Decimal `json:"openFee"`
	// Funding is the signed funding credited to the position so far (negative = paid).
	Funding       decimal.Decimal `json:"funding"`
	LastFundingAt int64           `json:"lastFundingAt"`
}

// MarginUsed = size / leverage
func (p *Position) MarginUsed() decimal.Decimal {
	if p.Leverage < 1 {
		return p.Size
	}
	return p.Size.Div(decimal.NewFromInt(p.Leverage))
}

// LiquidationPrice for maintenance margin ratio mmr:
//
//	long:  entry × (1 − 1/leverage + mmr)
//	short: entry × (1 + 1/leverage − mmr)
func (p *Position) LiquidationPrice(mmr decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one
	if p.Leverage > 1 {
		inv = one.Div(decimal.NewFromInt(p.Leverage))
	}
	if p.Side == Short {
		return p.EntryPrice.Mul(one.Add(inv).Sub(mmr))
	}
	return p.EntryPrice.Mul(one.Sub(inv).Add(mmr))
}

// UnrealizedPnl = direction × (mark − entry) / entry × size
func (p *Position) UnrealizedPnl(mark decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := mark.Sub(p.EntryPrice).Div(p.EntryPrice)
	return p.Side.Direction().Mul(move).Mul(p.Size)
}

// MarginRatio = (marginUsed + unrealizedPnl) / size
func (p *Position) MarginRatio(mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	return p.MarginUsed().Add(p.UnrealizedPnl(mark)).Div(p.Size)
}

// Evaluate reports whether mark forces the position closed and why.
// Liquidation wins over stop-loss and take-profit when both apply.
func (p *Position) Evaluate(mark, mmr decimal.Decimal) (CloseReason, bool) {
	if p.MarginRatio(mark).LessThanOrEqual(mmr) {
		return ReasonLiquidation, true
	}
	return p.ExitTrigger(mark)
}

// ExitTrigger checks stop-loss and take-profit crossings.
func (p *Position) ExitTrigger(mark decimal.Decimal) (CloseReason, bool) {
	if p.Side == Short {
		if p.StopLoss.Valid && mark.GreaterThanOrEqual(p.StopLoss.Decimal) {
			return ReasonStopLoss, true
		}
		if p.TakeProfit.Valid && mark.LessThanOrEqual(p.TakeProfit.Decimal) {
			return ReasonTakeProfit, true
		}
		return "", false
	}
	if p.StopLoss.Valid && mark.LessThanOrEqual(p.StopLoss.Decimal) {
		return ReasonStopLoss, true
	}
	if p.TakeProfit.Valid && mark.GreaterThanOrEqual(p.TakeProfit.Decimal) {
		return ReasonTakeProfit, true
	}
	return "", false
}

// ValidateTriggers checks that stop-loss sits on the losing side of entry
// and take-profit on the winning side.
func (p *Position) ValidateTriggers() error {
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		if !sl.IsPositive() || (p.Side == Long && sl.GreaterThanOrEqual(p.EntryPrice)) ||
			(p.Side == Short && sl.LessThanOrEqual(p.EntryPrice)) {
			return fmt.Errorf("%w: stop-loss %s against entry %s", ErrInvalidTrigger, sl, p.EntryPrice)
		}
	}
	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		if !tp.IsPositive() || (p.Side == Long && tp.LessThanOrEqual(p.EntryPrice)) ||
			(p.Side == Short && tp.GreaterThanOrEqual(p.EntryPrice)) {
			return fmt.Errorf("%w: take-profit %s against entry %s", ErrInvalidTrigger, tp, p.EntryPrice)
		}
	}
	return nil
}

// AccrueFunding books one funding period at rate. Positive rates are paid by
// longs to shorts, negative rates the other way round.
func (p *Position) AccrueFunding(rate decimal.Decimal, at int64) decimal.Decimal {
	amount := p.Side.Direction().Neg().Mul(rate).Mul(p.Size)
	p.Funding = p.Funding.Add(amount)
	p.LastFundingAt = at
	return amount
}

// Clone returns a copy that shares no state with p.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// ClosedPosition is the terminal history record of a position.
type ClosedPosition struct {
	Position
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	GrossPnl    decimal.Decimal `json:"grossPnl"`
	Fee         decimal.Decimal `json:"fee"`
	Pnl         decimal.Decimal `json:"pnl"`
	CloseReason CloseReason     `json:"closeReason"`
	ClosedAt    int64           `json:"closedAt"`
}

// Settle computes the terminal record for closing p at exit.
// pnl = grossPnl + funding − (openFee + size × feeRate)
func (p *Position) Settle(exit, feeRate decimal.Decimal, reason CloseReason, at int64) *ClosedPosition {
	gross := p.UnrealizedPnl(exit)
	fee := p.OpenFee.Add(p.Size.Mul(feeRate))
	return &ClosedPosition{
		Position:    *p,
		ExitPrice:   exit,
		GrossPnl:    gross,
		Fee:         fee,
		Pnl:         gross.Add(p.Funding).Sub(fee),
		CloseReason: reason,
		ClosedAt:    at,
	}
}
