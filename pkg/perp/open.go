package perp

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/obelisk/pkg/id"
	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/market"
	"github.com/uhyunpark/obelisk/pkg/notify"
	"github.com/uhyunpark/obelisk/pkg/util"
)

// OpenRequest describes a new position. Size is quote notional.
type OpenRequest struct {
	Venue      string
	Instrument string
	Side       margin.Side
	Size       decimal.Decimal
	Leverage   int64
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

func (r OpenRequest) validate(in market.Instrument) error {
	if err := margin.ValidateVenueID(r.Venue); err != nil {
		return err
	}
	if r.Side != margin.Long && r.Side != margin.Short {
		return fmt.Errorf("%w: %q", margin.ErrInvalidSide, r.Side)
	}
	if !r.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive, got %s", margin.ErrInvalidSize, r.Size)
	}
	if r.Leverage < 1 || r.Leverage > in.MaxLeverage {
		return fmt.Errorf("%w: %d outside [1, %d] for %s", margin.ErrInvalidLeverage, r.Leverage, in.MaxLeverage, in.Symbol)
	}
	return nil
}

// OpenPosition opens a position at the current mark price. The price is
// fetched before the account lock is taken; the margin check and the ledger
// write then happen atomically under the lock.
func (m *Manager) OpenPosition(ctx context.Context, req OpenRequest) (*margin.Position, error) {
	in, err := m.instruments.Get(req.Instrument)
	if err != nil {
		m.metrics.Rejected("unknown_instrument")
		return nil, err
	}
	if err := req.validate(in); err != nil {
		m.metrics.Rejected("validation")
		return nil, err
	}
	s, err := m.slot(req.Venue)
	if err != nil {
		m.metrics.Rejected("unknown_venue")
		return nil, err
	}

	mark, err := m.markPrice(ctx, in.Symbol)
	if err != nil {
		m.metrics.Rejected("oracle")
		m.logger.Warnw("open_price_unavailable", "venue", req.Venue, "instrument", in.Symbol, "err", err)
		return nil, err
	}

	now := util.NowMillis(m.clock)
	pos := &margin.Position{
		ID:            id.New(m.clock.Now()),
		Venue:         req.Venue,
		Instrument:    in.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		Leverage:      req.Leverage,
		EntryPrice:    mark,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		OpenedAt:      now,
		OpenFee:       req.Size.Mul(in.FeeRate),
		Funding:       decimal.Zero,
		LastFundingAt: now,
	}
	if err := pos.ValidateTriggers(); err != nil {
		m.metrics.Rejected("validation")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acc.Frozen {
		m.metrics.Rejected("frozen")
		return nil, fmt.Errorf("%w: %s", margin.ErrAccountFrozen, req.Venue)
	}
	if in.MaxPositions > 0 && s.acc.OpenCount(in.Symbol) >= in.MaxPositions {
		m.metrics.Rejected("position_limit")
		return nil, fmt.Errorf("%w: %d open on %s", margin.ErrPositionLimit, in.MaxPositions, in.Symbol)
	}
	required := pos.MarginUsed()
	available := s.acc.AvailableMargin()
	if required.GreaterThan(available) {
		m.metrics.Rejected("insufficient_margin")
		return nil, &margin.InsufficientMarginError{Available: available, Required: required}
	}

	next := s.acc.Clone()
	next.AddPosition(pos)
	next.LastUpdated = now
	if err := m.store.CommitOpen(next, pos); err != nil {
		m.metrics.LedgerWriteFailed("open")
		m.logger.Errorw("open_commit_failed", "venue", req.Venue, "position", pos.ID, "err", err)
		return nil, fmt.Errorf("%w: open %s: %v", margin.ErrLedgerWriteFailed, pos.ID, err)
	}
	s.acc = next

	m.mu.Lock()
	m.index[pos.ID] = req.Venue
	m.mu.Unlock()

	m.metrics.PositionOpened(in.Symbol, string(pos.Side))
	m.logger.Infow("position_opened",
		"venue", req.Venue,
		"position", pos.ID,
		"instrument", in.Symbol,
		"side", pos.Side,
		"size", pos.Size.String(),
		"leverage", pos.Leverage,
		"entry", mark.String(),
		"liquidation", pos.LiquidationPrice(in.MaintenanceMarginRatio).String())
	m.audit(notify.EventPositionOpened, map[string]any{
		"venue": req.Venue, "position": pos.ID, "instrument": in.Symbol,
		"side": string(pos.Side), "size": pos.Size.String(), "leverage": pos.Leverage,
		"entry": mark.String(),
	})
	m.pub.Publish(notify.Event{
		Type:      notify.EventPositionOpened,
		Venue:     req.Venue,
		Account:   next.Clone(),
		Position:  pos.Clone(),
		Timestamp: now,
	})
	return pos.Clone(), nil
}

// LiquidationPrice reports the liquidation price of p under its instrument's
// maintenance margin ratio.
func (m *Manager) LiquidationPrice(p *margin.Position) (decimal.Decimal, error) {
	in, err := m.instruments.Get(p.Instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return p.LiquidationPrice(in.MaintenanceMarginRatio), nil
}

// MarkPrice exposes the bounded oracle read used by the manager.
func (m *Manager) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	in, err := m.instruments.Get(instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return m.markPrice(ctx, in.Symbol)
}

// IsClientError reports whether err stems from a bad request rather than an
// unavailable dependency.
func IsClientError(err error) bool {
	for _, target := range []error{
		margin.ErrInvalidLeverage, margin.ErrInvalidSize, margin.ErrInvalidSide,
		margin.ErrInvalidAmount, margin.ErrInvalidTrigger, margin.ErrInvalidVenue,
		margin.ErrInsufficientMargin, margin.ErrPositionLimit, market.ErrUnknownInstrument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
