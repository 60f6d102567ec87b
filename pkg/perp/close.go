package perp

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/notify"
	"github.com/uhyunpark/obelisk/pkg/util"
)

// CloseResult is the outcome of closing one position.
type CloseResult struct {
	Record         *margin.ClosedPosition
	ReturnedMargin decimal.Decimal
	Account        *margin.Account
}

func (m *Manager) venueOf(positionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.index[positionID]
	return v, ok
}

// ClosePosition closes an open position at the current mark price. Only one
// of several concurrent closes of the same id succeeds; the others get
// ErrPositionNotFound.
func (m *Manager) ClosePosition(ctx context.Context, positionID string, reason margin.CloseReason) (*CloseResult, error) {
	venue, ok := m.venueOf(positionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", margin.ErrPositionNotFound, positionID)
	}
	s, err := m.slot(venue)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p := s.acc.Position(positionID)
	var instrument string
	if p != nil {
		instrument = p.Instrument
	}
	s.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("%w: %s", margin.ErrPositionNotFound, positionID)
	}

	mark, err := m.markPrice(ctx, instrument)
	if err != nil {
		m.logger.Warnw("close_price_unavailable", "venue", venue, "position", positionID, "err", err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acc.Frozen {
		return nil, fmt.Errorf("%w: %s", margin.ErrAccountFrozen, venue)
	}
	// Re-read under the lock: the sweeper may have closed it meanwhile.
	p = s.acc.Position(positionID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", margin.ErrPositionNotFound, positionID)
	}
	rec, err := m.closeLocked(ctx, s, p, mark, reason, false)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		Record:         rec,
		ReturnedMargin: rec.MarginUsed(),
		Account:        s.acc.Clone(),
	}, nil
}

// CloseByInstrument closes the venue's oldest open position on instrument.
func (m *Manager) CloseByInstrument(ctx context.Context, venue, instrument string) (*CloseResult, error) {
	s, err := m.slot(venue)
	if err != nil {
		return nil, err
	}

	var target string
	s.mu.Lock()
	for _, p := range s.acc.Positions {
		if strings.EqualFold(p.Instrument, instrument) {
			target = p.ID
			break
		}
	}
	s.mu.Unlock()

	if target == "" {
		return nil, fmt.Errorf("%w: no open %s position for %s", margin.ErrPositionNotFound, instrument, venue)
	}
	return m.ClosePosition(ctx, target, margin.ReasonManual)
}

// closeLocked settles p at mark and commits the close. The caller holds s.mu
// and has verified p is still open. With retry set, transient ledger errors
// are retried with backoff before giving up.
func (m *Manager) closeLocked(ctx context.Context, s *slot, p *margin.Position, mark decimal.Decimal, reason margin.CloseReason, retry bool) (*margin.ClosedPosition, error) {
	feeRate := decimal.Zero
	if in, err := m.instruments.Get(p.Instrument); err == nil {
		feeRate = in.FeeRate
	} else {
		m.logger.Warnw("close_unknown_instrument", "position", p.ID, "instrument", p.Instrument)
	}

	now := util.NowMillis(m.clock)
	rec := p.Settle(mark, feeRate, reason, now)

	next := s.acc.Clone()
	if _, err := next.RemovePosition(p.ID); err != nil {
		return nil, err
	}
	next.ApplyRealizedPnl(rec.Pnl, now)

	write := func() error { return m.store.CommitClose(next, rec) }
	var err error
	if retry {
		err = util.Retry(ctx, m.cfg.LedgerRetries, m.cfg.LedgerRetryDelay, write)
	} else {
		err = write()
	}
	if err != nil {
		m.metrics.LedgerWriteFailed("close")
		m.logger.Errorw("close_commit_failed", "venue", p.Venue, "position", p.ID, "reason", reason, "err", err)
		return nil, fmt.Errorf("%w: close %s: %v", margin.ErrLedgerWriteFailed, p.ID, err)
	}
	s.acc = next

	m.mu.Lock()
	delete(m.index, p.ID)
	m.mu.Unlock()

	m.metrics.PositionClosed(rec.Instrument, string(reason), rec.Pnl.InexactFloat64(), rec.Fee.InexactFloat64())
	fields := []any{
		"venue", rec.Venue,
		"position", rec.ID,
		"instrument", rec.Instrument,
		"reason", reason,
		"entry", rec.EntryPrice.String(),
		"exit", mark.String(),
		"pnl", rec.Pnl.String(),
		"equity", next.Equity.String(),
	}
	if reason == margin.ReasonLiquidation {
		m.logger.Warnw("position_liquidated", fields...)
	} else {
		m.logger.Infow("position_closed", fields...)
	}
	m.audit(notify.EventPositionClosed, map[string]any{
		"venue": rec.Venue, "position": rec.ID, "instrument": rec.Instrument,
		"reason": string(reason), "exit": mark.String(), "pnl": rec.Pnl.String(),
		"fee": rec.Fee.String(), "equity": next.Equity.String(),
	})
	m.pub.Publish(notify.Event{
		Type:      notify.EventPositionClosed,
		Venue:     rec.Venue,
		Account:   next.Clone(),
		Closed:    rec,
		Timestamp: now,
	})
	return rec, nil
}
