package perp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/notify"
	"github.com/uhyunpark/obelisk/pkg/util"
)

// FundingReport summarizes one funding round.
type FundingReport struct {
	Rates     map[string]decimal.Decimal
	Positions int
	Failed    []string // venues whose funding write failed
}

// fundingRates resolves a rate per instrument: the live source when present,
// the instrument's configured rate otherwise.
func (m *Manager) fundingRates(ctx context.Context, instruments map[string]bool) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal, len(instruments))
	for sym := range instruments {
		in, err := m.instruments.Get(sym)
		if err != nil {
			continue
		}
		rate := in.FundingRate
		if m.funding != nil {
			fctx, cancel := context.WithTimeout(ctx, m.cfg.OracleTimeout)
			live, err := m.funding.FundingRate(fctx, sym)
			cancel()
			if err == nil {
				rate = live
			} else {
				m.logger.Warnw("funding_rate_fallback", "instrument", sym, "rate", rate.String(), "err", err)
			}
		}
		rates[sym] = rate
	}
	return rates
}

// AccrueFunding books one funding period on every open position of every
// unfrozen account. Funding is carried on the position and realized at close.
func (m *Manager) AccrueFunding(ctx context.Context) FundingReport {
	slots := m.allSlots()

	instruments := make(map[string]bool)
	for _, s := range slots {
		s.mu.Lock()
		for _, p := range s.acc.Positions {
			instruments[p.Instrument] = true
		}
		s.mu.Unlock()
	}
	report := FundingReport{Rates: m.fundingRates(ctx, instruments)}

	for _, s := range slots {
		if ctx.Err() != nil {
			break
		}
		n, venue, err := m.accrueAccount(ctx, s, report.Rates)
		if err != nil {
			report.Failed = append(report.Failed, venue)
			continue
		}
		report.Positions += n
	}

	m.logger.Infow("funding_accrued", "positions", report.Positions, "failed", len(report.Failed))
	return report
}

func (m *Manager) accrueAccount(ctx context.Context, s *slot, rates map[string]decimal.Decimal) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	venue := s.acc.Venue
	if s.acc.Frozen || len(s.acc.Positions) == 0 {
		return 0, venue, nil
	}

	now := util.NowMillis(m.clock)
	next := s.acc.Clone()
	var touched []*margin.Position
	total := decimal.Zero
	for _, p := range next.Positions {
		rate, ok := rates[p.Instrument]
		if !ok {
			continue
		}
		total = total.Add(p.AccrueFunding(rate, now))
		touched = append(touched, p)
	}
	if len(touched) == 0 {
		return 0, venue, nil
	}
	next.LastUpdated = now

	err := util.Retry(ctx, m.cfg.LedgerRetries, m.cfg.LedgerRetryDelay, func() error {
		return m.store.SavePositions(next, touched)
	})
	if err != nil {
		m.metrics.LedgerWriteFailed("funding")
		m.logger.Errorw("funding_commit_failed", "venue", venue, "err", err)
		return 0, venue, err
	}
	s.acc = next

	m.audit(notify.EventFunding, map[string]any{
		"venue": venue, "positions": len(touched), "amount": total.String(),
	})
	m.pub.Publish(notify.Event{Type: notify.EventFunding, Venue: venue, Account: next.Clone(), Timestamp: now})
	return len(touched), venue, nil
}

// RunFunding accrues funding every FundingInterval until ctx is cancelled.
func (m *Manager) RunFunding(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FundingInterval)
	defer ticker.Stop()

	m.logger.Infow("funding_started", "interval", m.cfg.FundingInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("funding_stopped")
			return nil
		case <-ticker.C:
			m.AccrueFunding(ctx)
		}
	}
}
