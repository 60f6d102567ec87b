package perp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/obelisk/pkg/margin"
)

// SweepReport summarizes one liquidation sweep.
type SweepReport struct {
	Checked  int
	Closed   []*margin.ClosedPosition
	Unpriced []string // instruments skipped because the oracle had no price
}

type sweepItem struct {
	venue      string
	positionID string
	instrument string
}

// snapshot lists every open position of every unfrozen account.
func (m *Manager) snapshot() []sweepItem {
	var items []sweepItem
	for _, s := range m.allSlots() {
		s.mu.Lock()
		if s.acc.Frozen {
			if len(s.acc.Positions) > 0 {
				m.logger.Warnw("sweep_skip_frozen", "venue", s.acc.Venue, "positions", len(s.acc.Positions))
			}
			s.mu.Unlock()
			continue
		}
		for _, p := range s.acc.Positions {
			items = append(items, sweepItem{venue: s.acc.Venue, positionID: p.ID, instrument: p.Instrument})
		}
		s.mu.Unlock()
	}
	return items
}

// Sweep evaluates every open position against the mark price and closes
// those that hit liquidation, stop-loss or take-profit. Positions are handled
// in batches; each instrument is priced at most once per sweep, outside any
// account lock. An unpriced instrument is skipped for this sweep and counted
// as an oracle gap.
func (m *Manager) Sweep(ctx context.Context) SweepReport {
	start := m.clock.Now()
	items := m.snapshot()

	var report SweepReport
	prices := make(map[string]decimal.Decimal)
	failed := make(map[string]bool)

	for i := 0; i < len(items); i += m.cfg.SweepBatchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(i+m.cfg.SweepBatchSize, len(items))
		batch := items[i:end]

		for _, it := range batch {
			if _, ok := prices[it.instrument]; ok || failed[it.instrument] {
				continue
			}
			p, err := m.markPrice(ctx, it.instrument)
			if err != nil {
				failed[it.instrument] = true
				report.Unpriced = append(report.Unpriced, it.instrument)
				m.recordGap(it.instrument, err)
				continue
			}
			prices[it.instrument] = p
			m.clearGap(it.instrument)
		}

		for _, it := range batch {
			mark, ok := prices[it.instrument]
			if !ok {
				continue
			}
			report.Checked++
			if rec := m.evaluate(ctx, it, mark); rec != nil {
				report.Closed = append(report.Closed, rec)
			}
		}
	}

	m.metrics.ObserveSweep(m.clock.Now().Sub(start))
	return report
}

// evaluate re-reads the position under its account lock and closes it if
// mark triggers an exit.
func (m *Manager) evaluate(ctx context.Context, it sweepItem, mark decimal.Decimal) *margin.ClosedPosition {
	s, err := m.slot(it.venue)
	if err != nil {
		return nil
	}
	in, err := m.instruments.Get(it.instrument)
	if err != nil {
		m.logger.Warnw("sweep_unknown_instrument", "position", it.positionID, "instrument", it.instrument)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acc.Frozen {
		return nil
	}
	p := s.acc.Position(it.positionID)
	if p == nil {
		return nil
	}
	reason, hit := p.Evaluate(mark, in.MaintenanceMarginRatio)
	if !hit {
		return nil
	}
	rec, err := m.closeLocked(ctx, s, p, mark, reason, true)
	if err != nil {
		// Left open; the next sweep tries again.
		return nil
	}
	return rec
}

func (m *Manager) recordGap(instrument string, cause error) {
	m.gapMu.Lock()
	m.gaps[instrument]++
	n := m.gaps[instrument]
	m.gapMu.Unlock()

	m.metrics.OracleGap(instrument, n)
	if n >= m.cfg.GapEscalateAfter {
		m.logger.Errorw("oracle_gap_escalated", "instrument", instrument, "consecutive", n, "err", cause)
		return
	}
	m.logger.Warnw("oracle_gap", "instrument", instrument, "consecutive", n, "err", cause)
}

func (m *Manager) clearGap(instrument string) {
	m.gapMu.Lock()
	n := m.gaps[instrument]
	delete(m.gaps, instrument)
	m.gapMu.Unlock()

	if n > 0 {
		m.metrics.OracleRecovered(instrument)
		m.logger.Infow("oracle_gap_recovered", "instrument", instrument, "missed", n)
	}
}

// OracleGaps returns the consecutive unpriced sweep count per instrument.
func (m *Manager) OracleGaps() map[string]int {
	m.gapMu.Lock()
	defer m.gapMu.Unlock()
	out := make(map[string]int, len(m.gaps))
	for k, v := range m.gaps {
		out[k] = v
	}
	return out
}

// RunSweeper sweeps every SweepInterval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Infow("sweeper_started", "interval", m.cfg.SweepInterval, "batch", m.cfg.SweepBatchSize)
	var sweeps, closed int
	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("sweeper_stopped", "sweeps", sweeps, "closed", closed)
			return nil
		case <-ticker.C:
			r := m.Sweep(ctx)
			sweeps++
			closed += len(r.Closed)
			if len(r.Closed) > 0 {
				m.logger.Infow("sweep_closed", "checked", r.Checked, "closed", len(r.Closed))
			}
		}
	}
}
