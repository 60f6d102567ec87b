// Package metrics exposes ledger health as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	openPositions   *prometheus.GaugeVec
	realizedPnl     *prometheus.CounterVec
	feesCollected   prometheus.Counter
	oracleGaps      *prometheus.CounterVec
	oracleGapsOpen  *prometheus.GaugeVec
	ledgerFailures  *prometheus.CounterVec
	frozenAccounts  prometheus.Gauge
	sweepDuration   prometheus.Histogram
	rejections      *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened, by instrument and side",
		}, []string{"instrument", "side"}),
		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed, by instrument and close reason",
		}, []string{"instrument", "reason"}),
		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions by instrument",
		}, []string{"instrument"}),
		realizedPnl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_pnl_abs_total",
			Help:      "Absolute realized PnL in quote currency, split by sign",
		}, []string{"sign"}),
		feesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_total",
			Help:      "Trading fees realized at close, in quote currency",
		}),
		oracleGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_gaps_total",
			Help:      "Sweep ticks that could not price an instrument",
		}, []string{"instrument"}),
		oracleGapsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_consecutive_gaps",
			Help:      "Consecutive unpriced sweep ticks per instrument",
		}, []string{"instrument"}),
		ledgerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Ledger writes that failed after retries",
		}, []string{"op"}),
		frozenAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frozen_accounts",
			Help:      "Accounts frozen after an invariant violation",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one liquidation sweep",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_rejections_total",
			Help:      "Rejected open requests by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.openPositions,
		m.realizedPnl,
		m.feesCollected,
		m.oracleGaps,
		m.oracleGapsOpen,
		m.ledgerFailures,
		m.frozenAccounts,
		m.sweepDuration,
		m.rejections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PositionOpened(instrument, side string) {
	if m == nil {
		return
	}
	m.positionsOpened.WithLabelValues(instrument, side).Inc()
	m.openPositions.WithLabelValues(instrument).Inc()
}

func (m *Metrics) PositionClosed(instrument, reason string, pnl, fee float64) {
	if m == nil {
		return
	}
	m.positionsClosed.WithLabelValues(instrument, reason).Inc()
	m.openPositions.WithLabelValues(instrument).Dec()
	if pnl >= 0 {
		m.realizedPnl.WithLabelValues("profit").Add(pnl)
	} else {
		m.realizedPnl.WithLabelValues("loss").Add(-pnl)
	}
	if fee > 0 {
		m.feesCollected.Add(fee)
	}
}

// SetOpenPositions resets the gauge, used after loading the ledger on startup.
func (m *Metrics) SetOpenPositions(instrument string, n int) {
	if m == nil {
		return
	}
	m.openPositions.WithLabelValues(instrument).Set(float64(n))
}

func (m *Metrics) OracleGap(instrument string, consecutive int) {
	if m == nil {
		return
	}
	m.oracleGaps.WithLabelValues(instrument).Inc()
	m.oracleGapsOpen.WithLabelValues(instrument).Set(float64(consecutive))
}

func (m *Metrics) OracleRecovered(instrument string) {
	if m == nil {
		return
	}
	m.oracleGapsOpen.WithLabelValues(instrument).Set(0)
}

func (m *Metrics) LedgerWriteFailed(op string) {
	if m == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SetFrozenAccounts(n int) {
	if m == nil {
		return
	}
	m.frozenAccounts.Set(float64(n))
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}
