package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New("obelisk")

	m.PositionOpened("BTC", "long")
	m.PositionOpened("BTC", "short")
	m.PositionClosed("BTC", "liquidation", -5, 0.01)
	m.OracleGap("ETH", 3)
	m.LedgerWriteFailed("close")
	m.SetFrozenAccounts(1)
	m.ObserveSweep(5 * time.Millisecond)

	if got := testutil.ToFloat64(m.openPositions.WithLabelValues("BTC")); got != 1 {
		t.Errorf("open BTC = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.realizedPnl.WithLabelValues("loss")); got != 5 {
		t.Errorf("loss = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.oracleGapsOpen.WithLabelValues("ETH")); got != 3 {
		t.Errorf("consecutive gaps = %v, want 3", got)
	}
	m.OracleRecovered("ETH")
	if got := testutil.ToFloat64(m.oracleGapsOpen.WithLabelValues("ETH")); got != 0 {
		t.Errorf("gaps after recovery = %v", got)
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New("obelisk")
	m.PositionOpened("SOL", "long")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `obelisk_positions_opened_total{instrument="SOL",side="long"} 1`) {
		t.Errorf("metrics output missing opened counter:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PositionOpened("BTC", "long")
	m.PositionClosed("BTC", "manual", 1, 0)
	m.Rejected("insufficient_margin")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}
