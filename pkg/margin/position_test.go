package margin

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPos(side Side, entry, size string, lev int64) *Position {
	return &Position{
		ID:         "p1",
		Venue:      "test",
		Instrument: "BTC",
		Side:       side,
		Size:       d(size),
		Leverage:   lev,
		EntryPrice: d(entry),
		OpenFee:    decimal.Zero,
		Funding:    decimal.Zero,
	}
}

func TestLiquidationPrice(t *testing.T) {
	tests := []struct {
		name string
		side Side
		lev  int64
		mmr  string
		want string
	}{
		{"long 10x", Long, 10, "0.05", "95"},
		{"short 10x", Short, 10, "0.05", "105"},
		{"long 1x", Long, 1, "0.05", "5"},
		{"short 5x", Short, 5, "0.1", "110"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPos(tt.side, "100", "1000", tt.lev)
			got := p.LiquidationPrice(d(tt.mmr))
			assert.True(t, got.Equal(d(tt.want)), "liquidation price = %s, want %s", got, tt.want)
		})
	}
}

func TestLiquidationBoundary(t *testing.T) {
	p := newPos(Long, "100", "1000", 10)
	mmr := d("0.05")

	reason, hit := p.Evaluate(d("95"), mmr)
	require.True(t, hit, "mark 95 must liquidate")
	assert.Equal(t, ReasonLiquidation, reason)

	_, hit = p.Evaluate(d("94"), mmr)
	assert.True(t, hit, "mark below 95 must liquidate")

	_, hit = p.Evaluate(d("95.01"), mmr)
	assert.False(t, hit, "mark 95.01 must not liquidate")
}

func TestUnrealizedPnlSign(t *testing.T) {
	long := newPos(Long, "100", "1000", 2)
	short := newPos(Short, "100", "1000", 2)

	assert.True(t, long.UnrealizedPnl(d("110")).Equal(d("100")))
	assert.True(t, short.UnrealizedPnl(d("110")).Equal(d("-100")))
	assert.True(t, long.UnrealizedPnl(d("100")).IsZero())
}

func TestMarginRatio(t *testing.T) {
	p := newPos(Long, "100", "1000", 10)
	assert.True(t, p.MarginUsed().Equal(d("100")))
	assert.True(t, p.MarginRatio(d("100")).Equal(d("0.1")))
	assert.True(t, p.MarginRatio(d("95")).Equal(d("0.05")))
}

func TestExitTriggers(t *testing.T) {
	long := newPos(Long, "100", "1000", 2)
	long.StopLoss = decimal.NewNullDecimal(d("90"))
	long.TakeProfit = decimal.NewNullDecimal(d("120"))

	short := newPos(Short, "100", "1000", 2)
	short.StopLoss = decimal.NewNullDecimal(d("110"))
	short.TakeProfit = decimal.NewNullDecimal(d("80"))

	tests := []struct {
		name   string
		pos    *Position
		mark   string
		want   CloseReason
		wantOK bool
	}{
		{"long in range", long, "100", "", false},
		{"long stop", long, "90", ReasonStopLoss, true},
		{"long take", long, "121", ReasonTakeProfit, true},
		{"short in range", short, "100", "", false},
		{"short stop", short, "110", ReasonStopLoss, true},
		{"short take", short, "79.5", ReasonTakeProfit, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.pos.ExitTrigger(d(tt.mark))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiquidationBeatsStopLoss(t *testing.T) {
	p := newPos(Long, "100", "1000", 10)
	p.StopLoss = decimal.NewNullDecimal(d("96"))

	reason, ok := p.Evaluate(d("94"), d("0.05"))
	require.True(t, ok)
	assert.Equal(t, ReasonLiquidation, reason)

	reason, ok = p.Evaluate(d("95.5"), d("0.05"))
	require.True(t, ok)
	assert.Equal(t, ReasonStopLoss, reason)
}

func TestValidateTriggers(t *testing.T) {
	p := newPos(Long, "100", "1000", 2)
	p.StopLoss = decimal.NewNullDecimal(d("101"))
	assert.ErrorIs(t, p.ValidateTriggers(), ErrInvalidTrigger)

	p.StopLoss = decimal.NewNullDecimal(d("99"))
	p.TakeProfit = decimal.NewNullDecimal(d("98"))
	assert.ErrorIs(t, p.ValidateTriggers(), ErrInvalidTrigger)

	p.TakeProfit = decimal.NewNullDecimal(d("130"))
	assert.NoError(t, p.ValidateTriggers())
}

func TestSettleNetsFeesAndFunding(t *testing.T) {
	p := newPos(Long, "100", "1000", 10)
	p.OpenFee = d("0.5")
	p.AccrueFunding(d("0.0001"), 1)
	assert.True(t, p.Funding.Equal(d("-0.1")))

	rec := p.Settle(d("110"), d("0.0005"), ReasonManual, 42)
	assert.True(t, rec.GrossPnl.Equal(d("100")))
	assert.True(t, rec.Fee.Equal(d("1")))
	assert.True(t, rec.Pnl.Equal(d("98.9")), "pnl = %s", rec.Pnl)
	assert.Equal(t, int64(42), rec.ClosedAt)
	assert.Equal(t, "p1", rec.ID)
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"long": Long, "BUY": Long, "short": Short, " sell ": Short} {
		got, err := ParseSide(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSide("sideways")
	assert.ErrorIs(t, err, ErrInvalidSide)
}
