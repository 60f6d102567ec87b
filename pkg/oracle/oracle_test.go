package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/obelisk/pkg/util"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type countingOracle struct {
	calls atomic.Int32
	err   error
	price decimal.Decimal
}

func (c *countingOracle) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	c.calls.Add(1)
	if c.err != nil {
		return decimal.Zero, c.err
	}
	return c.price, nil
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string]decimal.Decimal{"btc": dec("100")})
	ctx := context.Background()

	p, err := s.MarkPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("100")))

	s.Remove("BTC")
	_, err = s.MarkPrice(ctx, "BTC")
	assert.ErrorIs(t, err, ErrNoPrice)

	s.Set("eth", dec("2000"))
	p, err = s.MarkPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("2000")))

	_, err = s.FundingRate(ctx, "ETH")
	assert.ErrorIs(t, err, ErrNoPrice)
	s.SetFunding("ETH", dec("-0.0002"))
	r, err := s.FundingRate(ctx, "eth")
	require.NoError(t, err)
	assert.True(t, r.Equal(dec("-0.0002")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.MarkPrice(cancelled, "ETH")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCachedServesWithinTTL(t *testing.T) {
	src := &countingOracle{price: dec("50")}
	c := NewCached(src, 8, time.Hour)

	for i := 0; i < 5; i++ {
		p, err := c.MarkPrice(context.Background(), "SOL")
		require.NoError(t, err)
		assert.True(t, p.Equal(dec("50")))
	}
	assert.Equal(t, int32(1), src.calls.Load())

	c.Invalidate("sol")
	_, _ = c.MarkPrice(context.Background(), "SOL")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	src := &countingOracle{err: ErrNoPrice}
	c := NewCached(src, 8, time.Hour)

	_, err := c.MarkPrice(context.Background(), "SOL")
	assert.ErrorIs(t, err, ErrNoPrice)
	_, _ = c.MarkPrice(context.Background(), "SOL")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCachedExpires(t *testing.T) {
	src := &countingOracle{price: dec("1")}
	c := NewCached(src, 8, 20*time.Millisecond)

	_, _ = c.MarkPrice(context.Background(), "ARB")
	time.Sleep(60 * time.Millisecond)
	_, _ = c.MarkPrice(context.Background(), "ARB")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	src := &countingOracle{err: errors.New("feed down")}
	clock := util.NewManualClock(time.UnixMilli(0))
	b := NewBreaker(src, 3, time.Minute, clock, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.MarkPrice(ctx, "BTC")
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := b.MarkPrice(ctx, "BTC")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), src.calls.Load(), "open breaker must not call the source")

	clock.Advance(time.Minute)
	src.err = nil
	src.price = dec("100")
	p, err := b.MarkPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("100")))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	src := &countingOracle{err: errors.New("feed down")}
	clock := util.NewManualClock(time.UnixMilli(0))
	b := NewBreaker(src, 1, time.Second, clock, zap.NewNop().Sugar())

	_, _ = b.MarkPrice(context.Background(), "BTC")
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Second)
	_, err := b.MarkPrice(context.Background(), "BTC")
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())
}

func TestBinancePremiumIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/premiumIndex" {
			http.NotFound(w, r)
			return
		}
		sym := r.URL.Query().Get("symbol")
		if sym != "BTCUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbol":"BTCUSDT","markPrice":"64123.45000000","indexPrice":"64110.1","estimatedSettlePrice":"64100","lastFundingRate":"0.00010000","interestRate":"0.0001","nextFundingTime":1700000000000,"time":1699990000000}`)
	}))
	defer srv.Close()

	b := NewBinance(BinanceConfig{BaseURL: srv.URL, HTTPTimeout: time.Second})
	ctx := context.Background()

	p, err := b.MarkPrice(ctx, "btc")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("64123.45")), "mark = %s", p)

	r, err := b.FundingRate(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, r.Equal(dec("0.0001")))

	_, err = b.MarkPrice(ctx, "NOPE")
	assert.Error(t, err)
}
