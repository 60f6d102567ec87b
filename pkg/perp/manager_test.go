package perp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/market"
	"github.com/uhyunpark/obelisk/pkg/oracle"
	"github.com/uhyunpark/obelisk/pkg/storage"
	"github.com/uhyunpark/obelisk/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	m      *Manager
	store  *storage.MemoryStore
	prices *oracle.Static
	clock  *util.ManualClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OracleTimeout = 100 * time.Millisecond
	cfg.LedgerRetries = 2
	cfg.LedgerRetryDelay = time.Millisecond
	cfg.SweepBatchSize = 2
	cfg.GapEscalateAfter = 2
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(),
		prices: oracle.NewStatic(map[string]decimal.Decimal{"BTC": d("100"), "ETH": d("2000")}),
		clock:  util.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.m = h.reopen(t)
	return h
}

// reopen builds a fresh manager over the same store, as after a restart.
func (h *harness) reopen(t *testing.T) *Manager {
	t.Helper()
	reg, err := market.NewRegistryFrom(market.DefaultInstruments())
	require.NoError(t, err)
	m, err := New(testConfig(), Deps{
		Store:       h.store,
		Oracle:      h.prices,
		Funding:     h.prices,
		Instruments: reg,
		Clock:       h.clock,
	})
	require.NoError(t, err)
	return m
}

func (h *harness) open(t *testing.T, venue, inst string, side margin.Side, size string, lev int64) *margin.Position {
	t.Helper()
	p, err := h.m.OpenPosition(context.Background(), OpenRequest{
		Venue: venue, Instrument: inst, Side: side, Size: d(size), Leverage: lev,
	})
	require.NoError(t, err)
	return p
}

func TestFiveDollarScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Deposit(ctx, "mixbot", d("5"))
	require.NoError(t, err)

	p := h.open(t, "mixbot", "BTC", margin.Long, "10", 2)
	assert.True(t, p.EntryPrice.Equal(d("100")))
	assert.True(t, p.OpenFee.Equal(d("0.005")))

	acc, err := h.m.Account("mixbot")
	require.NoError(t, err)
	assert.True(t, acc.Equity.Equal(d("5")), "equity unchanged at open")
	assert.True(t, acc.AvailableMargin().IsZero())

	_, err = h.m.OpenPosition(ctx, OpenRequest{Venue: "mixbot", Instrument: "BTC", Side: margin.Long, Size: d("1"), Leverage: 2})
	var ime *margin.InsufficientMarginError
	require.ErrorAs(t, err, &ime)
	assert.True(t, ime.Available.IsZero())
	assert.True(t, ime.Required.Equal(d("0.5")))

	h.prices.Set("BTC", d("110"))
	res, err := h.m.ClosePosition(ctx, p.ID, margin.ReasonManual)
	require.NoError(t, err)
	assert.True(t, res.Record.GrossPnl.Equal(d("1")))
	assert.True(t, res.Record.Fee.Equal(d("0.01")))
	assert.True(t, res.Record.Pnl.Equal(d("0.99")))
	assert.True(t, res.ReturnedMargin.Equal(d("5")))
	assert.True(t, res.Account.Equity.Equal(d("5.99")))
	assert.Empty(t, h.m.ActivePositionIDs("mixbot"))

	rec, err := h.m.HistoryRecord("mixbot", p.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, margin.ReasonManual, rec.CloseReason)
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("100"))
	require.NoError(t, err)

	cases := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"leverage above max", OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 11}, margin.ErrInvalidLeverage},
		{"zero leverage", OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 0}, margin.ErrInvalidLeverage},
		{"zero size", OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: decimal.Zero, Leverage: 2}, margin.ErrInvalidSize},
		{"bad side", OpenRequest{Venue: "v1", Instrument: "BTC", Side: "up", Size: d("10"), Leverage: 2}, margin.ErrInvalidSide},
		{"unknown instrument", OpenRequest{Venue: "v1", Instrument: "DOGE", Side: margin.Long, Size: d("10"), Leverage: 2}, market.ErrUnknownInstrument},
		{"unknown venue", OpenRequest{Venue: "nobody", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2}, margin.ErrVenueNotFound},
		{"bad venue id", OpenRequest{Venue: "a:b", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2}, margin.ErrInvalidVenue},
		{"stop above long entry", OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2,
			StopLoss: decimal.NewNullDecimal(d("105"))}, margin.ErrInvalidTrigger},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.m.OpenPosition(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, h.m.ActivePositionIDs("v1"))
}

func TestPositionLimit(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("1000"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.open(t, "v1", "BTC", margin.Long, "10", 2)
	}
	_, err = h.m.OpenPosition(context.Background(), OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Short, Size: d("10"), Leverage: 2})
	assert.ErrorIs(t, err, margin.ErrPositionLimit)

	// Other instruments have their own limit.
	h.open(t, "v1", "ETH", margin.Long, "10", 2)
}

func TestConcurrentOpensNeverOverLeverage(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.OpenPosition(context.Background(), OpenRequest{
				Venue: "v1", Instrument: "ETH", Side: margin.Long, Size: d("10"), Leverage: 2,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, margin.ErrInsufficientMargin) || errors.Is(err, margin.ErrPositionLimit) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, 18, rejected)
	acc, err := h.m.Account("v1")
	require.NoError(t, err)
	assert.True(t, acc.MarginUsed().LessThanOrEqual(acc.Equity))
}

func TestConcurrentCloseSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("100"))
	require.NoError(t, err)
	p := h.open(t, "v1", "BTC", margin.Long, "10", 2)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.ClosePosition(context.Background(), p.ID, margin.ReasonManual)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, margin.ErrPositionNotFound)
	}
	assert.Equal(t, 1, succeeded)

	hist, err := h.m.History("v1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestCloseByInstrumentPicksOldest(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("100"))
	require.NoError(t, err)

	first := h.open(t, "v1", "BTC", margin.Long, "10", 2)
	h.clock.Advance(time.Second)
	second := h.open(t, "v1", "BTC", margin.Short, "10", 2)

	res, err := h.m.CloseByInstrument(context.Background(), "v1", "btc")
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.Record.ID)
	assert.Equal(t, []string{second.ID}, h.m.ActivePositionIDs("v1"))

	_, err = h.m.CloseByInstrument(context.Background(), "v1", "ETH")
	assert.ErrorIs(t, err, margin.ErrPositionNotFound)
}

func TestSweepLiquidatesBeforeStopLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("100"))
	require.NoError(t, err)

	withStop := OpenRequest{
		Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2,
		StopLoss: decimal.NewNullDecimal(d("60")),
	}
	p, err := h.m.OpenPosition(ctx, withStop)
	require.NoError(t, err)
	liq, err := h.m.LiquidationPrice(p)
	require.NoError(t, err)
	assert.True(t, liq.Equal(d("55")))

	// Just above the liquidation price only the stop applies.
	h.prices.Set("BTC", d("55.01"))
	r := h.m.Sweep(ctx)
	require.Len(t, r.Closed, 1)
	assert.Equal(t, margin.ReasonStopLoss, r.Closed[0].CloseReason)

	h.prices.Set("BTC", d("100"))
	p, err = h.m.OpenPosition(ctx, withStop)
	require.NoError(t, err)

	h.prices.Set("BTC", d("55"))
	r = h.m.Sweep(ctx)
	require.Len(t, r.Closed, 1)
	assert.Equal(t, p.ID, r.Closed[0].ID)
	assert.Equal(t, margin.ReasonLiquidation, r.Closed[0].CloseReason)
}

func TestSweepLiquidationRealizesLoss(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("5"))
	require.NoError(t, err)
	h.open(t, "v1", "BTC", margin.Long, "10", 2)

	h.prices.Set("BTC", d("55.01"))
	r := h.m.Sweep(context.Background())
	assert.Empty(t, r.Closed)
	assert.Equal(t, 1, r.Checked)

	h.prices.Set("BTC", d("55"))
	r = h.m.Sweep(context.Background())
	require.Len(t, r.Closed, 1)
	rec := r.Closed[0]
	assert.Equal(t, margin.ReasonLiquidation, rec.CloseReason)
	assert.True(t, rec.Pnl.Equal(d("-4.51")), "pnl %s", rec.Pnl)

	acc, err := h.m.Account("v1")
	require.NoError(t, err)
	assert.True(t, acc.Equity.Equal(d("0.49")))
	assert.Empty(t, acc.Positions)
}

func TestSweepTakeProfitAndShortStop(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("100"))
	require.NoError(t, err)

	long, err := h.m.OpenPosition(context.Background(), OpenRequest{
		Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2,
		TakeProfit: decimal.NewNullDecimal(d("120")),
	})
	require.NoError(t, err)
	short, err := h.m.OpenPosition(context.Background(), OpenRequest{
		Venue: "v1", Instrument: "BTC", Side: margin.Short, Size: d("10"), Leverage: 2,
		StopLoss: decimal.NewNullDecimal(d("115")),
	})
	require.NoError(t, err)

	h.prices.Set("BTC", d("125"))
	r := h.m.Sweep(context.Background())
	require.Len(t, r.Closed, 2)
	got := map[string]margin.CloseReason{}
	for _, rec := range r.Closed {
		got[rec.ID] = rec.CloseReason
	}
	assert.Equal(t, margin.ReasonTakeProfit, got[long.ID])
	assert.Equal(t, margin.ReasonStopLoss, got[short.ID])
}

func TestSweepOracleGap(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Deposit(context.Background(), "v1", d("100"))
	require.NoError(t, err)
	p := h.open(t, "v1", "BTC", margin.Long, "10", 2)
	h.open(t, "v1", "ETH", margin.Long, "10", 2)

	h.prices.Remove("BTC")
	for i := 0; i < 3; i++ {
		r := h.m.Sweep(context.Background())
		assert.Equal(t, []string{"BTC"}, r.Unpriced)
		assert.Equal(t, 1, r.Checked)
	}
	assert.Equal(t, 3, h.m.OracleGaps()["BTC"])
	assert.Contains(t, h.m.ActivePositionIDs("v1"), p.ID)

	h.prices.Set("BTC", d("100"))
	h.m.Sweep(context.Background())
	assert.NotContains(t, h.m.OracleGaps(), "BTC")
}

type blockingOracle struct{ release chan struct{} }

func (b blockingOracle) MarkPrice(context.Context, string) (decimal.Decimal, error) {
	<-b.release
	return d("100"), nil
}

func TestOracleTimeoutBoundsOpen(t *testing.T) {
	store := storage.NewMemoryStore()
	reg, err := market.NewRegistryFrom(market.DefaultInstruments())
	require.NoError(t, err)
	block := blockingOracle{release: make(chan struct{})}
	defer close(block.release)

	m, err := New(testConfig(), Deps{Store: store, Oracle: block, Instruments: reg})
	require.NoError(t, err)
	_, err = m.Deposit(context.Background(), "v1", d("100"))
	require.NoError(t, err)

	start := time.Now()
	_, err = m.OpenPosition(context.Background(), OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2})
	assert.ErrorIs(t, err, margin.ErrOracleUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	acc, err := m.Account("v1")
	require.NoError(t, err)
	assert.Empty(t, acc.Positions)

	// Deposits never wait on the oracle.
	_, err = m.Deposit(context.Background(), "v1", d("1"))
	assert.NoError(t, err)
}

func TestLedgerWriteFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("100"))
	require.NoError(t, err)
	p := h.open(t, "v1", "BTC", margin.Long, "10", 2)

	h.store.FailWrites(true)

	_, err = h.m.OpenPosition(ctx, OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2})
	assert.ErrorIs(t, err, margin.ErrLedgerWriteFailed)
	_, err = h.m.ClosePosition(ctx, p.ID, margin.ReasonManual)
	assert.ErrorIs(t, err, margin.ErrLedgerWriteFailed)
	_, err = h.m.Deposit(ctx, "v1", d("5"))
	assert.ErrorIs(t, err, margin.ErrLedgerWriteFailed)
	_, err = h.m.Deposit(ctx, "fresh", d("5"))
	assert.ErrorIs(t, err, margin.ErrLedgerWriteFailed)

	h.prices.Set("BTC", d("50"))
	r := h.m.Sweep(ctx)
	assert.Empty(t, r.Closed)

	acc, err := h.m.Account("v1")
	require.NoError(t, err)
	assert.True(t, acc.Equity.Equal(d("100")))
	assert.Equal(t, []string{p.ID}, h.m.ActivePositionIDs("v1"))
	_, err = h.m.Account("fresh")
	assert.ErrorIs(t, err, margin.ErrVenueNotFound)

	h.store.FailWrites(false)
	r = h.m.Sweep(ctx)
	require.Len(t, r.Closed, 1)
	assert.Equal(t, margin.ReasonLiquidation, r.Closed[0].CloseReason)
}

// stallingStore holds the first SaveAccount until release is closed and then
// fails it. Later writes go through.
type stallingStore struct {
	*storage.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) SaveAccount(acc *margin.Account) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveAccount(acc)
}

func TestFailedFirstDepositKeepsConcurrentDeposit(t *testing.T) {
	store := &stallingStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	reg, err := market.NewRegistryFrom(market.DefaultInstruments())
	require.NoError(t, err)
	m, err := New(testConfig(), Deps{
		Store:       store,
		Oracle:      oracle.NewStatic(map[string]decimal.Decimal{"BTC": d("100")}),
		Instruments: reg,
		Clock:       util.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	ctx := context.Background()

	errA := make(chan error, 1)
	go func() {
		_, err := m.Deposit(ctx, "v1", d("5"))
		errA <- err
	}()
	<-store.entered

	// B finds the slot A created and queues on its lock behind A's write.
	errB := make(chan error, 1)
	go func() {
		_, err := m.Deposit(ctx, "v1", d("7"))
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	assert.ErrorIs(t, <-errA, margin.ErrLedgerWriteFailed)
	require.NoError(t, <-errB)

	acc, err := m.Account("v1")
	require.NoError(t, err, "a successful deposit must stay reachable")
	assert.True(t, acc.Deposited.Equal(d("7")), "deposited = %s", acc.Deposited)

	_, err = m.Deposit(ctx, "v1", d("3"))
	require.NoError(t, err)
	stored, err := store.LoadAccount("v1")
	require.NoError(t, err)
	assert.True(t, stored.Deposited.Equal(d("10")), "stored deposited = %s", stored.Deposited)
}

type brokenJournal struct {
	mu    sync.Mutex
	stamp []time.Time
}

func (j *brokenJournal) Append(at time.Time, event string, fields map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stamp = append(j.stamp, at)
	return errors.New("journal disk full")
}

func TestJournalUsesClockAndNeverBlocksLedger(t *testing.T) {
	h := newHarness(t)
	journal := &brokenJournal{}
	reg, err := market.NewRegistryFrom(market.DefaultInstruments())
	require.NoError(t, err)
	m, err := New(testConfig(), Deps{
		Store:       h.store,
		Oracle:      h.prices,
		Instruments: reg,
		Clock:       h.clock,
		Journal:     journal,
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = m.Deposit(context.Background(), "v1", d("10"))
	require.NoError(t, err)

	require.Len(t, journal.stamp, 1)
	assert.True(t, journal.stamp[0].Equal(h.clock.Now()))
}

func TestRestartRestoresPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("100"))
	require.NoError(t, err)
	p := h.open(t, "v1", "ETH", margin.Short, "40", 4)

	m2 := h.reopen(t)
	assert.Equal(t, []string{p.ID}, m2.ActivePositionIDs("v1"))

	h.prices.Set("ETH", d("1800"))
	res, err := m2.ClosePosition(ctx, p.ID, margin.ReasonManual)
	require.NoError(t, err)
	// 10% move on 40 notional, less 0.04 in fees.
	assert.True(t, res.Record.Pnl.Equal(d("3.96")), "pnl %s", res.Record.Pnl)
	assert.True(t, res.Account.Equity.Equal(d("103.96")))
}

func TestInvariantViolationFreezesAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("100"))
	require.NoError(t, err)

	h.store.Corrupt("v1", func(a *margin.Account) { a.Equity = d("999") })
	h.m = h.reopen(t)

	acc, err := h.m.Account("v1")
	require.NoError(t, err)
	assert.True(t, acc.Frozen)
	assert.NotEmpty(t, acc.FrozenReason)

	_, err = h.m.Deposit(ctx, "v1", d("1"))
	assert.ErrorIs(t, err, margin.ErrAccountFrozen)
	_, err = h.m.OpenPosition(ctx, OpenRequest{Venue: "v1", Instrument: "BTC", Side: margin.Long, Size: d("10"), Leverage: 2})
	assert.ErrorIs(t, err, margin.ErrAccountFrozen)

	_, err = h.m.Thaw(ctx, "v1")
	assert.ErrorIs(t, err, margin.ErrInvariantViolation)

	h.store.Corrupt("v1", func(a *margin.Account) { a.Equity = a.Deposited.Add(a.RealizedPnl) })
	acc, err = h.m.Thaw(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, acc.Frozen)

	_, err = h.m.Deposit(ctx, "v1", d("1"))
	assert.NoError(t, err)
}

func TestRepairFixesStoredRowsWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("100"))
	require.NoError(t, err)
	p := h.open(t, "v1", "BTC", margin.Long, "10", 2)

	h.store.Corrupt("v1", func(a *margin.Account) { a.Equity = d("999") })
	h.m = h.reopen(t)
	acc, err := h.m.Account("v1")
	require.NoError(t, err)
	require.True(t, acc.Frozen)

	// The stored rows are still wrong, so a plain thaw is refused.
	_, err = h.m.Thaw(ctx, "v1")
	assert.ErrorIs(t, err, margin.ErrInvariantViolation)

	acc, changes, err := h.m.Repair(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, acc.Frozen)
	assert.True(t, acc.Equity.Equal(d("100")))
	require.Len(t, changes, 2)
	assert.Equal(t, "equity 999 -> 100", changes[0])

	stored, err := h.store.LoadAccount("v1")
	require.NoError(t, err)
	assert.False(t, stored.Frozen)
	assert.NoError(t, stored.CheckInvariant())

	assert.Equal(t, []string{p.ID}, h.m.ActivePositionIDs("v1"))
	_, err = h.m.ClosePosition(ctx, p.ID, margin.ReasonManual)
	require.NoError(t, err)

	_, changes, err = h.m.Repair(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestFundingAccrual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Deposit(ctx, "v1", d("1000"))
	require.NoError(t, err)
	long := h.open(t, "v1", "BTC", margin.Long, "1000", 2)
	short := h.open(t, "v1", "ETH", margin.Short, "1000", 2)

	// ETH uses the live rate, BTC falls back to the configured 0.0001.
	h.prices.SetFunding("ETH", d("0.0002"))

	r := h.m.AccrueFunding(ctx)
	assert.Equal(t, 2, r.Positions)
	assert.True(t, r.Rates["BTC"].Equal(d("0.0001")))
	assert.True(t, r.Rates["ETH"].Equal(d("0.0002")))

	acc, err := h.m.Account("v1")
	require.NoError(t, err)
	assert.True(t, acc.Position(long.ID).Funding.Equal(d("-0.1")))
	assert.True(t, acc.Position(short.ID).Funding.Equal(d("0.2")))

	res, err := h.m.ClosePosition(ctx, long.ID, margin.ReasonManual)
	require.NoError(t, err)
	// Flat price: only funding and both fee legs.
	assert.True(t, res.Record.Pnl.Equal(d("-1.1")), "pnl %s", res.Record.Pnl)
}
