// Package perp implements the position manager: opening, closing, liquidating
// and funding leveraged positions against per-venue margin accounts.
package perp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/market"
	"github.com/uhyunpark/obelisk/pkg/metrics"
	"github.com/uhyunpark/obelisk/pkg/notify"
	"github.com/uhyunpark/obelisk/pkg/oracle"
	"github.com/uhyunpark/obelisk/pkg/storage"
	"github.com/uhyunpark/obelisk/pkg/util"
)

// Config tunes the manager's timing and retry behavior.
type Config struct {
	OracleTimeout    time.Duration // bound on every price fetch
	SweepInterval    time.Duration
	SweepBatchSize   int // positions evaluated per batch in one sweep
	GapEscalateAfter int // consecutive unpriced sweeps before an error-level alert
	FundingInterval  time.Duration
	LedgerRetries    int // write attempts on background paths
	LedgerRetryDelay time.Duration
	HistoryLimit     int // cap on records returned by History
}

func DefaultConfig() Config {
	return Config{
		OracleTimeout:    5 * time.Second,
		SweepInterval:    2 * time.Second,
		SweepBatchSize:   50,
		GapEscalateAfter: 5,
		FundingInterval:  8 * time.Hour,
		LedgerRetries:    3,
		LedgerRetryDelay: 50 * time.Millisecond,
		HistoryLimit:     500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = d.OracleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.GapEscalateAfter <= 0 {
		c.GapEscalateAfter = d.GapEscalateAfter
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = d.FundingInterval
	}
	if c.LedgerRetries <= 0 {
		c.LedgerRetries = d.LedgerRetries
	}
	if c.LedgerRetryDelay <= 0 {
		c.LedgerRetryDelay = d.LedgerRetryDelay
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

// Deps are the collaborators of a Manager. Funding, Publisher, Journal and
// Metrics are optional.
type Deps struct {
	Store       storage.LedgerStore
	Oracle      oracle.Oracle
	Funding     oracle.FundingSource
	Instruments *market.Registry
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	Publisher   notify.Publisher
	Journal     storage.Journal
	Metrics     *metrics.Metrics
}

// Manager owns every margin account in memory and writes each transition to
// the ledger store before making it visible.
//
// Locking: each account has its own mutex (slot.mu) that serializes deposit,
// open, close, liquidation and funding on that venue. m.mu guards the slot
// and position-index maps only and is never held while acquiring a slot lock.
// No lock is held across an oracle call.
type Manager struct {
	cfg         Config
	store       storage.LedgerStore
	oracle      oracle.Oracle
	funding     oracle.FundingSource
	instruments *market.Registry
	clock       util.Clock
	logger      *zap.SugaredLogger
	pub         notify.Publisher
	journal     storage.Journal
	metrics     *metrics.Metrics

	mu    sync.RWMutex
	slots map[string]*slot
	index map[string]string // position id -> venue

	frozen atomic.Int64

	gapMu sync.Mutex
	gaps  map[string]int // instrument -> consecutive unpriced sweeps
}

type slot struct {
	mu  sync.Mutex
	acc *margin.Account
	// dead marks a slot dropped after its first deposit failed. Waiters that
	// picked it up before the drop must look the venue up again.
	dead bool
}

// New builds a manager and loads every persisted account. Accounts failing
// the ledger invariant are frozen, not rejected.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Oracle == nil || deps.Instruments == nil {
		return nil, errors.New("perp: store, oracle and instruments are required")
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Journal == nil {
		deps.Journal = storage.NopJournal{}
	}

	m := &Manager{
		cfg:         cfg.withDefaults(),
		store:       deps.Store,
		oracle:      deps.Oracle,
		funding:     deps.Funding,
		instruments: deps.Instruments,
		clock:       deps.Clock,
		logger:      deps.Logger,
		pub:         deps.Publisher,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		slots:       make(map[string]*slot),
		index:       make(map[string]string),
		gaps:        make(map[string]int),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	accounts, err := m.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	perInstrument := make(map[string]int)
	for _, acc := range accounts {
		if err := acc.CheckInvariant(); err != nil && !acc.Frozen {
			m.freeze(acc, err)
		}
		if acc.Frozen {
			m.frozen.Add(1)
		}
		m.slots[acc.Venue] = &slot{acc: acc}
		for _, p := range acc.Positions {
			m.index[p.ID] = acc.Venue
			perInstrument[p.Instrument]++
		}
	}
	for inst, n := range perInstrument {
		m.metrics.SetOpenPositions(inst, n)
	}
	m.metrics.SetFrozenAccounts(int(m.frozen.Load()))

	m.logger.Infow("ledger_loaded",
		"accounts", len(accounts),
		"open_positions", len(m.index),
		"frozen", m.frozen.Load())
	return nil
}

// freeze flags acc read-only and tries to persist the flag. The caller holds
// the account's slot lock (or owns acc exclusively during load).
func (m *Manager) freeze(acc *margin.Account, cause error) {
	acc.Freeze(cause.Error(), util.NowMillis(m.clock))
	if err := m.store.SaveAccount(acc); err != nil {
		m.logger.Errorw("freeze_persist_failed", "venue", acc.Venue, "err", err)
	}
	m.logger.Errorw("account_frozen", "venue", acc.Venue, "reason", acc.FrozenReason)
	m.audit(notify.EventAccountFrozen, map[string]any{"venue": acc.Venue, "reason": acc.FrozenReason})
	m.pub.Publish(notify.Event{Type: notify.EventAccountFrozen, Venue: acc.Venue, Timestamp: acc.LastUpdated})
}

// audit appends to the journal. The journal is informational, so a failed
// append is logged and the ledger operation still stands.
func (m *Manager) audit(event string, fields map[string]any) {
	if err := m.journal.Append(m.clock.Now(), event, fields); err != nil {
		m.logger.Warnw("journal_append_failed", "event", event, "err", err)
	}
}

func (m *Manager) slot(venue string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", margin.ErrVenueNotFound, venue)
	}
	return s, nil
}

// allSlots returns the slots sorted by venue, so sweeps visit accounts in a
// stable order.
func (m *Manager) allSlots() []*slot {
	m.mu.RLock()
	venues := make([]string, 0, len(m.slots))
	for v := range m.slots {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	out := make([]*slot, len(venues))
	for i, v := range venues {
		out[i] = m.slots[v]
	}
	m.mu.RUnlock()
	return out
}

// Deposit credits collateral to venue, creating the account on first deposit.
func (m *Manager) Deposit(ctx context.Context, venue string, amount decimal.Decimal) (*margin.Account, error) {
	if err := margin.ValidateVenueID(venue); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be positive, got %s", margin.ErrInvalidAmount, amount)
	}

	s, created := m.lockDepositSlot(venue)
	defer s.mu.Unlock()

	if s.acc.Frozen {
		return nil, fmt.Errorf("%w: %s", margin.ErrAccountFrozen, venue)
	}
	next := s.acc.Clone()
	if err := next.Deposit(amount, util.NowMillis(m.clock)); err != nil {
		return nil, err
	}
	if err := m.store.SaveAccount(next); err != nil {
		m.metrics.LedgerWriteFailed("deposit")
		if created {
			m.dropIfEmpty(venue, s)
		}
		return nil, fmt.Errorf("%w: deposit %s: %v", margin.ErrLedgerWriteFailed, venue, err)
	}
	s.acc = next

	m.logger.Infow("deposit", "venue", venue, "amount", amount.String(), "equity", next.Equity.String())
	m.audit(notify.EventDeposit, map[string]any{
		"venue": venue, "amount": amount.String(), "equity": next.Equity.String(),
	})
	snap := next.Clone()
	m.pub.Publish(notify.Event{Type: notify.EventDeposit, Venue: venue, Account: snap, Timestamp: next.LastUpdated})
	return snap, nil
}

// lockDepositSlot returns the venue's slot locked, creating it on first use.
// The bool reports whether this call made the slot.
func (m *Manager) lockDepositSlot(venue string) (*slot, bool) {
	for {
		m.mu.Lock()
		s, ok := m.slots[venue]
		if !ok {
			s = &slot{acc: margin.NewAccount(venue, util.NowMillis(m.clock))}
			m.slots[venue] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s, !ok
		}
		s.mu.Unlock()
	}
}

// dropIfEmpty forgets an account that was created for a deposit that never
// reached the ledger. Caller holds s.mu.
func (m *Manager) dropIfEmpty(venue string, s *slot) {
	if !s.acc.Deposited.IsZero() {
		return
	}
	s.dead = true
	m.mu.Lock()
	if m.slots[venue] == s {
		delete(m.slots, venue)
	}
	m.mu.Unlock()
}

// Account returns a snapshot of the venue's account. Reading an account
// re-checks the ledger invariant and freezes the account if it fails.
func (m *Manager) Account(venue string) (*margin.Account, error) {
	s, err := m.slot(venue)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acc.Frozen {
		if err := s.acc.CheckInvariant(); err != nil {
			m.freeze(s.acc, err)
			m.frozen.Add(1)
			m.metrics.SetFrozenAccounts(int(m.frozen.Load()))
		}
	}
	return s.acc.Clone(), nil
}

// Accounts returns snapshots of all accounts sorted by venue.
func (m *Manager) Accounts() []*margin.Account {
	slots := m.allSlots()
	out := make([]*margin.Account, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.acc.Clone())
		s.mu.Unlock()
	}
	return out
}

// ActivePositionIDs lists the venue's open position ids in open order.
// Unknown venues have none.
func (m *Manager) ActivePositionIDs(venue string) []string {
	s, err := m.slot(venue)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.acc.Positions))
	for i, p := range s.acc.Positions {
		ids[i] = p.ID
	}
	return ids
}

// HistoryRecord returns the terminal record of a closed position, or nil.
func (m *Manager) HistoryRecord(venue, id string) (*margin.ClosedPosition, error) {
	return m.store.HistoryRecord(venue, id)
}

// History lists the venue's closed positions, newest first, capped at the
// configured history limit.
func (m *Manager) History(venue string, limit int) ([]*margin.ClosedPosition, error) {
	if limit <= 0 || limit > m.cfg.HistoryLimit {
		limit = m.cfg.HistoryLimit
	}
	return m.store.History(venue, limit)
}

// Thaw lifts a freeze. The account is re-read from the ledger store and the
// invariant must hold on what was read, so Thaw succeeds when the freeze came
// from in-memory drift or the stored rows were already fixed. Rows that are
// themselves wrong need Repair.
func (m *Manager) Thaw(ctx context.Context, venue string) (*margin.Account, error) {
	s, err := m.slot(venue)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acc.Frozen {
		return s.acc.Clone(), nil
	}
	stored, err := m.store.LoadAccount(venue)
	if err != nil {
		return nil, fmt.Errorf("%w: reload %s: %v", margin.ErrLedgerWriteFailed, venue, err)
	}
	if stored == nil {
		stored = s.acc.Clone()
	}
	if err := stored.CheckInvariant(); err != nil {
		return nil, err
	}
	stored.Frozen, stored.FrozenReason = false, ""
	stored.LastUpdated = util.NowMillis(m.clock)
	if err := m.store.SaveAccount(stored); err != nil {
		return nil, fmt.Errorf("%w: thaw %s: %v", margin.ErrLedgerWriteFailed, venue, err)
	}
	m.install(s, stored)

	m.logger.Infow("account_thawed", "venue", venue, "equity", stored.Equity.String())
	return stored.Clone(), nil
}

// Repair fixes a venue's stored rows while the server runs, with the same
// rules as margin.Account.Repair. It returns the repaired account and one
// line per change; an account that needed nothing comes back unchanged.
func (m *Manager) Repair(ctx context.Context, venue string) (*margin.Account, []string, error) {
	s, err := m.slot(venue)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := m.store.LoadAccount(venue)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reload %s: %v", margin.ErrLedgerWriteFailed, venue, err)
	}
	if stored == nil {
		stored = s.acc.Clone()
	}
	changes, reowned, err := stored.Repair(util.NowMillis(m.clock))
	if err != nil {
		return nil, changes, err
	}
	if len(changes) == 0 && !s.acc.Frozen {
		return s.acc.Clone(), nil, nil
	}
	if len(reowned) > 0 {
		err = m.store.SavePositions(stored, reowned)
	} else {
		err = m.store.SaveAccount(stored)
	}
	if err != nil {
		m.metrics.LedgerWriteFailed("repair")
		return nil, nil, fmt.Errorf("%w: repair %s: %v", margin.ErrLedgerWriteFailed, venue, err)
	}
	m.install(s, stored)

	m.logger.Warnw("account_repaired", "venue", venue, "changes", changes, "equity", stored.Equity.String())
	m.audit(notify.EventAccountRepaired, map[string]any{"venue": venue, "changes": changes})
	m.pub.Publish(notify.Event{Type: notify.EventAccountRepaired, Venue: venue, Account: stored.Clone(), Timestamp: stored.LastUpdated})
	return stored.Clone(), changes, nil
}

// install swaps acc into s, reindexing its positions. A frozen slot replaced
// by a live account leaves the frozen count. Caller holds s.mu.
func (m *Manager) install(s *slot, acc *margin.Account) {
	m.mu.Lock()
	for _, p := range s.acc.Positions {
		delete(m.index, p.ID)
	}
	for _, p := range acc.Positions {
		m.index[p.ID] = acc.Venue
	}
	m.mu.Unlock()

	if s.acc.Frozen && !acc.Frozen {
		m.frozen.Add(-1)
		m.metrics.SetFrozenAccounts(int(m.frozen.Load()))
	}
	s.acc = acc
}

// markPrice fetches a price with the configured timeout. The call runs in its
// own goroutine so an oracle that ignores ctx still cannot stall the caller.
func (m *Manager) markPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OracleTimeout)
	defer cancel()

	type result struct {
		price decimal.Decimal
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := m.oracle.MarkPrice(ctx, instrument)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", margin.ErrOracleUnavailable, instrument, r.err)
		}
		if !r.price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", margin.ErrOracleUnavailable, instrument, r.price)
		}
		return r.price, nil
	case <-ctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %s: %v", margin.ErrOracleUnavailable, instrument, ctx.Err())
	}
}
