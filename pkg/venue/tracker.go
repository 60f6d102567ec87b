package venue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/util"
)

// Ledger is the authoritative view the tracker reconciles against.
type Ledger interface {
	// Account returns a snapshot, or an error wrapping margin.ErrVenueNotFound.
	Account(venue string) (*margin.Account, error)
	// History lists closed positions newest first; limit <= 0 means the
	// ledger's own cap.
	History(venue string, limit int) ([]*margin.ClosedPosition, error)
	HistoryRecord(venue, id string) (*margin.ClosedPosition, error)
}

// BookStore persists shadow books.
type BookStore interface {
	// LoadBook returns nil, nil for an unknown venue.
	LoadBook(venue string) (*Book, error)
	SaveBook(book *Book) error
}

// Tracker owns the shadow books of all venues. Every change is staged on a
// copy, saved, and only then made visible.
type Tracker struct {
	mu     sync.Mutex
	books  map[string]*Book
	ledger Ledger
	store  BookStore
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewTracker(ledger Ledger, store BookStore, clock util.Clock, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		books:  make(map[string]*Book),
		ledger: ledger,
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// bookLocked returns the cached book, loading or creating it on first use.
func (t *Tracker) bookLocked(venue string) (*Book, error) {
	if b, ok := t.books[venue]; ok {
		return b, nil
	}
	b, err := t.store.LoadBook(venue)
	if err != nil {
		return nil, fmt.Errorf("load book %s: %w", venue, err)
	}
	if b == nil {
		b = NewBook(venue, util.NowMillis(t.clock))
	}
	if b.Processed == nil {
		b.Processed = make(map[string]bool)
	}
	t.books[venue] = b
	return b, nil
}

// update runs fn on a copy of the venue's book and commits it when fn reports a change.
func (t *Tracker) update(venue string, fn func(b *Book, now int64) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.bookLocked(venue)
	if err != nil {
		return err
	}
	next := cur.Clone()
	if !fn(next, util.NowMillis(t.clock)) {
		return nil
	}
	if err := t.store.SaveBook(next); err != nil {
		return fmt.Errorf("%w: save book %s: %v", margin.ErrLedgerWriteFailed, venue, err)
	}
	t.books[venue] = next
	return nil
}

// SyncDeposit records the venue's cumulative deposited total as reported by
// the ledger after a deposit.
func (t *Tracker) SyncDeposit(venue string, total decimal.Decimal) error {
	return t.update(venue, func(b *Book, now int64) bool {
		return b.SyncDeposit(total, now)
	})
}

// Track shadows a position the gateway just opened.
func (t *Tracker) Track(p *margin.Position) error {
	return t.update(p.Venue, func(b *Book, now int64) bool {
		return b.Track(entryOf(p), now)
	})
}

// Apply folds one close into the venue book. It reports whether the record
// was new.
func (t *Tracker) Apply(rec *margin.ClosedPosition) (bool, error) {
	applied := false
	err := t.update(rec.Venue, func(b *Book, now int64) bool {
		applied = b.Apply(rec, now)
		return applied
	})
	return applied && err == nil, err
}

// Reconcile brings the venue book in line with the ledger. It folds in the
// terminal record of every shadowed position that closed behind the
// gateway's back (liquidation, stop-loss, take-profit). Shadow writes that
// failed earlier are recovered here too; a close the book never tracked is
// found in the ledger history. It returns the records applied by this call.
func (t *Tracker) Reconcile(venue string) ([]*margin.ClosedPosition, error) {
	acc, err := t.ledger.Account(venue)
	if errors.Is(err, margin.ErrVenueNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(acc.Positions))
	for _, p := range acc.Positions {
		active[p.ID] = true
	}

	var applied []*margin.ClosedPosition
	apply := func(b *Book, rec *margin.ClosedPosition, now int64) {
		if !b.Apply(rec, now) {
			return
		}
		applied = append(applied, rec)
		t.logger.Infow("reconcile_applied",
			"venue", venue,
			"position_id", rec.ID,
			"instrument", rec.Instrument,
			"reason", rec.CloseReason,
			"pnl", rec.Pnl.String())
	}

	err = t.update(venue, func(b *Book, now int64) bool {
		changed := false
		if b.SyncDeposit(acc.Deposited, now) {
			t.logger.Warnw("reconcile_deposit_synced", "venue", venue, "deposited", acc.Deposited.String())
			changed = true
		}
		for _, p := range acc.Positions {
			if b.Track(entryOf(p), now) {
				t.logger.Warnw("reconcile_position_adopted", "venue", venue, "position_id", p.ID)
				changed = true
			}
		}

		for _, e := range b.Stale(active) {
			rec, err := t.ledger.HistoryRecord(venue, e.PositionID)
			if err != nil || rec == nil {
				// Retried on the next reconcile; the entry stays shadowed.
				t.logger.Warnw("reconcile_missing_history",
					"venue", venue, "position_id", e.PositionID, "err", err)
				continue
			}
			apply(b, rec, now)
		}

		// Folded pnl only trails the ledger when a close was never shadowed.
		if !b.Pnl.Equal(acc.RealizedPnl) {
			recs, err := t.ledger.History(venue, 0)
			if err != nil {
				t.logger.Warnw("reconcile_history_failed", "venue", venue, "err", err)
			}
			for i := len(recs) - 1; i >= 0; i-- {
				apply(b, recs[i], now)
			}
		}
		return changed || len(applied) > 0
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Stats returns a copy of the venue's stats. ok is false for a venue the
// gateway has never seen.
func (t *Tracker) Stats(venue string) (Stats, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, cached := t.books[venue]; !cached {
		b, err := t.store.LoadBook(venue)
		if err != nil {
			return Stats{}, false, err
		}
		if b == nil {
			return NewBook(venue, 0).Stats(), false, nil
		}
		t.books[venue] = b
	}
	return t.books[venue].Stats(), true, nil
}

// Book returns a copy of the venue's shadow book, or nil if unknown.
func (t *Tracker) Book(venue string) (*Book, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.books[venue]; ok {
		return b.Clone(), nil
	}
	b, err := t.store.LoadBook(venue)
	if err != nil || b == nil {
		return nil, err
	}
	return b.Clone(), nil
}
