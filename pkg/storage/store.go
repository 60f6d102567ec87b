package storage

import (
	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/venue"
)

// LedgerStore is the durable source of truth for accounts and positions.
// Every Commit* call is atomic: either all rows land or none do.
type LedgerStore interface {
	// LoadAccount returns nil, nil when the venue has never deposited.
	LoadAccount(venue string) (*margin.Account, error)
	LoadAccounts() ([]*margin.Account, error)

	// SaveAccount writes the summary row only (deposit, freeze, repair).
	SaveAccount(acc *margin.Account) error
	CommitOpen(acc *margin.Account, pos *margin.Position) error
	CommitClose(acc *margin.Account, rec *margin.ClosedPosition) error
	// SavePositions rewrites the given open rows together with the summary (funding).
	SavePositions(acc *margin.Account, positions []*margin.Position) error

	// History lists closed positions newest first; limit <= 0 means all.
	History(venue string, limit int) ([]*margin.ClosedPosition, error)
	// HistoryRecord returns nil, nil when id has no terminal record.
	HistoryRecord(venue, id string) (*margin.ClosedPosition, error)

	Close() error
}

// Both backends also persist the gateway shadow books.
var (
	_ LedgerStore     = (*PebbleStore)(nil)
	_ LedgerStore     = (*MemoryStore)(nil)
	_ venue.BookStore = (*PebbleStore)(nil)
	_ venue.BookStore = (*MemoryStore)(nil)
)
