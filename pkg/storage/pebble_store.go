package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/venue"
)

// PebbleStore persists the ledger in a Pebble database.
// Callers serialize writes per venue; Pebble handles cross-venue concurrency.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the ledger database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		MaxOpenFiles:             500,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// get decodes key into v. found is false when the key is absent.
func (s *PebbleStore) get(kind string, key []byte, v any) (found bool, err error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", kind, err)
	}
	defer closer.Close()
	return true, decode(kind, data, v)
}

func (s *PebbleStore) LoadAccount(venue string) (*margin.Account, error) {
	var acc margin.Account
	found, err := s.get("account", accountKey(venue), &acc)
	if err != nil || !found {
		return nil, err
	}
	positions, err := s.loadPositions(venue)
	if err != nil {
		return nil, err
	}
	acc.Positions = positions
	return &acc, nil
}

// LoadAccounts returns every account with its open positions attached.
func (s *PebbleStore) LoadAccounts() ([]*margin.Account, error) {
	prefix := accountPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	defer iter.Close()

	var accounts []*margin.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc margin.Account
		if err := decode("account", iter.Value(), &acc); err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Key(), err)
		}
		accounts = append(accounts, &acc)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for _, acc := range accounts {
		if acc.Positions, err = s.loadPositions(acc.Venue); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// loadPositions returns open rows in id (= open time) order.
func (s *PebbleStore) loadPositions(venue string) ([]*margin.Position, error) {
	prefix := positionPrefix(venue)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	defer iter.Close()

	var positions []*margin.Position
	for iter.First(); iter.Valid(); iter.Next() {
		var pos margin.Position
		if err := decode("position", iter.Value(), &pos); err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Key(), err)
		}
		positions = append(positions, &pos)
	}
	return positions, iter.Error()
}

func (s *PebbleStore) SaveAccount(acc *margin.Account) error {
	data, err := encode("account", acc)
	if err != nil {
		return err
	}
	if err := s.db.Set(accountKey(acc.Venue), data, pebble.Sync); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *PebbleStore) CommitOpen(acc *margin.Account, pos *margin.Position) error {
	b := s.newBatch()
	defer b.Close()

	if err := b.putAccount(acc); err != nil {
		return err
	}
	if err := b.putPosition(pos); err != nil {
		return err
	}
	return b.commit()
}

func (s *PebbleStore) CommitClose(acc *margin.Account, rec *margin.ClosedPosition) error {
	b := s.newBatch()
	defer b.Close()

	if err := b.putAccount(acc); err != nil {
		return err
	}
	if err := b.batch.Delete(positionKey(rec.Venue, rec.ID), nil); err != nil {
		return err
	}
	data, err := encode("history", rec)
	if err != nil {
		return err
	}
	hk := historyKey(rec.Venue, rec.ClosedAt, rec.ID)
	if err := b.batch.Set(hk, data, nil); err != nil {
		return err
	}
	if err := b.batch.Set(historyIndexKey(rec.Venue, rec.ID), hk, nil); err != nil {
		return err
	}
	return b.commit()
}

func (s *PebbleStore) SavePositions(acc *margin.Account, positions []*margin.Position) error {
	b := s.newBatch()
	defer b.Close()

	if err := b.putAccount(acc); err != nil {
		return err
	}
	for _, p := range positions {
		if err := b.putPosition(p); err != nil {
			return err
		}
	}
	return b.commit()
}

func (s *PebbleStore) History(venue string, limit int) ([]*margin.ClosedPosition, error) {
	prefix := historyPrefix(venue)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	defer iter.Close()

	var out []*margin.ClosedPosition
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var rec margin.ClosedPosition
		if err := decode("history", iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Key(), err)
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

func (s *PebbleStore) HistoryRecord(venue, id string) (*margin.ClosedPosition, error) {
	hk, closer, err := s.db.Get(historyIndexKey(venue, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history index: %w", err)
	}
	key := append([]byte(nil), hk...)
	closer.Close()

	var rec margin.ClosedPosition
	found, err := s.get("history", key, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *PebbleStore) LoadBook(venueID string) (*venue.Book, error) {
	var book venue.Book
	found, err := s.get("book", bookKey(venueID), &book)
	if err != nil || !found {
		return nil, err
	}
	return &book, nil
}

func (s *PebbleStore) SaveBook(book *venue.Book) error {
	data, err := encode("book", book)
	if err != nil {
		return err
	}
	if err := s.db.Set(bookKey(book.Venue), data, pebble.Sync); err != nil {
		return fmt.Errorf("save book: %w", err)
	}
	return nil
}

// ledgerBatch groups the rows of one ledger transition.
type ledgerBatch struct {
	batch *pebble.Batch
}

func (s *PebbleStore) newBatch() *ledgerBatch {
	return &ledgerBatch{batch: s.db.NewBatch()}
}

func (b *ledgerBatch) putAccount(acc *margin.Account) error {
	data, err := encode("account", acc)
	if err != nil {
		return err
	}
	return b.batch.Set(accountKey(acc.Venue), data, nil)
}

func (b *ledgerBatch) putPosition(pos *margin.Position) error {
	data, err := encode("position", pos)
	if err != nil {
		return err
	}
	return b.batch.Set(positionKey(pos.Venue, pos.ID), data, nil)
}

func (b *ledgerBatch) commit() error {
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (b *ledgerBatch) Close() error {
	return b.batch.Close()
}
