package storage

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/venue"
)

// ErrInjected is returned by MemoryStore writes while FailWrites is set.
var ErrInjected = errors.New("injected write failure")

// MemoryStore is an in-process LedgerStore for tests and paper runs.
// It stores copies, so callers can keep mutating their own values.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*margin.Account
	positions map[string]map[string]*margin.Position // venue -> id -> row
	history   map[string][]*margin.ClosedPosition     // venue -> append order
	books     map[string]*venue.Book

	failWrites atomic.Bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*margin.Account),
		positions: make(map[string]map[string]*margin.Position),
		history:   make(map[string][]*margin.ClosedPosition),
		books:     make(map[string]*venue.Book),
	}
}

// FailWrites makes every subsequent write return ErrInjected until reset.
func (m *MemoryStore) FailWrites(fail bool) {
	m.failWrites.Store(fail)
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) LoadAccount(venue string) (*margin.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(venue), nil
}

func (m *MemoryStore) LoadAccounts() ([]*margin.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	venues := make([]string, 0, len(m.accounts))
	for v := range m.accounts {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	out := make([]*margin.Account, 0, len(venues))
	for _, v := range venues {
		out = append(out, m.loadLocked(v))
	}
	return out, nil
}

func (m *MemoryStore) loadLocked(venue string) *margin.Account {
	acc, ok := m.accounts[venue]
	if !ok {
		return nil
	}
	c := acc.Clone()
	rows := m.positions[venue]
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.Positions = make([]*margin.Position, 0, len(ids))
	for _, id := range ids {
		c.Positions = append(c.Positions, rows[id].Clone())
	}
	return c
}

func (m *MemoryStore) SaveAccount(acc *margin.Account) error {
	if m.failWrites.Load() {
		return ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAccountLocked(acc)
	return nil
}

func (m *MemoryStore) putAccountLocked(acc *margin.Account) {
	c := acc.Clone()
	c.Positions = nil
	m.accounts[acc.Venue] = c
}

func (m *MemoryStore) putPositionLocked(p *margin.Position) {
	rows, ok := m.positions[p.Venue]
	if !ok {
		rows = make(map[string]*margin.Position)
		m.positions[p.Venue] = rows
	}
	rows[p.ID] = p.Clone()
}

func (m *MemoryStore) CommitOpen(acc *margin.Account, pos *margin.Position) error {
	if m.failWrites.Load() {
		return ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAccountLocked(acc)
	m.putPositionLocked(pos)
	return nil
}

func (m *MemoryStore) CommitClose(acc *margin.Account, rec *margin.ClosedPosition) error {
	if m.failWrites.Load() {
		return ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAccountLocked(acc)
	delete(m.positions[rec.Venue], rec.ID)
	cp := *rec
	m.history[rec.Venue] = append(m.history[rec.Venue], &cp)
	return nil
}

func (m *MemoryStore) SavePositions(acc *margin.Account, positions []*margin.Position) error {
	if m.failWrites.Load() {
		return ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAccountLocked(acc)
	for _, p := range positions {
		m.putPositionLocked(p)
	}
	return nil
}

func (m *MemoryStore) History(venue string, limit int) ([]*margin.ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.history[venue]
	out := make([]*margin.ClosedPosition, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *recs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) HistoryRecord(venue, id string) (*margin.ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.history[venue] {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) LoadBook(venueID string) (*venue.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[venueID]
	if !ok {
		return nil, nil
	}
	return b.Clone(), nil
}

func (m *MemoryStore) SaveBook(book *venue.Book) error {
	if m.failWrites.Load() {
		return ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[book.Venue] = book.Clone()
	return nil
}

// Corrupt overwrites a stored account summary without any checks. Tests use
// it to simulate a ledger that drifted out of balance.
func (m *MemoryStore) Corrupt(venue string, mutate func(*margin.Account)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[venue]; ok {
		mutate(acc)
	}
}
