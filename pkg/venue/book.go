package venue

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/obelisk/pkg/margin"
)

// Entry is the gateway's shadow copy of an open position.
type Entry struct {
	PositionID string          `json:"positionId"`
	Instrument string          `json:"instrument"`
	Side       margin.Side     `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Leverage   int64           `json:"leverage"`
	OpenedAt   int64           `json:"openedAt"`
}

// Book is the venue gateway's own ledger: deposits, the positions it opened,
// and the closes it has already folded in. Closes are applied by position id
// exactly once, however many times they are observed.
type Book struct {
	Venue       string          `json:"venue"`
	Deposited   decimal.Decimal `json:"deposited"`
	Pnl         decimal.Decimal `json:"pnl"`
	Fees        decimal.Decimal `json:"fees"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	Open        []Entry         `json:"open"`
	Processed   map[string]bool `json:"processed"`
	LastUpdated int64           `json:"lastUpdated"`
}

func NewBook(venue string, now int64) *Book {
	return &Book{
		Venue:       venue,
		Deposited:   decimal.Zero,
		Pnl:         decimal.Zero,
		Fees:        decimal.Zero,
		Processed:   make(map[string]bool),
		LastUpdated: now,
	}
}

// Equity = deposited + folded pnl
func (b *Book) Equity() decimal.Decimal {
	return b.Deposited.Add(b.Pnl)
}

// SyncDeposit raises Deposited to the ledger's cumulative total. Deposits
// only grow, so an older or repeated total is a no-op and it reports false.
func (b *Book) SyncDeposit(total decimal.Decimal, now int64) bool {
	if !total.GreaterThan(b.Deposited) {
		return false
	}
	b.Deposited = total
	b.LastUpdated = now
	return true
}

// Track records an open position. Re-tracking a known or already closed id
// is a no-op and it reports false.
func (b *Book) Track(e Entry, now int64) bool {
	if b.Processed[e.PositionID] || b.entryIndex(e.PositionID) >= 0 {
		return false
	}
	b.Open = append(b.Open, e)
	b.LastUpdated = now
	return true
}

func entryOf(p *margin.Position) Entry {
	return Entry{
		PositionID: p.ID,
		Instrument: p.Instrument,
		Side:       p.Side,
		Size:       p.Size,
		Leverage:   p.Leverage,
		OpenedAt:   p.OpenedAt,
	}
}

// Apply folds a terminal record into the book. It returns false when the
// record was already applied.
func (b *Book) Apply(rec *margin.ClosedPosition, now int64) bool {
	if b.Processed == nil {
		b.Processed = make(map[string]bool)
	}
	if b.Processed[rec.ID] {
		return false
	}
	b.Processed[rec.ID] = true

	if i := b.entryIndex(rec.ID); i >= 0 {
		b.Open = append(b.Open[:i:i], b.Open[i+1:]...)
	}
	b.Pnl = b.Pnl.Add(rec.Pnl)
	b.Fees = b.Fees.Add(rec.Fee)
	b.Trades++
	if rec.Pnl.IsPositive() {
		b.Wins++
	}
	b.LastUpdated = now
	return true
}

// Stale returns shadow entries whose id is missing from active.
func (b *Book) Stale(active map[string]bool) []Entry {
	var out []Entry
	for _, e := range b.Open {
		if !active[e.PositionID] {
			out = append(out, e)
		}
	}
	return out
}

func (b *Book) entryIndex(id string) int {
	for i, e := range b.Open {
		if e.PositionID == id {
			return i
		}
	}
	return -1
}

// Stats is the aggregate trading summary of a venue.
type Stats struct {
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	WinRate       decimal.Decimal `json:"winRate"` // percent
	Pnl           decimal.Decimal `json:"pnl"`
	AvgProfit     decimal.Decimal `json:"avgProfit"`
	Fees          decimal.Decimal `json:"fees"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"positions"`
}

func (b *Book) Stats() Stats {
	s := Stats{
		Trades:        b.Trades,
		Wins:          b.Wins,
		WinRate:       decimal.Zero,
		Pnl:           b.Pnl,
		AvgProfit:     decimal.Zero,
		Fees:          b.Fees,
		Equity:        b.Equity(),
		OpenPositions: len(b.Open),
	}
	if b.Trades > 0 {
		n := decimal.NewFromInt(int64(b.Trades))
		s.WinRate = decimal.NewFromInt(int64(b.Wins)).Mul(decimal.NewFromInt(100)).Div(n)
		s.AvgProfit = b.Pnl.Div(n)
	}
	return s
}

func (b *Book) Clone() *Book {
	c := *b
	c.Open = append([]Entry(nil), b.Open...)
	c.Processed = make(map[string]bool, len(b.Processed))
	for id := range b.Processed {
		c.Processed[id] = true
	}
	return &c
}
