package margin

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Account is the collateral ledger of one venue.
// Invariant: Equity = Deposited + RealizedPnl.
//
// Positions are persisted as their own rows, so they are excluded from the
// account summary encoding.
type Account struct {
	Venue       string          `json:"venue"`
	Equity      decimal.Decimal `json:"equity"`
	Deposited   decimal.Decimal `json:"deposited"`
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	Positions   []*Position     `json:"-"`

	// Frozen accounts are read-only until an operator repairs them.
	Frozen       bool   `json:"frozen,omitempty"`
	FrozenReason string `json:"frozenReason,omitempty"`

	LastUpdated int64 `json:"lastUpdated"` // epoch ms
}

// ValidateVenueID accepts 1-64 chars of [A-Za-z0-9_.-]. Venue ids are
// embedded in storage keys, so separators are not allowed.
func ValidateVenueID(venue string) error {
	if venue == "" || len(venue) > 64 {
		return fmt.Errorf("%w: %q", ErrInvalidVenue, venue)
	}
	for _, c := range venue {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidVenue, venue)
		}
	}
	return nil
}

// NewAccount creates an empty account for venue
func NewAccount(venue string, now int64) *Account {
	return &Account{
		Venue:       venue,
		Equity:      decimal.Zero,
		Deposited:   decimal.Zero,
		RealizedPnl: decimal.Zero,
		LastUpdated: now,
	}
}

// Deposit adds collateral. Deposited only ever grows.
func (a *Account) Deposit(amount decimal.Decimal, now int64) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit must be positive, got %s", ErrInvalidAmount, amount)
	}
	a.Deposited = a.Deposited.Add(amount)
	a.Equity = a.Equity.Add(amount)
	a.LastUpdated = now
	return nil
}

// MarginUsed sums marginUsed over open positions
func (a *Account) MarginUsed() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		total = total.Add(p.MarginUsed())
	}
	return total
}

// AvailableMargin = max(0, equity − Σ marginUsed)
func (a *Account) AvailableMargin() decimal.Decimal {
	free := a.Equity.Sub(a.MarginUsed())
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// ApplyRealizedPnl folds a close into the ledger. amount may be negative.
func (a *Account) ApplyRealizedPnl(amount decimal.Decimal, now int64) {
	a.Equity = a.Equity.Add(amount)
	a.RealizedPnl = a.RealizedPnl.Add(amount)
	a.LastUpdated = now
}

func (a *Account) AddPosition(p *Position) {
	a.Positions = append(a.Positions, p)
}

// RemovePosition detaches the position with id and returns it.
func (a *Account) RemovePosition(id string) (*Position, error) {
	for i, p := range a.Positions {
		if p.ID == id {
			a.Positions = append(a.Positions[:i:i], a.Positions[i+1:]...)
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

// Position returns the open position with id, or nil.
func (a *Account) Position(id string) *Position {
	for _, p := range a.Positions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// OpenCount returns how many open positions the account holds on instrument.
func (a *Account) OpenCount(instrument string) int {
	n := 0
	for _, p := range a.Positions {
		if p.Instrument == instrument {
			n++
		}
	}
	return n
}

// CheckInvariant verifies the ledger identity and position ownership.
func (a *Account) CheckInvariant() error {
	if a.Deposited.IsNegative() {
		return fmt.Errorf("%w: negative deposits %s", ErrInvariantViolation, a.Deposited)
	}
	if want := a.Deposited.Add(a.RealizedPnl); !a.Equity.Equal(want) {
		return fmt.Errorf("%w: equity %s != deposited %s + realizedPnl %s",
			ErrInvariantViolation, a.Equity, a.Deposited, a.RealizedPnl)
	}
	seen := make(map[string]bool, len(a.Positions))
	for _, p := range a.Positions {
		if p.Venue != a.Venue {
			return fmt.Errorf("%w: position %s owned by %q", ErrInvariantViolation, p.ID, p.Venue)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate position %s", ErrInvariantViolation, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Repair rebuilds the ledger identity from its inputs: equity is recomputed
// from deposits and realized pnl, and positions filed under the account take
// it as owner. The freeze is cleared. It returns one line per change and the
// positions whose owner changed; the invariant must hold afterwards.
func (a *Account) Repair(now int64) ([]string, []*Position, error) {
	if a.Deposited.IsNegative() {
		return nil, nil, fmt.Errorf("%w: negative deposits %s cannot be repaired", ErrInvariantViolation, a.Deposited)
	}
	var changes []string
	if want := a.Deposited.Add(a.RealizedPnl); !a.Equity.Equal(want) {
		changes = append(changes, fmt.Sprintf("equity %s -> %s", a.Equity, want))
		a.Equity = want
	}
	var reowned []*Position
	for _, p := range a.Positions {
		if p.Venue != a.Venue {
			changes = append(changes, fmt.Sprintf("position %s owner %q -> %q", p.ID, p.Venue, a.Venue))
			p.Venue = a.Venue
			reowned = append(reowned, p)
		}
	}
	if a.Frozen {
		changes = append(changes, "clearing freeze: "+a.FrozenReason)
		a.Frozen, a.FrozenReason = false, ""
	}
	if len(changes) > 0 {
		a.LastUpdated = now
	}
	return changes, reowned, a.CheckInvariant()
}

// Freeze marks the account read-only.
func (a *Account) Freeze(reason string, now int64) {
	a.Frozen = true
	a.FrozenReason = reason
	a.LastUpdated = now
}

// Clone deep-copies the account including its positions. Mutations are
// staged on a clone, persisted, and only then swapped in.
func (a *Account) Clone() *Account {
	c := *a
	c.Positions = make([]*Position, len(a.Positions))
	for i, p := range a.Positions {
		c.Positions[i] = p.Clone()
	}
	return &c
}
