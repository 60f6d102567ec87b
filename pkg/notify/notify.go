// Package notify fans ledger events out to push channels (WebSocket, NATS).
package notify

import (
	"github.com/uhyunpark/obelisk/pkg/margin"
)

// Event types
const (
	EventDeposit         = "deposit"
	EventPositionOpened  = "position_opened"
	EventPositionClosed  = "position_closed"
	EventFunding         = "funding"
	EventAccountFrozen   = "account_frozen"
	EventAccountRepaired = "account_repaired"
)

// Event describes one committed ledger transition of a venue.
type Event struct {
	Type      string                 `json:"type"`
	Venue     string                 `json:"venue"`
	Account   *margin.Account        `json:"account,omitempty"`
	Position  *margin.Position       `json:"position,omitempty"`
	Closed    *margin.ClosedPosition `json:"closed,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Publisher delivers events best-effort. Publishing happens after the ledger
// commit, so a failed publish never rolls anything back.
type Publisher interface {
	Publish(ev Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}
