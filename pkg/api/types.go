package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/obelisk/pkg/margin"
)

// API request and response types for REST endpoints and WebSocket messages.
// Money fields are decimals; they are encoded as JSON numbers or strings
// depending on decimal.MarshalJSONWithoutQuotes.

// ==============================
// REST Request Types
// ==============================

// DepositRequest is the payload for POST /venue/deposit
type DepositRequest struct {
	Venue  string          `json:"venue"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderRequest is the payload for POST /venue/order
type OrderRequest struct {
	Venue    string              `json:"venue"`
	Coin     string              `json:"coin"`
	Side     string              `json:"side"`     // long | short | buy | sell
	Size     decimal.Decimal     `json:"size"`     // quote notional
	Leverage decimal.NullDecimal `json:"leverage"` // defaults to 2
	SL       decimal.NullDecimal `json:"sl"`
	TP       decimal.NullDecimal `json:"tp"`
}

// CloseRequest is the payload for POST /venue/close. PositionID wins over Coin.
type CloseRequest struct {
	Venue      string `json:"venue"`
	Coin       string `json:"coin"`
	PositionID string `json:"positionId"`
}

// ThawRequest is the payload for POST /venue/thaw. Repair recomputes the
// stored account before lifting the freeze.
type ThawRequest struct {
	Venue  string `json:"venue"`
	Repair bool   `json:"repair,omitempty"`
}

// ==============================
// REST Response Types
// ==============================

// PositionInfo is an open position as seen by a venue
type PositionInfo struct {
	ID               string           `json:"id"`
	Coin             string           `json:"coin"`
	Side             margin.Side      `json:"side"`
	Size             decimal.Decimal  `json:"size"`
	Leverage         int64            `json:"leverage"`
	EntryPrice       decimal.Decimal  `json:"entryPrice"`
	Margin           decimal.Decimal  `json:"margin"`
	LiquidationPrice decimal.Decimal  `json:"liquidationPrice"`
	SL               *decimal.Decimal `json:"sl"`
	TP               *decimal.Decimal `json:"tp"`
	Funding          decimal.Decimal  `json:"funding"`
	OpenedAt         int64            `json:"openedAt"`
}

// EquityResponse is returned by GET /equity
type EquityResponse struct {
	Success         bool            `json:"success"`
	Venue           string          `json:"venue"`
	Equity          decimal.Decimal `json:"equity"`
	FreeCollateral  decimal.Decimal `json:"freeCollateral"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	Available       decimal.Decimal `json:"available"`
	AllocatedMargin decimal.Decimal `json:"allocatedMargin"`
	Positions       []PositionInfo  `json:"positions"`
	Pnl             decimal.Decimal `json:"pnl"`
	Deposited       decimal.Decimal `json:"deposited"`
	LastUpdated     int64           `json:"lastUpdated"`
	Frozen          bool            `json:"frozen"`
	FrozenReason    string          `json:"frozenReason,omitempty"`
	Reconciled      int             `json:"reconciled"` // shadow entries settled by this read
}

// DepositResponse is returned by POST /venue/deposit
type DepositResponse struct {
	Success        bool            `json:"success"`
	Venue          string          `json:"venue"`
	Equity         decimal.Decimal `json:"equity"`
	NewEquity      decimal.Decimal `json:"newEquity"`
	TotalDeposited decimal.Decimal `json:"totalDeposited"`
}

// OrderResponse is returned by POST /venue/order. Fees is the entry fee,
// realized when the position closes.
type OrderResponse struct {
	Success          bool            `json:"success"`
	OrderID          string          `json:"orderId"`
	Venue            string          `json:"venue"`
	Price            decimal.Decimal `json:"price"`
	Fees             decimal.Decimal `json:"fees"`
	PositionID       string          `json:"positionId"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
}

// CloseResponse is returned by POST /venue/close
type CloseResponse struct {
	Success            bool                   `json:"success"`
	Venue              string                 `json:"venue"`
	Closed             *margin.ClosedPosition `json:"closed"`
	NetPnl             decimal.Decimal        `json:"netPnl"`
	ReturnedMargin     decimal.Decimal        `json:"returnedMargin"`
	RemainingPositions int                    `json:"remainingPositions"`
}

// StatsResponse is returned by GET /venue/stats
type StatsResponse struct {
	Success   bool            `json:"success"`
	Venue     string          `json:"venue"`
	Trades    int             `json:"trades"`
	Wins      int             `json:"wins"`
	Pnl       decimal.Decimal `json:"pnl"`
	WinRate   decimal.Decimal `json:"winRate"` // percent
	AvgProfit decimal.Decimal `json:"avgProfit"`
	Fees      decimal.Decimal `json:"fees"`
	Equity    decimal.Decimal `json:"equity"`
	Positions int             `json:"positions"`
}

// HistoryResponse is returned by GET /venue/history
type HistoryResponse struct {
	Success bool                     `json:"success"`
	Venue   string                   `json:"venue"`
	Closed  []*margin.ClosedPosition `json:"closed"`
}

// ThawResponse is returned by POST /venue/thaw
type ThawResponse struct {
	Success bool            `json:"success"`
	Venue   string          `json:"venue"`
	Frozen  bool            `json:"frozen"`
	Equity  decimal.Decimal `json:"equity"`
	Changes []string        `json:"changes,omitempty"`
}

// InstrumentInfo is an instrument's static configuration
type InstrumentInfo struct {
	Symbol                 string          `json:"symbol"`
	MaxLeverage            int64           `json:"maxLeverage"`
	MaintenanceMarginRatio decimal.Decimal `json:"maintenanceMarginRatio"`
	FeeRate                decimal.Decimal `json:"feeRate"`
	FundingRate            decimal.Decimal `json:"fundingRate"`
	MaxPositions           int             `json:"maxPositions"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// InsufficientMarginResponse carries the numbers behind a margin rejection
type InsufficientMarginResponse struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	Available decimal.Decimal `json:"available"`
	Required  decimal.Decimal `json:"required"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every pushed event
type WSMessage struct {
	Type    string      `json:"type"` // deposit, position_opened, position_closed, funding, account_frozen
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["venue:mixbot"]
}
