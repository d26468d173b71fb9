// Package event defines the append-only domain event log. Events are an
// audit trail of everything that moved money or auction state; they are
// written after the owning transaction commits and are never mutated.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	AuctionOpened    Type = "auction.opened"
	AuctionBidPlaced Type = "auction.bid_placed"
	AuctionCompleted Type = "auction.completed"
	AuctionCancelled Type = "auction.cancelled"

	PaymentConfirmed Type = "payment.confirmed"
	PaymentDeclined  Type = "payment.declined"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuctionOpenedData is the payload for AuctionOpened events.
type AuctionOpenedData struct {
	ItemID     string    `json:"item_id"`
	StartPrice int64     `json:"start_price"`
	EndTime    time.Time `json:"end_time"`
}

// BidPlacedData is the payload for AuctionBidPlaced events.
type BidPlacedData struct {
	BidID      string `json:"bid_id"`
	CustomerID string `json:"customer_id"`
	BidPrice   int64  `json:"bid_price"`
}

// AuctionCompletedData is the payload for AuctionCompleted events. A zero
// WinnerID records a no-bid close.
type AuctionCompletedData struct {
	WinnerID string `json:"winner_id,omitempty"`
	Price    int64  `json:"price,omitempty"`
}

// AuctionCancelledData is the payload for AuctionCancelled events.
type AuctionCancelledData struct {
	Reason string `json:"reason,omitempty"`
}

// PaymentData is the payload for payment events.
type PaymentData struct {
	PaymentID   string `json:"payment_id"`
	CustomerID  string `json:"customer_id"`
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_ref"`
}
