// Package store defines the persistence records and repository contracts of
// the auction service. Concrete drivers live in subpackages and register
// themselves through the provider registry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/reloft/auction-service/internal/auction"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// Auction is the persisted auction row. Prices are integer minor currency
// units. CurrentPrice never drops below StartPrice and WinningCustomerID is
// written at most once, when the auction completes.
type Auction struct {
	ID                string         `db:"id"`
	ItemID            string         `db:"item_id"`
	StartPrice        int64          `db:"start_price"`
	CurrentPrice      int64          `db:"current_price"`
	StartTime         time.Time      `db:"start_time"`
	EndTime           time.Time      `db:"end_time"`
	Status            auction.Status `db:"status"`
	WinningCustomerID *string        `db:"winning_customer_id"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// Resolved reports whether winner resolution has been persisted for a.
// A COMPLETED row with a nil winner is a resolved no-bid outcome.
func (a *Auction) Resolved() bool {
	return a.Status == auction.StatusCompleted
}

// Bid is one entry of the append-only bid log. Bids are never updated or
// deleted.
type Bid struct {
	ID         string    `db:"id"`
	AuctionID  string    `db:"auction_id"`
	CustomerID string    `db:"customer_id"`
	BidPrice   int64     `db:"bid_price"`
	BidTime    time.Time `db:"bid_time"`
}

// PaymentStatus is the state of an auction payment.
type PaymentStatus string

const (
	PaymentReady  PaymentStatus = "READY"
	PaymentPaid   PaymentStatus = "PAID"
	PaymentFailed PaymentStatus = "FAILED"
)

// AuctionPayment records a payment attempt by the winning customer. At most
// one PAID row may exist per auction; the partial unique index in the schema
// enforces this.
type AuctionPayment struct {
	ID          string        `db:"id"`
	AuctionID   string        `db:"auction_id"`
	CustomerID  string        `db:"customer_id"`
	Amount      int64         `db:"amount"`
	Status      PaymentStatus `db:"status"`
	ExternalRef string        `db:"external_ref"`
	PaidAt      *time.Time    `db:"paid_at"`
	CreatedAt   time.Time     `db:"created_at"`
}

// Item is the read-only projection of a curated item behind an auction. The
// catalog subsystem owns these rows.
type Item struct {
	ID           string `db:"id"`
	SellerID     string `db:"seller_id"`
	Title        string `db:"title"`
	PurchaseCost int64  `db:"purchase_cost"`
}

// Account is the read-only projection of a customer account used for bid
// eligibility. The account subsystem owns these rows.
type Account struct {
	ID             string     `db:"id"`
	Status         string     `db:"status"` // "active", "suspended"
	PenalizedUntil *time.Time `db:"penalized_until"`
}

// EligibleToBid reports whether the account may place bids at the given time.
func (a *Account) EligibleToBid(now time.Time) bool {
	if a.Status != "active" {
		return false
	}
	return a.PenalizedUntil == nil || !now.Before(*a.PenalizedUntil)
}

// AuctionTx exposes writes against a single auction whose row lock is held.
// Every method runs inside the transaction that WithLock opened; nothing is
// visible to other transactions until WithLock commits.
type AuctionTx interface {
	// Auction returns the locked row as read under the lock.
	Auction() *Auction
	// HighestBid returns the leading bid, highest price first with earliest
	// bid time as the tie-break, or ErrNotFound when no bid exists.
	HighestBid(ctx context.Context) (*Bid, error)
	// InsertBid appends to the bid log.
	InsertBid(ctx context.Context, b *Bid) error
	// UpdateCurrentPrice moves the auction's current price.
	UpdateCurrentPrice(ctx context.Context, price int64) error
	// UpdateStatus persists a lifecycle transition.
	UpdateStatus(ctx context.Context, s auction.Status) error
	// CompleteWith marks the auction COMPLETED and fixes the winner.
	// A nil winner records a no-bid close.
	CompleteWith(ctx context.Context, winnerID *string) error
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// ListDueToStart returns SCHEDULED auctions whose start time has passed.
	ListDueToStart(ctx context.Context, now time.Time, limit int) ([]Auction, error)
	// ListDueToClose returns PROCEEDING auctions whose end time has passed.
	ListDueToClose(ctx context.Context, now time.Time, limit int) ([]Auction, error)
	// WithLock runs fn inside a transaction holding an exclusive row lock on
	// the auction. Lock acquisition is bounded; on timeout WithLock returns
	// auction.ErrLockTimeout and fn never runs. The transaction commits only
	// if fn returns nil.
	WithLock(ctx context.Context, id string, fn func(ctx context.Context, tx AuctionTx) error) error
}

// BidRepository defines read operations over the bid log. Writes go through
// AuctionTx so that a bid is only ever inserted under the auction lock.
type BidRepository interface {
	// ListByAuction returns all bids for an auction in acceptance order.
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
	// Highest returns the leading bid, or ErrNotFound when no bid exists.
	Highest(ctx context.Context, auctionID string) (*Bid, error)
}

// PaymentRepository defines auction payment persistence operations.
type PaymentRepository interface {
	Create(ctx context.Context, p *AuctionPayment) error
	// GetPaidByAuction returns the successful payment for an auction, or
	// ErrNotFound when none exists.
	GetPaidByAuction(ctx context.Context, auctionID string) (*AuctionPayment, error)
}

// ItemRepository is the read-only catalog lookup.
type ItemRepository interface {
	GetByID(ctx context.Context, id string) (*Item, error)
}

// AccountRepository is the read-only account-eligibility lookup.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
}
