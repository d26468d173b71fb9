// Package bidding implements bid placement and auction reads. All writes to a
// single auction are serialized through the store's exclusive row lock, so
// every precondition is checked against the state the previous bid committed.
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/event"
	"github.com/reloft/auction-service/internal/notify"
	"github.com/reloft/auction-service/internal/store"
)

// Service handles bid placement and auction state reads.
type Service struct {
	auctions store.AuctionRepository
	bids     store.BidRepository
	items    store.ItemRepository
	accounts store.AccountRepository
	events   event.Store
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService returns a new bidding Service.
func NewService(
	auctions store.AuctionRepository,
	bids store.BidRepository,
	items store.ItemRepository,
	accounts store.AccountRepository,
	events event.Store,
	notifier notify.Notifier,
	clk clock.Clock,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Service {
	return &Service{
		auctions: auctions,
		bids:     bids,
		items:    items,
		accounts: accounts,
		events:   events,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/reloft/auction-service/internal/bidding"),
	}
}

// PlaceBid accepts a bid on behalf of customerID. The bid is validated and
// applied under the auction's exclusive row lock; on success the auction's
// current price equals the accepted bid price.
func (s *Service) PlaceBid(ctx context.Context, auctionID, customerID string, bidPrice int64) (*store.Bid, error) {
	ctx, span := s.tracer.Start(ctx, "Service.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("customer_id", customerID),
			attribute.Int64("bid_price", bidPrice),
		),
	)
	defer span.End()

	if bidPrice <= 0 {
		return nil, auction.ErrInvalidBid
	}

	account, err := s.accounts.GetByID(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("customer %s: %w", customerID, auction.ErrAccountRestricted)
	}
	if err != nil {
		return nil, fmt.Errorf("checking account: %w", err)
	}
	if !account.EligibleToBid(s.clock.Now()) {
		return nil, auction.ErrAccountRestricted
	}

	var (
		placed *store.Bid
		outbid *store.Bid
	)
	err = s.auctions.WithLock(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()
		now := s.clock.Now().UTC()

		// Status is derived from the clock, not the possibly stale persisted
		// value; a bid one second after end_time is rejected even if the
		// sweep has not closed the auction yet.
		switch derived := auction.DerivedStatus(a.Status, a.StartTime, a.EndTime, now); derived {
		case auction.StatusProceeding:
		case auction.StatusCanceled:
			return fmt.Errorf("auction %s: %w", auctionID, auction.ErrAuctionCanceled)
		default:
			return fmt.Errorf("auction %s is %s: %w", auctionID, derived, auction.ErrAuctionNotActive)
		}

		item, err := s.items.GetByID(ctx, a.ItemID)
		if err != nil {
			return fmt.Errorf("looking up item %s: %w", a.ItemID, err)
		}
		if item.SellerID == customerID {
			return auction.ErrSelfBid
		}

		if min := auction.MinimumNextBid(a.CurrentPrice, a.StartPrice); bidPrice < min {
			return fmt.Errorf("bid %d below minimum %d: %w", bidPrice, min, auction.ErrBidTooLow)
		}

		prev, err := tx.HighestBid(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if prev != nil && prev.CustomerID != customerID {
			outbid = prev
		}

		b := &store.Bid{
			AuctionID:  auctionID,
			CustomerID: customerID,
			BidPrice:   bidPrice,
			BidTime:    now,
		}
		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}
		if err := tx.UpdateCurrentPrice(ctx, bidPrice); err != nil {
			return err
		}
		placed = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(event.BidPlacedData{
		BidID:      placed.ID,
		CustomerID: customerID,
		BidPrice:   bidPrice,
	})
	evt := event.Event{
		AggregateID: auctionID,
		Type:        event.AuctionBidPlaced,
		Data:        data,
	}
	if err := s.events.Append(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "failed to append bid placed event", slog.Any("error", err))
	}

	if outbid != nil {
		if err := s.notifier.Notify(ctx, notify.Outbid(auctionID, outbid.CustomerID, bidPrice)); err != nil {
			s.logger.WarnContext(ctx, "outbid notification failed", slog.Any("error", err))
		}
	}

	s.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("customer_id", customerID),
		slog.Int64("bid_price", bidPrice),
	)
	return placed, nil
}

// State is the bidder-facing view of an auction.
type State struct {
	Auction        *store.Auction
	Status         auction.Status
	MinimumNextBid int64
	TimeRemaining  time.Duration
}

// AuctionState returns the auction with its derived status, the minimum
// acceptable next bid and the time remaining until close. TimeRemaining is
// zero once the auction has ended.
func (s *Service) AuctionState(ctx context.Context, auctionID string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "Service.AuctionState",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	a, err := s.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return &State{
		Auction:        a,
		Status:         auction.DerivedStatus(a.Status, a.StartTime, a.EndTime, now),
		MinimumNextBid: auction.MinimumNextBid(a.CurrentPrice, a.StartPrice),
		TimeRemaining:  clock.Until(s.clock, a.EndTime),
	}, nil
}

// BidHistory returns all bids on an auction in acceptance order.
func (s *Service) BidHistory(ctx context.Context, auctionID string) ([]store.Bid, error) {
	ctx, span := s.tracer.Start(ctx, "Service.BidHistory",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	if _, err := s.auctions.GetByID(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.bids.ListByAuction(ctx, auctionID)
}

// AuctionEvents returns the audit trail for an auction in append order.
func (s *Service) AuctionEvents(ctx context.Context, auctionID string) ([]event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "Service.AuctionEvents",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	if _, err := s.auctions.GetByID(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.events.Load(ctx, auctionID)
}
