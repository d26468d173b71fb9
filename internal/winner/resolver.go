// Package winner resolves the outcome of ended auctions. Resolution is
// idempotent: it runs under the auction's exclusive row lock and the first
// persisted COMPLETED write wins, so sweeps, reads and retries may all ask
// for resolution without double-awarding.
package winner

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

// Outcome classifies a resolution result.
type Outcome string

const (
	// OutcomeWin means this call fixed a winning customer.
	OutcomeWin Outcome = "WIN"
	// OutcomeNoBid means this call closed the auction without bids.
	OutcomeNoBid Outcome = "NO_BID"
	// OutcomeAlreadyResolved means a previous call already completed the
	// auction; the returned winner and price are the persisted ones.
	OutcomeAlreadyResolved Outcome = "ALREADY_RESOLVED"
)

// Resolution is the result of resolving one auction.
type Resolution struct {
	Outcome  Outcome
	WinnerID *string
	Price    int64
}

// Resolver completes ended auctions.
type Resolver struct {
	auctions    store.AuctionRepository
	events      event.Store
	notifier    notify.Notifier
	clock       clock.Clock
	gracePeriod time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewResolver returns a new Resolver. gracePeriod is how long after auction
// end the winner may pay.
func NewResolver(
	auctions store.AuctionRepository,
	events event.Store,
	notifier notify.Notifier,
	clk clock.Clock,
	gracePeriod time.Duration,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Resolver {
	return &Resolver{
		auctions:    auctions,
		events:      events,
		notifier:    notifier,
		clock:       clk,
		gracePeriod: gracePeriod,
		logger:      logger,
		tracer:      tp.Tracer("github.com/reloft/auction-service/internal/winner"),
	}
}

// Resolve completes the auction if it has ended and is not yet resolved.
// The highest bid wins; a close without bids is persisted as COMPLETED with
// no winner. Calling Resolve on an already resolved auction returns the
// persisted outcome unchanged.
func (r *Resolver) Resolve(ctx context.Context, auctionID string) (*Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "Resolver.Resolve",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	var res *Resolution
	err := r.auctions.WithLock(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()

		if a.Resolved() {
			res = &Resolution{
				Outcome:  OutcomeAlreadyResolved,
				WinnerID: a.WinningCustomerID,
				Price:    a.CurrentPrice,
			}
			return nil
		}
		if a.Status == auction.StatusCanceled {
			return fmt.Errorf("auction %s: %w", auctionID, auction.ErrAuctionCanceled)
		}
		if r.clock.Now().Before(a.EndTime) {
			return fmt.Errorf("auction %s ends at %s: %w", auctionID, a.EndTime.Format(time.RFC3339), auction.ErrAuctionNotEnded)
		}

		// A SCHEDULED row whose whole window elapsed between sweeps takes
		// both edges here, so every persisted write goes through the
		// transition table.
		cur := a.Status
		if cur == auction.StatusScheduled {
			if err := auction.ValidateTransition(cur, auction.StatusProceeding); err != nil {
				return err
			}
			if err := tx.UpdateStatus(ctx, auction.StatusProceeding); err != nil {
				return err
			}
			cur = auction.StatusProceeding
		}
		if err := auction.ValidateTransition(cur, auction.StatusCompleted); err != nil {
			return err
		}

		high, err := tx.HighestBid(ctx)
		if errors.Is(err, store.ErrNotFound) {
			if err := tx.CompleteWith(ctx, nil); err != nil {
				return err
			}
			res = &Resolution{Outcome: OutcomeNoBid}
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.CompleteWith(ctx, &high.CustomerID); err != nil {
			return err
		}
		res = &Resolution{
			Outcome:  OutcomeWin,
			WinnerID: &high.CustomerID,
			Price:    high.BidPrice,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Outcome == OutcomeAlreadyResolved {
		return res, nil
	}

	winnerID := ""
	if res.WinnerID != nil {
		winnerID = *res.WinnerID
	}
	data, _ := json.Marshal(event.AuctionCompletedData{WinnerID: winnerID, Price: res.Price})
	evt := event.Event{
		AggregateID: auctionID,
		Type:        event.AuctionCompleted,
		Data:        data,
	}
	if err := r.events.Append(ctx, evt); err != nil {
		r.logger.ErrorContext(ctx, "failed to append auction completed event", slog.Any("error", err))
	}

	if err := r.notifier.Notify(ctx, notify.AuctionCompleted(auctionID, winnerID, res.Price)); err != nil {
		r.logger.WarnContext(ctx, "completion notification failed", slog.Any("error", err))
	}

	r.logger.InfoContext(ctx, "auction resolved",
		slog.String("auction_id", auctionID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("winner_id", winnerID),
		slog.Int64("price", res.Price),
	)
	return res, nil
}

// Info is the winner-facing view of a resolved auction.
type Info struct {
	AuctionID       string
	WinnerID        string
	Price           int64
	PaymentDeadline time.Time
}

// WinnerInfo resolves the auction if needed and returns the winner with the
// payment deadline. It returns ErrNoWinner for a no-bid close.
func (r *Resolver) WinnerInfo(ctx context.Context, auctionID string) (*Info, error) {
	ctx, span := r.tracer.Start(ctx, "Resolver.WinnerInfo",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	res, err := r.Resolve(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if res.WinnerID == nil {
		return nil, fmt.Errorf("auction %s: %w", auctionID, auction.ErrNoWinner)
	}

	a, err := r.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return &Info{
		AuctionID:       auctionID,
		WinnerID:        *res.WinnerID,
		Price:           res.Price,
		PaymentDeadline: a.EndTime.Add(r.gracePeriod),
	}, nil
}
