// Package payment confirms payments by winning customers. The winner's
// payment window runs from auction end until end plus the configured grace
// period; an unpaid window expiry is final and the charge is never retried
// against a different customer.
package payment

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
	"github.com/reloft/auction-service/internal/winner"
)

// WinnerResolver resolves an auction's outcome before payment is accepted.
type WinnerResolver interface {
	Resolve(ctx context.Context, auctionID string) (*winner.Resolution, error)
}

// Service handles payment confirmation for won auctions.
type Service struct {
	auctions    store.AuctionRepository
	payments    store.PaymentRepository
	resolver    WinnerResolver
	gateway     Gateway
	events      event.Store
	notifier    notify.Notifier
	clock       clock.Clock
	gracePeriod time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewService returns a new payment Service.
func NewService(
	auctions store.AuctionRepository,
	payments store.PaymentRepository,
	resolver WinnerResolver,
	gateway Gateway,
	events event.Store,
	notifier notify.Notifier,
	clk clock.Clock,
	gracePeriod time.Duration,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Service {
	return &Service{
		auctions:    auctions,
		payments:    payments,
		resolver:    resolver,
		gateway:     gateway,
		events:      events,
		notifier:    notifier,
		clock:       clk,
		gracePeriod: gracePeriod,
		logger:      logger,
		tracer:      tp.Tracer("github.com/reloft/auction-service/internal/payment"),
	}
}

// Confirm charges customerID for the auction they won, settling the external
// payment reference the checkout issued, and records the PAID row. It
// resolves the auction first if no resolution is persisted yet. Only the
// winning customer may pay, only within the payment window, and only once;
// the duplicate check, the gateway charge and the PAID insert all run under
// the auction's exclusive row lock so concurrent confirmations cannot charge
// the winner twice.
func (s *Service) Confirm(ctx context.Context, auctionID, customerID, externalRef string) (*store.AuctionPayment, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Confirm",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("customer_id", customerID),
		),
	)
	defer span.End()

	if externalRef == "" {
		return nil, fmt.Errorf("auction %s: %w", auctionID, auction.ErrInvalidPaymentRef)
	}

	res, err := s.resolver.Resolve(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if res.WinnerID == nil {
		return nil, fmt.Errorf("auction %s: %w", auctionID, auction.ErrNoWinner)
	}
	if *res.WinnerID != customerID {
		return nil, fmt.Errorf("customer %s: %w", customerID, auction.ErrNotWinner)
	}

	var (
		p         *store.AuctionPayment
		chargeErr error
	)
	err = s.auctions.WithLock(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()

		deadline := a.EndTime.Add(s.gracePeriod)
		now := s.clock.Now().UTC()
		if now.After(deadline) {
			return fmt.Errorf("deadline was %s: %w", deadline.Format(time.RFC3339), auction.ErrPaymentWindowExpired)
		}

		if _, err := s.payments.GetPaidByAuction(ctx, auctionID); err == nil {
			return fmt.Errorf("auction %s: %w", auctionID, auction.ErrDuplicatePayment)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("checking existing payment: %w", err)
		}

		if err := s.gateway.Charge(ctx, customerID, res.Price, externalRef); err != nil {
			chargeErr = err
			return fmt.Errorf("charging customer %s: %w", customerID, err)
		}

		p = &store.AuctionPayment{
			AuctionID:   auctionID,
			CustomerID:  customerID,
			Amount:      res.Price,
			Status:      store.PaymentPaid,
			ExternalRef: externalRef,
			PaidAt:      &now,
		}
		return s.payments.Create(ctx, p)
	})
	if chargeErr != nil {
		s.recordDecline(ctx, auctionID, customerID, res.Price, externalRef, chargeErr)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(event.PaymentData{
		PaymentID:   p.ID,
		CustomerID:  customerID,
		Amount:      res.Price,
		ExternalRef: externalRef,
	})
	evt := event.Event{
		AggregateID: auctionID,
		Type:        event.PaymentConfirmed,
		Data:        data,
	}
	if err := s.events.Append(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "failed to append payment confirmed event", slog.Any("error", err))
	}

	if err := s.notifier.Notify(ctx, notify.PaymentConfirmed(auctionID, customerID, res.Price)); err != nil {
		s.logger.WarnContext(ctx, "payment notification failed", slog.Any("error", err))
	}

	s.logger.InfoContext(ctx, "payment confirmed",
		slog.String("auction_id", auctionID),
		slog.String("customer_id", customerID),
		slog.Int64("amount", res.Price),
		slog.String("external_ref", externalRef),
	)
	return p, nil
}

// recordDecline keeps a FAILED row and event for the declined attempt. Both
// are best-effort; the caller still gets the gateway error.
func (s *Service) recordDecline(ctx context.Context, auctionID, customerID string, amount int64, externalRef string, cause error) {
	p := &store.AuctionPayment{
		AuctionID:   auctionID,
		CustomerID:  customerID,
		Amount:      amount,
		Status:      store.PaymentFailed,
		ExternalRef: externalRef,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		s.logger.ErrorContext(ctx, "failed to record declined payment", slog.Any("error", err))
	}

	data, _ := json.Marshal(event.PaymentData{
		PaymentID:   p.ID,
		CustomerID:  customerID,
		Amount:      amount,
		ExternalRef: externalRef,
	})
	evt := event.Event{
		AggregateID: auctionID,
		Type:        event.PaymentDeclined,
		Data:        data,
	}
	if err := s.events.Append(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "failed to append payment declined event", slog.Any("error", err))
	}

	s.logger.WarnContext(ctx, "payment declined",
		slog.String("auction_id", auctionID),
		slog.String("customer_id", customerID),
		slog.Any("error", cause),
	)
}
