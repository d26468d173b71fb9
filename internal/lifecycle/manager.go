// Package lifecycle drives auctions through their state machine. A periodic
// sweep persists the transitions that real time has already implied: opening
// SCHEDULED auctions whose start time passed and resolving PROCEEDING
// auctions whose end time passed. Reads never depend on the sweep; they
// derive status from the clock. The sweep runs on the elected leader only
// and claims due rows with SKIP LOCKED, so overlapping instances never
// double-fire a transition.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/config"
	"github.com/reloft/auction-service/internal/event"
	"github.com/reloft/auction-service/internal/notify"
	"github.com/reloft/auction-service/internal/store"
	"github.com/reloft/auction-service/internal/winner"
)

// Resolver resolves ended auctions during the sweep.
type Resolver interface {
	Resolve(ctx context.Context, auctionID string) (*winner.Resolution, error)
}

// Manager advances auction lifecycle state.
type Manager struct {
	auctions  store.AuctionRepository
	resolver  Resolver
	events    event.Store
	notifier  notify.Notifier
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewManager returns a new lifecycle Manager.
func NewManager(
	auctions store.AuctionRepository,
	resolver Resolver,
	events event.Store,
	notifier notify.Notifier,
	clk clock.Clock,
	cfg config.AuctionConfig,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Manager {
	return &Manager{
		auctions:  auctions,
		resolver:  resolver,
		events:    events,
		notifier:  notifier,
		clock:     clk,
		interval:  cfg.SweepInterval,
		batchSize: cfg.SweepBatchSize,
		logger:    logger,
		tracer:    tp.Tracer("github.com/reloft/auction-service/internal/lifecycle"),
	}
}

// Run sweeps on the configured interval until ctx is canceled. It is meant
// to run on the leader instance only.
func (m *Manager) Run(ctx context.Context) {
	m.logger.InfoContext(ctx, "lifecycle sweep starting", slog.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "lifecycle sweep stopping")
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one pass: opens due SCHEDULED auctions, then resolves due
// PROCEEDING auctions. Opening runs first so an auction whose whole window
// elapsed between sweeps is opened and closed in the same pass.
func (m *Manager) Sweep(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Sweep")
	defer span.End()

	now := m.clock.Now().UTC()

	opened, err := m.openDue(ctx, now)
	if err != nil {
		return fmt.Errorf("opening due auctions: %w", err)
	}

	closed, err := m.closeDue(ctx, now)
	if err != nil {
		return fmt.Errorf("closing due auctions: %w", err)
	}

	span.SetAttributes(attribute.Int("opened", opened), attribute.Int("closed", closed))
	if opened > 0 || closed > 0 {
		m.logger.InfoContext(ctx, "sweep pass done",
			slog.Int("opened", opened),
			slog.Int("closed", closed),
		)
	}
	return nil
}

func (m *Manager) openDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.auctions.ListDueToStart(ctx, now, m.batchSize)
	if err != nil {
		return 0, err
	}

	opened := 0
	for _, a := range due {
		didOpen, err := m.open(ctx, a.ID)
		if err != nil {
			// One stuck auction must not starve the rest of the batch.
			m.logger.ErrorContext(ctx, "failed to open auction",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			continue
		}
		if didOpen {
			opened++
		}
	}
	return opened, nil
}

func (m *Manager) open(ctx context.Context, auctionID string) (bool, error) {
	var opened event.AuctionOpenedData
	didOpen := false
	err := m.auctions.WithLock(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()
		// Someone else may have advanced it between the list and the lock.
		if a.Status != auction.StatusScheduled {
			return nil
		}
		if err := auction.ValidateTransition(a.Status, auction.StatusProceeding); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, auction.StatusProceeding); err != nil {
			return err
		}
		opened = event.AuctionOpenedData{
			ItemID:     a.ItemID,
			StartPrice: a.StartPrice,
			EndTime:    a.EndTime,
		}
		didOpen = true
		return nil
	})
	if err != nil || !didOpen {
		return false, err
	}

	data, _ := json.Marshal(opened)
	evt := event.Event{
		AggregateID: auctionID,
		Type:        event.AuctionOpened,
		Data:        data,
	}
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "failed to append auction opened event", slog.Any("error", err))
	}

	if err := m.notifier.Notify(ctx, notify.AuctionOpened(auctionID, opened.StartPrice)); err != nil {
		m.logger.WarnContext(ctx, "open notification failed", slog.Any("error", err))
	}
	return true, nil
}

func (m *Manager) closeDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.auctions.ListDueToClose(ctx, now, m.batchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, a := range due {
		if _, err := m.resolver.Resolve(ctx, a.ID); err != nil {
			m.logger.ErrorContext(ctx, "failed to resolve auction",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			continue
		}
		closed++
	}
	return closed, nil
}

// Cancel administratively cancels a PROCEEDING auction. Cancellation of a
// SCHEDULED or already terminal auction is rejected; CANCELED is final and
// no winner is ever resolved for it.
func (m *Manager) Cancel(ctx context.Context, auctionID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Cancel",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	err := m.auctions.WithLock(ctx, auctionID, func(ctx context.Context, tx store.AuctionTx) error {
		a := tx.Auction()
		now := m.clock.Now()

		// An auction past its end time is completed in every reader's eyes
		// even before the sweep persists it; cancellation comes too late.
		derived := auction.DerivedStatus(a.Status, a.StartTime, a.EndTime, now)
		if err := auction.ValidateTransition(derived, auction.StatusCanceled); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, auction.StatusCanceled)
	})
	if err != nil {
		return err
	}

	data, _ := json.Marshal(event.AuctionCancelledData{Reason: reason})
	evt := event.Event{
		AggregateID: auctionID,
		Type:        event.AuctionCancelled,
		Data:        data,
	}
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "failed to append auction cancelled event", slog.Any("error", err))
	}

	m.logger.InfoContext(ctx, "auction cancelled",
		slog.String("auction_id", auctionID),
		slog.String("reason", reason),
	)
	return nil
}
