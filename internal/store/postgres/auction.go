package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/store"
)

// lockNotAvailable is the Postgres error code raised when lock_timeout
// expires while waiting for the FOR UPDATE lock.
const lockNotAvailable = "55P03"

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db          *sqlx.DB
	clock       clock.Clock
	lockTimeout time.Duration
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock, lockTimeout time.Duration) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk, lockTimeout: lockTimeout}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = auction.StatusScheduled
	}
	if a.CurrentPrice == 0 {
		a.CurrentPrice = a.StartPrice
	}
	now := r.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auctions (id, item_id, start_price, current_price, start_time, end_time, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ItemID, a.StartPrice, a.CurrentPrice, a.StartTime, a.EndTime, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListDueToStart(ctx context.Context, now time.Time, limit int) ([]store.Auction, error) {
	var auctions []store.Auction
	// SKIP LOCKED keeps the sweep from queueing behind in-flight bid
	// transactions; skipped rows are picked up on the next pass.
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 AND start_time <= $2
		 ORDER BY start_time ASC LIMIT $3 FOR UPDATE SKIP LOCKED`,
		auction.StatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing auctions due to start: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListDueToClose(ctx context.Context, now time.Time, limit int) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 AND end_time <= $2
		 ORDER BY end_time ASC LIMIT $3 FOR UPDATE SKIP LOCKED`,
		auction.StatusProceeding, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing auctions due to close: %w", err)
	}
	return auctions, nil
}

// WithLock opens a transaction, takes the exclusive row lock on the auction
// and runs fn against it. Every precondition fn checks therefore sees the
// price and status committed by the previous holder of the lock; two racing
// bids are fully serialized here.
func (r *AuctionRepo) WithLock(ctx context.Context, id string, fn func(ctx context.Context, tx store.AuctionTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Bound the lock wait so a contended auction degrades to a retryable
	// error instead of queueing indefinitely.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("setting lock timeout: %w", err)
	}

	var a store.Auction
	err = tx.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1 FOR UPDATE`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case isLockTimeout(err):
		return fmt.Errorf("locking auction %s: %w", id, auction.ErrLockTimeout)
	case err != nil:
		return fmt.Errorf("locking auction %s: %w", id, err)
	}

	if err := fn(ctx, &auctionTx{tx: tx, row: &a, clock: r.clock}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing auction transaction: %w", err)
	}
	return nil
}

func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable
}

// auctionTx implements store.AuctionTx over an open sqlx transaction.
type auctionTx struct {
	tx    *sqlx.Tx
	row   *store.Auction
	clock clock.Clock
}

func (t *auctionTx) Auction() *store.Auction { return t.row }

func (t *auctionTx) HighestBid(ctx context.Context) (*store.Bid, error) {
	var b store.Bid
	err := t.tx.GetContext(ctx, &b,
		`SELECT * FROM bids WHERE auction_id = $1
		 ORDER BY bid_price DESC, bid_time ASC LIMIT 1`, t.row.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting highest bid: %w", err)
	}
	return &b, nil
}

func (t *auctionTx) InsertBid(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO bids (id, auction_id, customer_id, bid_price, bid_time)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.AuctionID, b.CustomerID, b.BidPrice, b.BidTime,
	)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}
	return nil
}

func (t *auctionTx) UpdateCurrentPrice(ctx context.Context, price int64) error {
	now := t.clock.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE auctions SET current_price = $1, updated_at = $2 WHERE id = $3`,
		price, now, t.row.ID,
	)
	if err != nil {
		return fmt.Errorf("updating current price: %w", err)
	}
	t.row.CurrentPrice = price
	t.row.UpdatedAt = now
	return nil
}

func (t *auctionTx) UpdateStatus(ctx context.Context, s auction.Status) error {
	now := t.clock.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE auctions SET status = $1, updated_at = $2 WHERE id = $3`,
		s, now, t.row.ID,
	)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	t.row.Status = s
	t.row.UpdatedAt = now
	return nil
}

func (t *auctionTx) CompleteWith(ctx context.Context, winnerID *string) error {
	now := t.clock.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE auctions SET status = $1, winning_customer_id = $2, updated_at = $3 WHERE id = $4`,
		auction.StatusCompleted, winnerID, now, t.row.ID,
	)
	if err != nil {
		return fmt.Errorf("completing auction: %w", err)
	}
	t.row.Status = auction.StatusCompleted
	t.row.WinningCustomerID = winnerID
	t.row.UpdatedAt = now
	return nil
}
