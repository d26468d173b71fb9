package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/store"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// PaymentRepo implements store.PaymentRepository with sqlx.
type PaymentRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewPaymentRepo returns a new PaymentRepo.
func NewPaymentRepo(db *sqlx.DB, clk clock.Clock) *PaymentRepo {
	return &PaymentRepo{db: db, clock: clk}
}

func (r *PaymentRepo) Create(ctx context.Context, p *store.AuctionPayment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = r.clock.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auction_payments (id, auction_id, customer_id, amount, status, external_ref, paid_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.AuctionID, p.CustomerID, p.Amount, p.Status, p.ExternalRef, p.PaidAt, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		// The partial unique index on PAID rows lost a race: someone else
		// already recorded the successful payment.
		return fmt.Errorf("recording payment for auction %s: %w", p.AuctionID, auction.ErrDuplicatePayment)
	}
	if err != nil {
		return fmt.Errorf("recording payment: %w", err)
	}
	return nil
}

func (r *PaymentRepo) GetPaidByAuction(ctx context.Context, auctionID string) (*store.AuctionPayment, error) {
	var p store.AuctionPayment
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM auction_payments WHERE auction_id = $1 AND status = $2`,
		auctionID, store.PaymentPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
