package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/reloft/auction-service/internal/store"
)

// ItemRepo is the read-only catalog projection. The curation subsystem owns
// these rows; the bidding engine only ever reads them.
type ItemRepo struct {
	db *sqlx.DB
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB) *ItemRepo {
	return &ItemRepo{db: db}
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*store.Item, error) {
	var it store.Item
	err := r.db.GetContext(ctx, &it, `SELECT * FROM items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return &it, nil
}

// AccountRepo is the read-only account projection used for bid eligibility.
type AccountRepo struct {
	db *sqlx.DB
}

// NewAccountRepo returns a new AccountRepo.
func NewAccountRepo(db *sqlx.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) GetByID(ctx context.Context, id string) (*store.Account, error) {
	var a store.Account
	err := r.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &a, nil
}
