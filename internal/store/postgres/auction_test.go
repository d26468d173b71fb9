package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/store"
	"github.com/reloft/auction-service/internal/store/postgres"
)

func TestAuctionRepo_CreateAndGetByID(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)
	ctx := context.Background()

	seedItem(t, db, "item-1", "seller-1")

	now := time.Now().UTC().Truncate(time.Millisecond)
	a := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 50_000,
		StartTime:  now.Add(time.Hour),
		EndTime:    now.Add(25 * time.Hour),
	}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}
	if a.Status != auction.StatusScheduled {
		t.Errorf("Status = %q, want %q", a.Status, auction.StatusScheduled)
	}
	if a.CurrentPrice != 50_000 {
		t.Errorf("CurrentPrice = %d, want start price 50000", a.CurrentPrice)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ItemID != "item-1" {
		t.Errorf("ItemID = %q, want %q", got.ItemID, "item-1")
	}
	if got.WinningCustomerID != nil {
		t.Errorf("WinningCustomerID = %v, want nil", got.WinningCustomerID)
	}
}

func TestAuctionRepo_GetByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)

	_, err := repo.GetByID(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID error = %v, want ErrNotFound", err)
	}
}

func TestAuctionRepo_ListDue(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)
	ctx := context.Background()

	seedItem(t, db, "item-1", "seller-1")

	now := time.Now().UTC()
	past := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 10_000,
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(23 * time.Hour),
	}
	future := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 10_000,
		StartTime:  now.Add(time.Hour),
		EndTime:    now.Add(25 * time.Hour),
	}
	for _, a := range []*store.Auction{past, future} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	due, err := repo.ListDueToStart(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueToStart: %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Fatalf("ListDueToStart = %v, want only the past-start auction", due)
	}

	// Nothing has ended yet.
	closing, err := repo.ListDueToClose(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueToClose: %v", err)
	}
	if len(closing) != 0 {
		t.Fatalf("ListDueToClose returned %d, want 0", len(closing))
	}

	// Flip the past auction to PROCEEDING and move time beyond its end.
	err = repo.WithLock(ctx, past.ID, func(ctx context.Context, tx store.AuctionTx) error {
		return tx.UpdateStatus(ctx, auction.StatusProceeding)
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	closing, err = repo.ListDueToClose(ctx, now.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueToClose: %v", err)
	}
	if len(closing) != 1 || closing[0].ID != past.ID {
		t.Fatalf("ListDueToClose = %v, want the proceeding auction", closing)
	}
}

func TestAuctionRepo_WithLock_BidFlow(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)
	ctx := context.Background()

	seedItem(t, db, "item-1", "seller-1")

	now := time.Now().UTC()
	a := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 50_000,
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(23 * time.Hour),
		Status:     auction.StatusProceeding,
	}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := repo.WithLock(ctx, a.ID, func(ctx context.Context, tx store.AuctionTx) error {
		if _, err := tx.HighestBid(ctx); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("HighestBid on empty log = %v, want ErrNotFound", err)
		}
		b := &store.Bid{AuctionID: a.ID, CustomerID: "cust-1", BidPrice: 51_000, BidTime: now}
		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}
		return tx.UpdateCurrentPrice(ctx, 51_000)
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CurrentPrice != 51_000 {
		t.Errorf("CurrentPrice = %d, want 51000", got.CurrentPrice)
	}

	// Second bid sees the committed price through the tx snapshot.
	err = repo.WithLock(ctx, a.ID, func(ctx context.Context, tx store.AuctionTx) error {
		if tx.Auction().CurrentPrice != 51_000 {
			t.Errorf("locked CurrentPrice = %d, want 51000", tx.Auction().CurrentPrice)
		}
		high, err := tx.HighestBid(ctx)
		if err != nil {
			return err
		}
		if high.CustomerID != "cust-1" {
			t.Errorf("highest bidder = %q, want cust-1", high.CustomerID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
}

func TestAuctionRepo_WithLock_FnErrorRollsBack(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)
	ctx := context.Background()

	seedItem(t, db, "item-1", "seller-1")

	now := time.Now().UTC()
	a := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 10_000,
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(time.Hour),
		Status:     auction.StatusProceeding,
	}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	boom := errors.New("boom")
	err := repo.WithLock(ctx, a.ID, func(ctx context.Context, tx store.AuctionTx) error {
		if err := tx.UpdateCurrentPrice(ctx, 11_000); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock error = %v, want boom", err)
	}

	got, _ := repo.GetByID(ctx, a.ID)
	if got.CurrentPrice != 10_000 {
		t.Errorf("CurrentPrice after rollback = %d, want 10000", got.CurrentPrice)
	}
}

func TestAuctionRepo_WithLock_NotFound(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)

	err := repo.WithLock(context.Background(), "nope", func(ctx context.Context, tx store.AuctionTx) error {
		t.Fatal("fn should not be called for a missing auction")
		return nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("WithLock error = %v, want ErrNotFound", err)
	}
}

func TestAuctionRepo_WithLock_Timeout(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 200*time.Millisecond)
	ctx := context.Background()

	seedItem(t, db, "item-1", "seller-1")

	now := time.Now().UTC()
	a := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 10_000,
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(time.Hour),
		Status:     auction.StatusProceeding,
	}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithLock(ctx, a.ID, func(ctx context.Context, tx store.AuctionTx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// Second locker must give up with the retryable lock timeout.
	err := repo.WithLock(ctx, a.ID, func(ctx context.Context, tx store.AuctionTx) error {
		t.Error("fn should not run while the row is locked")
		return nil
	})
	if !errors.Is(err, auction.ErrLockTimeout) {
		t.Errorf("WithLock error = %v, want ErrLockTimeout", err)
	}
	if !auction.Retryable(err) {
		t.Error("lock timeout should be retryable")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder WithLock: %v", err)
	}
}

func TestAuctionRepo_CompleteWith(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{}, 5*time.Second)
	ctx := context.Background()

	seedItem(t, db, "item-1", "seller-1")

	now := time.Now().UTC()
	a := &store.Auction{
		ItemID:     "item-1",
		StartPrice: 10_000,
		StartTime:  now.Add(-2 * time.Hour),
		EndTime:    now.Add(-time.Hour),
		Status:     auction.StatusProceeding,
	}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	winner := "cust-9"
	err := repo.WithLock(ctx, a.ID, func(ctx context.Context, tx store.AuctionTx) error {
		return tx.CompleteWith(ctx, &winner)
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	got, _ := repo.GetByID(ctx, a.ID)
	if got.Status != auction.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, auction.StatusCompleted)
	}
	if got.WinningCustomerID == nil || *got.WinningCustomerID != winner {
		t.Errorf("WinningCustomerID = %v, want %q", got.WinningCustomerID, winner)
	}
	if !got.Resolved() {
		t.Error("expected auction to be resolved")
	}
}
