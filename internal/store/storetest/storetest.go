// Package storetest provides an in-memory implementation of the store
// repository contracts for service tests. WithLock serializes callers with a
// mutex and rolls the auction back when fn fails, mirroring the transactional
// behavior of the Postgres driver.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/event"
	"github.com/reloft/auction-service/internal/store"
)

// Store holds all records in memory. lockMu serializes WithLock callers the
// way the row lock does; mu guards the maps and is never held across fn.
type Store struct {
	lockMu   sync.Mutex
	mu       sync.Mutex
	seq      int
	auctions map[string]*store.Auction
	bids     map[string][]store.Bid
	payments map[string][]store.AuctionPayment
	items    map[string]*store.Item
	accounts map[string]*store.Account
	events   []event.Event

	// LockErr, when set, is returned by WithLock before fn runs.
	LockErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		auctions: make(map[string]*store.Auction),
		bids:     make(map[string][]store.Bid),
		payments: make(map[string][]store.AuctionPayment),
		items:    make(map[string]*store.Item),
		accounts: make(map[string]*store.Account),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// AddItem seeds a catalog item.
func (s *Store) AddItem(it store.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = &it
}

// AddAccount seeds a customer account.
func (s *Store) AddAccount(a store.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// Auctions returns the auction repository view.
func (s *Store) Auctions() store.AuctionRepository { return (*auctionRepo)(s) }

// Bids returns the bid repository view.
func (s *Store) Bids() store.BidRepository { return (*bidRepo)(s) }

// Payments returns the payment repository view.
func (s *Store) Payments() store.PaymentRepository { return (*paymentRepo)(s) }

// Items returns the item repository view.
func (s *Store) Items() store.ItemRepository { return (*itemRepo)(s) }

// Accounts returns the account repository view.
func (s *Store) Accounts() store.AccountRepository { return (*accountRepo)(s) }

// Events returns the event store view.
func (s *Store) Events() event.Store { return (*eventStore)(s) }

// AppendedEvents returns a copy of everything appended so far.
func (s *Store) AppendedEvents() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

type auctionRepo Store

func (r *auctionRepo) Create(_ context.Context, a *store.Auction) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = s.nextID("auction")
	}
	if a.Status == "" {
		a.Status = auction.StatusScheduled
	}
	if a.CurrentPrice == 0 {
		a.CurrentPrice = a.StartPrice
	}
	cp := *a
	s.auctions[a.ID] = &cp
	return nil
}

func (r *auctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *auctionRepo) ListDueToStart(_ context.Context, now time.Time, limit int) ([]store.Auction, error) {
	return (*Store)(r).listDue(auction.StatusScheduled, func(a *store.Auction) bool {
		return !a.StartTime.After(now)
	}, limit)
}

func (r *auctionRepo) ListDueToClose(_ context.Context, now time.Time, limit int) ([]store.Auction, error) {
	return (*Store)(r).listDue(auction.StatusProceeding, func(a *store.Auction) bool {
		return !a.EndTime.After(now)
	}, limit)
}

func (s *Store) listDue(status auction.Status, due func(*store.Auction) bool, limit int) ([]store.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Auction
	for _, a := range s.auctions {
		if a.Status == status && due(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *auctionRepo) WithLock(ctx context.Context, id string, fn func(ctx context.Context, tx store.AuctionTx) error) error {
	s := (*Store)(r)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.LockErr != nil {
		return s.LockErr
	}

	s.mu.Lock()
	a, ok := s.auctions[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	rowBackup := *a
	bidsBackup := append([]store.Bid(nil), s.bids[id]...)
	s.mu.Unlock()

	if err := fn(ctx, &auctionTx{s: s, row: a}); err != nil {
		s.mu.Lock()
		*a = rowBackup
		s.bids[id] = bidsBackup
		s.mu.Unlock()
		return err
	}
	return nil
}

// auctionTx mutates the store directly; WithLock restores the snapshot when
// fn fails.
type auctionTx struct {
	s   *Store
	row *store.Auction
}

func (t *auctionTx) Auction() *store.Auction { return t.row }

func (t *auctionTx) HighestBid(_ context.Context) (*store.Bid, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return highest(t.s.bids[t.row.ID])
}

func (t *auctionTx) InsertBid(_ context.Context, b *store.Bid) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if b.ID == "" {
		b.ID = t.s.nextID("bid")
	}
	t.s.bids[b.AuctionID] = append(t.s.bids[b.AuctionID], *b)
	return nil
}

func (t *auctionTx) UpdateCurrentPrice(_ context.Context, price int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.row.CurrentPrice = price
	return nil
}

func (t *auctionTx) UpdateStatus(_ context.Context, st auction.Status) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.row.Status = st
	return nil
}

func (t *auctionTx) CompleteWith(_ context.Context, winnerID *string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.row.Status = auction.StatusCompleted
	t.row.WinningCustomerID = winnerID
	return nil
}

// highest picks the highest price; equal prices go to the earlier bid time,
// matching the driver's ORDER BY bid_price DESC, bid_time ASC.
func highest(bids []store.Bid) (*store.Bid, error) {
	if len(bids) == 0 {
		return nil, store.ErrNotFound
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.BidPrice > best.BidPrice ||
			(b.BidPrice == best.BidPrice && b.BidTime.Before(best.BidTime)) {
			best = b
		}
	}
	return &best, nil
}

type bidRepo Store

func (r *bidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Bid(nil), s.bids[auctionID]...), nil
}

func (r *bidRepo) Highest(_ context.Context, auctionID string) (*store.Bid, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return highest(s.bids[auctionID])
}

type paymentRepo Store

func (r *paymentRepo) Create(_ context.Context, p *store.AuctionPayment) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = s.nextID("payment")
	}
	if p.Status == store.PaymentPaid {
		for _, existing := range s.payments[p.AuctionID] {
			if existing.Status == store.PaymentPaid {
				return auction.ErrDuplicatePayment
			}
		}
	}
	s.payments[p.AuctionID] = append(s.payments[p.AuctionID], *p)
	return nil
}

func (r *paymentRepo) GetPaidByAuction(_ context.Context, auctionID string) (*store.AuctionPayment, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments[auctionID] {
		if p.Status == store.PaymentPaid {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

type itemRepo Store

func (r *itemRepo) GetByID(_ context.Context, id string) (*store.Item, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

type accountRepo Store

func (r *accountRepo) GetByID(_ context.Context, id string) (*store.Account, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

type eventStore Store

func (e *eventStore) Append(_ context.Context, events ...event.Event) error {
	s := (*Store)(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (e *eventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s := (*Store)(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, evt := range s.events {
		if evt.AggregateID == aggregateID {
			out = append(out, evt)
		}
	}
	return out, nil
}
