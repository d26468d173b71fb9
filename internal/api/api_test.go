package api_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reloft/auction-service/internal/api"
	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/bidding"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/config"
	"github.com/reloft/auction-service/internal/lifecycle"
	"github.com/reloft/auction-service/internal/notify"
	"github.com/reloft/auction-service/internal/payment"
	"github.com/reloft/auction-service/internal/store"
	"github.com/reloft/auction-service/internal/store/storetest"
	"github.com/reloft/auction-service/internal/winner"
)

var testTP = noop.NewTracerProvider()

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storetest.Store
	clock   *clock.Mock
	handler http.Handler
}

// newFixture wires the real services over the in-memory store. It seeds a
// PROCEEDING auction "auction-1" (start price 50,000, ends baseTime+23h) and
// an ended auction "auction-2" won by cust-1 at 52,000.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New()
	st.AddItem(store.Item{ID: "item-1", SellerID: "seller-1", Title: "Marble coffee table"})
	st.AddAccount(store.Account{ID: "cust-1", Status: "active"})
	st.AddAccount(store.Account{ID: "cust-2", Status: "active"})
	st.AddAccount(store.Account{ID: "seller-1", Status: "active"})

	ctx := context.Background()
	running := &store.Auction{
		ID: "auction-1", ItemID: "item-1", StartPrice: 50_000,
		StartTime: baseTime.Add(-time.Hour), EndTime: baseTime.Add(23 * time.Hour),
		Status: auction.StatusProceeding,
	}
	ended := &store.Auction{
		ID: "auction-2", ItemID: "item-1", StartPrice: 50_000,
		StartTime: baseTime.Add(-25 * time.Hour), EndTime: baseTime.Add(-time.Hour),
		Status: auction.StatusProceeding,
	}
	for _, a := range []*store.Auction{running, ended} {
		if err := st.Auctions().Create(ctx, a); err != nil {
			t.Fatalf("seeding auction: %v", err)
		}
	}
	err := st.Auctions().WithLock(ctx, "auction-2", func(ctx context.Context, tx store.AuctionTx) error {
		b := &store.Bid{AuctionID: "auction-2", CustomerID: "cust-1", BidPrice: 52_000, BidTime: baseTime.Add(-2 * time.Hour)}
		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}
		return tx.UpdateCurrentPrice(ctx, 52_000)
	})
	if err != nil {
		t.Fatalf("seeding bid: %v", err)
	}

	clk := &clock.Mock{T: baseTime}
	logger := slog.Default()
	notifier := &notify.Log{Logger: logger}
	resolver := winner.NewResolver(st.Auctions(), st.Events(), notifier, clk, 24*time.Hour, logger, testTP)
	bids := bidding.NewService(st.Auctions(), st.Bids(), st.Items(), st.Accounts(), st.Events(), notifier, clk, logger, testTP)
	payments := payment.NewService(st.Auctions(), st.Payments(), resolver, payment.AutoApproveGateway{}, st.Events(), notifier, clk, 24*time.Hour, logger, testTP)
	admin := lifecycle.NewManager(st.Auctions(), resolver, st.Events(), notifier, clk,
		config.AuctionConfig{GracePeriod: 24 * time.Hour, SweepInterval: time.Second, SweepBatchSize: 10},
		logger, testTP)

	srv := api.NewServer(bids, resolver, payments, admin, logger)
	return &fixture{store: st, clock: clk, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestGetAuction(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/auctions/auction-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}

	got := decode[map[string]any](t, rec)
	if got["status"] != "PROCEEDING" {
		t.Errorf("status = %v, want PROCEEDING", got["status"])
	}
	if got["minimum_next_bid"] != float64(51_000) {
		t.Errorf("minimum_next_bid = %v, want 51000", got["minimum_next_bid"])
	}
	if got["time_remaining_seconds"] != float64(23*3600) {
		t.Errorf("time_remaining_seconds = %v, want %d", got["time_remaining_seconds"], 23*3600)
	}
}

func TestGetAuction_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/auctions/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPlaceBid(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-1/bids",
		`{"customer_id": "cust-1", "bid_price": 51000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body)
	}

	got := decode[map[string]any](t, rec)
	if got["bid_price"] != float64(51_000) {
		t.Errorf("bid_price = %v, want 51000", got["bid_price"])
	}

	a, _ := f.store.Auctions().GetByID(context.Background(), "auction-1")
	if a.CurrentPrice != 51_000 {
		t.Errorf("CurrentPrice = %d, want 51000", a.CurrentPrice)
	}
}

func TestPlaceBid_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "malformed body",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing customer",
			body:     `{"bid_price": 51000}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bid too low",
			body:     `{"customer_id": "cust-1", "bid_price": 50500}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "self bid",
			body:     `{"customer_id": "seller-1", "bid_price": 51000}`,
			wantCode: http.StatusForbidden,
		},
		{
			name:     "unknown account",
			body:     `{"customer_id": "ghost", "bid_price": 51000}`,
			wantCode: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/v1/auctions/auction-1/bids", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}
}

func TestPlaceBid_EndedAuctionConflicts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-2/bids",
		`{"customer_id": "cust-2", "bid_price": 53000}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body)
	}
}

func TestPlaceBid_LockTimeoutRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.LockErr = auction.ErrLockTimeout

	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-1/bids",
		`{"customer_id": "cust-1", "bid_price": 51000}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body %s)", rec.Code, rec.Body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestListBids(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/auctions/auction-2/bids", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[map[string][]map[string]any](t, rec)
	if len(got["bids"]) != 1 {
		t.Fatalf("bids = %d, want 1", len(got["bids"]))
	}
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-1/bids",
		`{"customer_id": "cust-1", "bid_price": 51000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("placing bid: status = %d (body %s)", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/v1/auctions/auction-1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	got := decode[map[string][]map[string]any](t, rec)
	events := got["events"]
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0]["type"] != "auction.bid_placed" {
		t.Errorf("type = %v, want auction.bid_placed", events[0]["type"])
	}
}

func TestListEvents_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/auctions/nope/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetWinner(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/auctions/auction-2/winner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	got := decode[map[string]any](t, rec)
	if got["winner_id"] != "cust-1" {
		t.Errorf("winner_id = %v, want cust-1", got["winner_id"])
	}
	if got["price"] != float64(52_000) {
		t.Errorf("price = %v, want 52000", got["price"])
	}

	// The read resolved the auction as a side effect.
	a, _ := f.store.Auctions().GetByID(context.Background(), "auction-2")
	if !a.Resolved() {
		t.Error("expected winner read to persist resolution")
	}
}

func TestGetWinner_NotEnded(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/auctions/auction-1/winner", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body)
	}
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-2/payment",
		`{"customer_id": "cust-1", "external_ref": "checkout-ref-7"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "PAID" {
		t.Errorf("status = %v, want PAID", got["status"])
	}
	if got["external_ref"] != "checkout-ref-7" {
		t.Errorf("external_ref = %v, want checkout-ref-7", got["external_ref"])
	}

	// Second confirmation conflicts.
	rec = f.do(t, http.MethodPost, "/v1/auctions/auction-2/payment",
		`{"customer_id": "cust-1", "external_ref": "checkout-ref-8"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409 (body %s)", rec.Code, rec.Body)
	}
}

func TestConfirmPayment_MissingReference(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-2/payment",
		`{"customer_id": "cust-1"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (body %s)", rec.Code, rec.Body)
	}
}

func TestConfirmPayment_NotWinner(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-2/payment",
		`{"customer_id": "cust-2", "external_ref": "checkout-ref-7"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body)
	}
}

func TestConfirmPayment_WindowExpired(t *testing.T) {
	f := newFixture(t)
	f.clock.T = baseTime.Add(48 * time.Hour)

	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-2/payment",
		`{"customer_id": "cust-1", "external_ref": "checkout-ref-7"}`)
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410 (body %s)", rec.Code, rec.Body)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/auctions/auction-1/cancel",
		`{"reason": "seller withdrew the item"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", rec.Code, rec.Body)
	}

	a, _ := f.store.Auctions().GetByID(context.Background(), "auction-1")
	if a.Status != auction.StatusCanceled {
		t.Errorf("Status = %q, want CANCELED", a.Status)
	}

	// Cancelling an ended auction conflicts.
	rec = f.do(t, http.MethodPost, "/v1/auctions/auction-2/cancel", `{"reason": "x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("ended cancel status = %d, want 409 (body %s)", rec.Code, rec.Body)
	}
}
