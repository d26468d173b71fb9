// Package api exposes the bidding engine over HTTP. Handlers translate the
// service sentinel errors into status codes; retryable lock timeouts come
// back as 503 with a Retry-After header so well-behaved clients back off and
// resubmit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/reloft/auction-service/internal/auction"
	"github.com/reloft/auction-service/internal/bidding"
	"github.com/reloft/auction-service/internal/event"
	"github.com/reloft/auction-service/internal/store"
	"github.com/reloft/auction-service/internal/winner"
)

// BidService is the bidding surface the API depends on.
type BidService interface {
	PlaceBid(ctx context.Context, auctionID, customerID string, bidPrice int64) (*store.Bid, error)
	AuctionState(ctx context.Context, auctionID string) (*bidding.State, error)
	BidHistory(ctx context.Context, auctionID string) ([]store.Bid, error)
	AuctionEvents(ctx context.Context, auctionID string) ([]event.Event, error)
}

// WinnerService resolves and reports auction winners.
type WinnerService interface {
	WinnerInfo(ctx context.Context, auctionID string) (*winner.Info, error)
}

// PaymentService confirms winner payments.
type PaymentService interface {
	Confirm(ctx context.Context, auctionID, customerID, externalRef string) (*store.AuctionPayment, error)
}

// AdminService carries the administrative lifecycle operations.
type AdminService interface {
	Cancel(ctx context.Context, auctionID, reason string) error
}

// Server wires the HTTP routes to the services.
type Server struct {
	bids     BidService
	winners  WinnerService
	payments PaymentService
	admin    AdminService
	logger   *slog.Logger
}

// NewServer returns a new API Server.
func NewServer(bids BidService, winners WinnerService, payments PaymentService, admin AdminService, logger *slog.Logger) *Server {
	return &Server{bids: bids, winners: winners, payments: payments, admin: admin, logger: logger}
}

// Handler returns the routed handler wrapped with OTEL HTTP instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/auctions/{id}", s.handleGetAuction)
	mux.HandleFunc("GET /v1/auctions/{id}/bids", s.handleListBids)
	mux.HandleFunc("GET /v1/auctions/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /v1/auctions/{id}/bids", s.handlePlaceBid)
	mux.HandleFunc("GET /v1/auctions/{id}/winner", s.handleGetWinner)
	mux.HandleFunc("POST /v1/auctions/{id}/payment", s.handleConfirmPayment)
	mux.HandleFunc("POST /v1/auctions/{id}/cancel", s.handleCancel)
	return otelhttp.NewHandler(mux, "api")
}

type auctionResponse struct {
	ID                   string  `json:"id"`
	ItemID               string  `json:"item_id"`
	Status               string  `json:"status"`
	StartPrice           int64   `json:"start_price"`
	CurrentPrice         int64   `json:"current_price"`
	MinimumNextBid       int64   `json:"minimum_next_bid"`
	StartTime            string  `json:"start_time"`
	EndTime              string  `json:"end_time"`
	TimeRemainingSeconds int64   `json:"time_remaining_seconds"`
	WinningCustomerID    *string `json:"winning_customer_id,omitempty"`
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	state, err := s.bids.AuctionState(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	a := state.Auction
	writeJSON(w, http.StatusOK, auctionResponse{
		ID:                   a.ID,
		ItemID:               a.ItemID,
		Status:               string(state.Status),
		StartPrice:           a.StartPrice,
		CurrentPrice:         a.CurrentPrice,
		MinimumNextBid:       state.MinimumNextBid,
		StartTime:            a.StartTime.UTC().Format(time.RFC3339),
		EndTime:              a.EndTime.UTC().Format(time.RFC3339),
		TimeRemainingSeconds: int64(state.TimeRemaining.Seconds()),
		WinningCustomerID:    a.WinningCustomerID,
	})
}

type bidResponse struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	BidPrice   int64  `json:"bid_price"`
	BidTime    string `json:"bid_time"`
}

func toBidResponse(b store.Bid) bidResponse {
	return bidResponse{
		ID:         b.ID,
		CustomerID: b.CustomerID,
		BidPrice:   b.BidPrice,
		BidTime:    b.BidTime.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.bids.BidHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": out})
}

type eventResponse struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt string          `json:"created_at,omitempty"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.bids.AuctionEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp := eventResponse{Type: string(e.Type), Data: e.Data}
		if !e.CreatedAt.IsZero() {
			resp.CreatedAt = e.CreatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type placeBidRequest struct {
	CustomerID string `json:"customer_id"`
	BidPrice   int64  `json:"bid_price"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("customer_id is required"))
		return
	}

	b, err := s.bids.PlaceBid(r.Context(), r.PathValue("id"), req.CustomerID, req.BidPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(*b))
}

type winnerResponse struct {
	AuctionID       string `json:"auction_id"`
	WinnerID        string `json:"winner_id"`
	Price           int64  `json:"price"`
	PaymentDeadline string `json:"payment_deadline"`
}

func (s *Server) handleGetWinner(w http.ResponseWriter, r *http.Request) {
	info, err := s.winners.WinnerInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, winnerResponse{
		AuctionID:       info.AuctionID,
		WinnerID:        info.WinnerID,
		Price:           info.Price,
		PaymentDeadline: info.PaymentDeadline.UTC().Format(time.RFC3339),
	})
}

type confirmPaymentRequest struct {
	CustomerID  string `json:"customer_id"`
	ExternalRef string `json:"external_ref"`
}

type paymentResponse struct {
	ID          string `json:"id"`
	AuctionID   string `json:"auction_id"`
	CustomerID  string `json:"customer_id"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	ExternalRef string `json:"external_ref"`
	PaidAt      string `json:"paid_at,omitempty"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("customer_id is required"))
		return
	}

	p, err := s.payments.Confirm(r.Context(), r.PathValue("id"), req.CustomerID, req.ExternalRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := paymentResponse{
		ID:          p.ID,
		AuctionID:   p.AuctionID,
		CustomerID:  p.CustomerID,
		Amount:      p.Amount,
		Status:      string(p.Status),
		ExternalRef: p.ExternalRef,
	}
	if p.PaidAt != nil {
		resp.PaidAt = p.PaidAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	if err := s.admin.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, auction.ErrNoWinner):
		code = http.StatusNotFound
	case errors.Is(err, auction.ErrInvalidBid),
		errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrInvalidPaymentRef):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrSelfBid),
		errors.Is(err, auction.ErrAccountRestricted),
		errors.Is(err, auction.ErrNotWinner):
		code = http.StatusForbidden
	case errors.Is(err, auction.ErrAuctionNotActive),
		errors.Is(err, auction.ErrAuctionCanceled),
		errors.Is(err, auction.ErrAuctionNotEnded),
		errors.Is(err, auction.ErrIllegalTransition),
		errors.Is(err, auction.ErrDuplicatePayment):
		code = http.StatusConflict
	case errors.Is(err, auction.ErrPaymentWindowExpired):
		code = http.StatusGone
	case errors.Is(err, auction.ErrGatewayDeclined):
		code = http.StatusPaymentRequired
	case auction.Retryable(err):
		w.Header().Set("Retry-After", "1")
		code = http.StatusServiceUnavailable
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		code = http.StatusInternalServerError
		writeJSON(w, code, errorBody("internal error"))
		return
	}
	writeJSON(w, code, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
