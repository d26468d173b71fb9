package auction

import "errors"

// Errors returned by the bidding engine. Callers classify with errors.Is;
// only ErrLockTimeout is safe to retry.
var (
	// Validation failures, rejected synchronously.
	ErrInvalidBid        = errors.New("bid price must be positive")
	ErrBidTooLow         = errors.New("bid is below the minimum next bid")
	ErrInvalidPaymentRef = errors.New("external payment reference is required")

	// State failures.
	ErrAuctionNotActive  = errors.New("auction is not accepting bids")
	ErrAuctionNotEnded   = errors.New("auction has not ended yet")
	ErrAuctionCanceled   = errors.New("auction was canceled")
	ErrIllegalTransition = errors.New("illegal auction state transition")
	ErrNotResolved       = errors.New("auction winner has not been resolved")

	// Authorization failures, never downgraded to another outcome.
	ErrSelfBid           = errors.New("sellers cannot bid on their own items")
	ErrAccountRestricted = errors.New("account is not eligible to bid")
	ErrNotWinner         = errors.New("caller is not the winning customer")

	// Payment failures.
	ErrNoWinner             = errors.New("auction closed without bids")
	ErrDuplicatePayment     = errors.New("auction has already been paid")
	ErrPaymentWindowExpired = errors.New("payment window has expired")
	ErrGatewayDeclined      = errors.New("payment gateway declined the charge")

	// Concurrency failures, transient.
	ErrLockTimeout = errors.New("timed out waiting for the auction lock")
)

// Retryable reports whether err is transient and worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
