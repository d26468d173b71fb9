// Package notify posts operational notices about auction milestones to an
// ops channel. Notifications are fire-and-forget; a failed notice is logged
// and never fails the operation that produced it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// Notifier delivers a short operational notice.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Log is a Notifier that writes notices to the structured log. It is the
// fallback when no Discord channel is configured.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Notify(ctx context.Context, msg string) error {
	l.Logger.InfoContext(ctx, "ops notice", "message", msg)
	return nil
}

// AuctionOpened formats the notice for an auction entering PROCEEDING.
func AuctionOpened(auctionID string, startPrice int64) string {
	return fmt.Sprintf("auction %s opened at %d", auctionID, startPrice)
}

// AuctionCompleted formats the close notice. An empty winnerID records a
// no-bid close.
func AuctionCompleted(auctionID, winnerID string, price int64) string {
	if winnerID == "" {
		return fmt.Sprintf("auction %s closed with no bids", auctionID)
	}
	return fmt.Sprintf("auction %s won by %s at %d", auctionID, winnerID, price)
}

// Outbid formats the notice that a previous leader has been outbid.
func Outbid(auctionID, customerID string, price int64) string {
	return fmt.Sprintf("auction %s: %s outbid, new price %d", auctionID, customerID, price)
}

// PaymentConfirmed formats the payment confirmation notice.
func PaymentConfirmed(auctionID, customerID string, amount int64) string {
	return fmt.Sprintf("auction %s paid by %s, amount %d", auctionID, customerID, amount)
}
