package auction

// Tick tiers. Prices are integer minor currency units throughout; the tick is
// the smallest amount a new bid must add on top of the current price.
const (
	tickTier1Limit = 10_000
	tickTier2Limit = 100_000
	tickTier3Limit = 1_000_000

	tickTier1 = 100
	tickTier2 = 1_000
	tickTier3 = 10_000
	tickTier4 = 100_000
)

// TickSize returns the minimum bid increment for the given price.
func TickSize(price int64) int64 {
	switch {
	case price < tickTier1Limit:
		return tickTier1
	case price < tickTier2Limit:
		return tickTier2
	case price < tickTier3Limit:
		return tickTier3
	default:
		return tickTier4
	}
}

// MinimumNextBid returns the lowest acceptable next bid. The tick is derived
// from the auction's start price for the whole run of the auction, not from
// the current price. An auction opened at 9,000 keeps 100-unit ticks even if
// bidding pushes it past 1,000,000.
func MinimumNextBid(currentPrice, startPrice int64) int64 {
	return currentPrice + TickSize(startPrice)
}
