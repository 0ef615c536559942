package market

import (
	"time"

	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

var bpsFactor = decimal.NewFromInt(10000)

// Snapshot is an immutable point-in-time view of one market. Bids and Asks
// are ordered best first and must not be modified by readers.
type Snapshot struct {
	Market   trading.MarketID
	Bids     []trading.Level
	Asks     []trading.Level
	Mark     decimal.Decimal
	Time     time.Time
	Received time.Time
	Seq      uint64
	Stale    bool
}

func (s Snapshot) HasBook() bool {
	return len(s.Bids) > 0 && len(s.Asks) > 0
}

func (s Snapshot) BestBid() (trading.Level, bool) {
	if len(s.Bids) == 0 {
		return trading.Level{}, false
	}
	return s.Bids[0], true
}

func (s Snapshot) BestAsk() (trading.Level, bool) {
	if len(s.Asks) == 0 {
		return trading.Level{}, false
	}
	return s.Asks[0], true
}

func (s Snapshot) Mid() decimal.Decimal {
	if !s.HasBook() {
		return decimal.Zero
	}
	return s.Bids[0].Price.Add(s.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// Reference is the mark price when known, otherwise the mid.
func (s Snapshot) Reference() decimal.Decimal {
	if s.Mark.IsPositive() {
		return s.Mark
	}
	return s.Mid()
}

func (s Snapshot) SpreadBps() decimal.Decimal {
	mid := s.Mid()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return s.Asks[0].Price.Sub(s.Bids[0].Price).Div(mid).Mul(bpsFactor)
}

// Imbalance is (bid liquidity - ask liquidity) / total over the top depth
// levels, in [-1, 1].
func (s Snapshot) Imbalance(depth int) decimal.Decimal {
	bid := liquidity(s.Bids, depth)
	ask := liquidity(s.Asks, depth)
	total := bid.Add(ask)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return bid.Sub(ask).Div(total)
}

func (s Snapshot) Age(now time.Time) time.Duration {
	if s.Received.IsZero() {
		return 0
	}
	return now.Sub(s.Received)
}

func liquidity(levels []trading.Level, depth int) decimal.Decimal {
	total := decimal.Zero
	for i, lvl := range levels {
		if depth > 0 && i >= depth {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}
