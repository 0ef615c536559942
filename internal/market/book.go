package market

import (
	"sort"

	"hl-perp-desk/internal/trading"
)

// book is the writer-side level set for one market.
type book struct {
	bids map[string]trading.Level
	asks map[string]trading.Level
}

func newBook() *book {
	return &book{bids: make(map[string]trading.Level), asks: make(map[string]trading.Level)}
}

func (b *book) reset(bids, asks []trading.Level) {
	b.bids = make(map[string]trading.Level, len(bids))
	b.asks = make(map[string]trading.Level, len(asks))
	b.merge(bids, asks)
}

func (b *book) merge(bids, asks []trading.Level) {
	apply(b.bids, bids)
	apply(b.asks, asks)
}

func apply(side map[string]trading.Level, levels []trading.Level) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if !lvl.Size.IsPositive() {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

func (b *book) levels(depth int) ([]trading.Level, []trading.Level) {
	return sorted(b.bids, depth, true), sorted(b.asks, depth, false)
}

func (b *book) crossed() bool {
	bids, asks := b.levels(1)
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return bids[0].Price.GreaterThanOrEqual(asks[0].Price)
}

func sorted(side map[string]trading.Level, depth int, desc bool) []trading.Level {
	out := make([]trading.Level, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
