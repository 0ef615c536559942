package strategy

import (
	"errors"
	"fmt"
	"time"

	"hl-perp-desk/internal/market"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

type MarketMakerParams struct {
	SpreadBps       float64       `yaml:"spread_bps"`
	OrderSizeUSD    float64       `yaml:"order_size_usd"`
	MaxInventoryUSD float64       `yaml:"max_inventory_usd"`
	Refresh         time.Duration `yaml:"refresh"`
}

func DefaultMarketMakerParams() MarketMakerParams {
	return MarketMakerParams{
		SpreadBps:       2,
		OrderSizeUSD:    15,
		MaxInventoryUSD: 50,
		Refresh:         30 * time.Second,
	}
}

// MarketMaker quotes post-only orders at mid +/- spread/2. Each refresh
// emits the bid, and the following call emits the ask, both replacing the
// instance's resting quote on that side.
type MarketMaker struct {
	name         string
	market       trading.Market
	halfSpread   decimal.Decimal
	orderUSD     decimal.Decimal
	maxInventory decimal.Decimal
	refresh      time.Duration
	now          func() time.Time

	lastRefresh time.Time
	askDue      bool
}

func NewMarketMaker(name string, m trading.Market, p MarketMakerParams, now func() time.Time) (*MarketMaker, error) {
	if p.SpreadBps <= 0 {
		return nil, errors.New("market_maker: spread_bps must be > 0")
	}
	if p.OrderSizeUSD <= 0 {
		return nil, errors.New("market_maker: order_size_usd must be > 0")
	}
	if p.Refresh < 0 {
		return nil, errors.New("market_maker: refresh must be >= 0")
	}
	if now == nil {
		now = time.Now
	}
	return &MarketMaker{
		name:         name,
		market:       m,
		halfSpread:   decimal.NewFromFloat(p.SpreadBps).Div(decimal.NewFromInt(2)),
		orderUSD:     decimal.NewFromFloat(p.OrderSizeUSD),
		maxInventory: decimal.NewFromFloat(p.MaxInventoryUSD),
		refresh:      p.Refresh,
		now:          now,
	}, nil
}

func (s *MarketMaker) Name() string {
	return s.name
}

func (s *MarketMaker) Decide(snap market.Snapshot, pos risk.Position, _ risk.State) (*trading.Intent, error) {
	if !snap.HasBook() {
		return nil, nil
	}
	now := s.now()
	var side trading.Side
	switch {
	case s.askDue:
		side = trading.Sell
		s.askDue = false
	case s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.refresh:
		if snap.SpreadBps().LessThan(s.halfSpread) {
			return nil, nil
		}
		side = trading.Buy
		s.lastRefresh = now
		s.askDue = true
	default:
		return nil, nil
	}

	// Over the inventory limit only the reducing side is quoted.
	if s.maxInventory.IsPositive() && !pos.IsFlat() && pos.Notional().GreaterThan(s.maxInventory) {
		if side != trading.SideFor(pos.Size).Opposite() {
			return nil, nil
		}
	}

	mid := snap.Mid()
	size := sizeFor(s.market, s.orderUSD, mid)
	if !size.IsPositive() {
		return nil, nil
	}
	offset := mid.Mul(s.halfSpread).Div(bps)
	bid, _ := snap.BestBid()
	ask, _ := snap.BestAsk()
	var price decimal.Decimal
	if side == trading.Buy {
		price = s.market.RoundPrice(mid.Sub(offset), trading.Buy)
		if price.GreaterThanOrEqual(ask.Price) {
			price = bid.Price
		}
	} else {
		price = s.market.RoundPrice(mid.Add(offset), trading.Sell)
		if price.LessThanOrEqual(bid.Price) {
			price = ask.Price
		}
	}
	return &trading.Intent{
		Market:      snap.Market,
		Side:        side,
		Price:       price,
		Size:        size,
		PostOnly:    true,
		ReplaceOpen: true,
		Reason:      fmt.Sprintf("quote %s spread=%sbps", side, snap.SpreadBps().StringFixed(1)),
	}, nil
}
