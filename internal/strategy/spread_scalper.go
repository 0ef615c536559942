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

type SpreadScalperParams struct {
	History         int           `yaml:"history"`
	MinSamples      int           `yaml:"min_samples"`
	MinSpreadBps    float64       `yaml:"min_spread_bps"`
	WideFactor      float64       `yaml:"wide_factor"`
	Imbalance       float64       `yaml:"imbalance"`
	Depth           int           `yaml:"depth"`
	TargetProfitBps float64       `yaml:"target_profit_bps"`
	OrderSizeUSD    float64       `yaml:"order_size_usd"`
	SignalInterval  time.Duration `yaml:"signal_interval"`
}

func DefaultSpreadScalperParams() SpreadScalperParams {
	return SpreadScalperParams{
		History:         20,
		MinSamples:      10,
		MinSpreadBps:    0.5,
		WideFactor:      1.2,
		Imbalance:       0.40,
		Depth:           5,
		TargetProfitBps: 1,
		OrderSizeUSD:    15,
		SignalInterval:  30 * time.Second,
	}
}

// SpreadScalper joins the touch when the spread is unusually wide and the
// top of book leans hard to one side. Exits run before any entry check and
// are not rate limited.
type SpreadScalper struct {
	name       string
	market     trading.Market
	minSamples int
	minSpread  decimal.Decimal
	wide       decimal.Decimal
	imbalance  decimal.Decimal
	depth      int
	target     decimal.Decimal
	orderUSD   decimal.Decimal
	now        func() time.Time

	spreads    *ring
	imbalances *ring
	gate       signalGate
}

func NewSpreadScalper(name string, m trading.Market, p SpreadScalperParams, now func() time.Time) (*SpreadScalper, error) {
	if p.History <= 0 || p.MinSamples <= 0 || p.MinSamples > p.History {
		return nil, errors.New("spread_scalper: need 0 < min_samples <= history")
	}
	if p.Imbalance <= 0 || p.Imbalance > 1 {
		return nil, errors.New("spread_scalper: imbalance must be in (0, 1]")
	}
	if p.TargetProfitBps <= 0 || p.OrderSizeUSD <= 0 {
		return nil, errors.New("spread_scalper: target_profit_bps and order_size_usd must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	return &SpreadScalper{
		name:       name,
		market:     m,
		minSamples: p.MinSamples,
		minSpread:  decimal.NewFromFloat(p.MinSpreadBps),
		wide:       decimal.NewFromFloat(p.WideFactor),
		imbalance:  decimal.NewFromFloat(p.Imbalance),
		depth:      p.Depth,
		target:     decimal.NewFromFloat(p.TargetProfitBps).Div(bps),
		orderUSD:   decimal.NewFromFloat(p.OrderSizeUSD),
		now:        now,
		spreads:    newRing(p.History),
		imbalances: newRing(p.History),
		gate:       signalGate{interval: p.SignalInterval},
	}, nil
}

func (s *SpreadScalper) Name() string {
	return s.name
}

func (s *SpreadScalper) Decide(snap market.Snapshot, pos risk.Position, _ risk.State) (*trading.Intent, error) {
	if !snap.HasBook() {
		return nil, nil
	}
	spread := snap.SpreadBps()
	imb := snap.Imbalance(s.depth)
	s.spreads.push(spread)
	s.imbalances.push(imb)

	if !pos.IsFlat() {
		return s.exit(snap, pos), nil
	}

	now := s.now()
	if !s.gate.open(now) || s.spreads.len() < s.minSamples {
		return nil, nil
	}
	avg := s.spreads.mean(0, s.spreads.len())
	if spread.LessThan(avg.Mul(s.wide)) || spread.LessThan(s.minSpread) {
		return nil, nil
	}
	if imb.Abs().LessThan(s.imbalance) {
		return nil, nil
	}

	side := trading.Buy
	lvl, _ := snap.BestBid()
	if imb.IsNegative() {
		side = trading.Sell
		lvl, _ = snap.BestAsk()
	}
	size := sizeFor(s.market, s.orderUSD, snap.Mid())
	if !size.IsPositive() {
		return nil, nil
	}
	s.gate.propose(now)
	return &trading.Intent{
		Market:      snap.Market,
		Side:        side,
		Price:       lvl.Price,
		Size:        size,
		PostOnly:    true,
		ReplaceOpen: true,
		Reason:      fmt.Sprintf("spread %sbps imbalance %s", spread.StringFixed(1), imb.StringFixed(2)),
	}, nil
}

func (s *SpreadScalper) exit(snap market.Snapshot, pos risk.Position) *trading.Intent {
	target := pos.Notional().Mul(s.target)
	if !target.IsPositive() {
		return nil
	}
	switch {
	case pos.UnrealizedPnL.GreaterThanOrEqual(target):
		return exitIntent(snap, pos, "scalp take profit "+pos.UnrealizedPnL.StringFixed(4))
	case pos.UnrealizedPnL.LessThanOrEqual(target.Mul(decimal.NewFromInt(2)).Neg()):
		return exitIntent(snap, pos, "scalp stop loss "+pos.UnrealizedPnL.StringFixed(4))
	}
	return nil
}

func (s *SpreadScalper) OnOutcome(intent trading.Intent, err error) {
	if intent.ReduceOnly {
		return
	}
	s.gate.commit(err)
}
