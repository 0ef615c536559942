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

type MomentumParams struct {
	History        int           `yaml:"history"`
	Recent         int           `yaml:"recent"`
	Older          int           `yaml:"older"`
	ThresholdPct   float64       `yaml:"threshold_pct"`
	EntryOffsetBps float64       `yaml:"entry_offset_bps"`
	TakeProfitPct  float64       `yaml:"take_profit_pct"`
	StopLossPct    float64       `yaml:"stop_loss_pct"`
	OrderSizeUSD   float64       `yaml:"order_size_usd"`
	SignalInterval time.Duration `yaml:"signal_interval"`
}

func DefaultMomentumParams() MomentumParams {
	return MomentumParams{
		History:        30,
		Recent:         5,
		Older:          10,
		ThresholdPct:   0.10,
		EntryOffsetBps: 2,
		TakeProfitPct:  0.2,
		StopLossPct:    0.4,
		OrderSizeUSD:   15,
		SignalInterval: 45 * time.Second,
	}
}

// Momentum compares the average of the latest mids against the window
// before them and joins a move past the threshold with a post-only entry.
// An open position is only managed toward its take-profit or stop.
type Momentum struct {
	name       string
	market     trading.Market
	recent     int
	older      int
	threshold  decimal.Decimal
	offset     decimal.Decimal
	takeProfit decimal.Decimal
	stopLoss   decimal.Decimal
	orderUSD   decimal.Decimal
	now        func() time.Time

	mids *ring
	gate signalGate
}

func NewMomentum(name string, m trading.Market, p MomentumParams, now func() time.Time) (*Momentum, error) {
	if p.Recent <= 0 || p.Older <= 0 {
		return nil, errors.New("momentum: recent and older windows must be > 0")
	}
	if p.History < p.Recent+p.Older {
		return nil, fmt.Errorf("momentum: history %d shorter than recent+older", p.History)
	}
	if p.ThresholdPct <= 0 || p.OrderSizeUSD <= 0 {
		return nil, errors.New("momentum: threshold_pct and order_size_usd must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	hundred := decimal.NewFromInt(100)
	return &Momentum{
		name:       name,
		market:     m,
		recent:     p.Recent,
		older:      p.Older,
		threshold:  decimal.NewFromFloat(p.ThresholdPct),
		offset:     decimal.NewFromFloat(p.EntryOffsetBps).Div(bps),
		takeProfit: decimal.NewFromFloat(p.TakeProfitPct).Div(hundred),
		stopLoss:   decimal.NewFromFloat(p.StopLossPct).Div(hundred),
		orderUSD:   decimal.NewFromFloat(p.OrderSizeUSD),
		now:        now,
		mids:       newRing(p.History),
		gate:       signalGate{interval: p.SignalInterval},
	}, nil
}

func (s *Momentum) Name() string {
	return s.name
}

func (s *Momentum) Decide(snap market.Snapshot, pos risk.Position, _ risk.State) (*trading.Intent, error) {
	if !snap.HasBook() {
		return nil, nil
	}
	mid := snap.Mid()
	s.mids.push(mid)

	if !pos.IsFlat() {
		return s.manage(snap, pos), nil
	}

	now := s.now()
	if !s.gate.open(now) {
		return nil, nil
	}
	n := s.mids.len()
	if n < s.recent+s.older {
		return nil, nil
	}
	recentAvg := s.mids.mean(n-s.recent, n)
	olderAvg := s.mids.mean(n-s.recent-s.older, n-s.recent)
	if !olderAvg.IsPositive() {
		return nil, nil
	}
	change := recentAvg.Sub(olderAvg).Div(olderAvg).Mul(decimal.NewFromInt(100))
	if change.Abs().LessThan(s.threshold) {
		return nil, nil
	}

	size := sizeFor(s.market, s.orderUSD, mid)
	if !size.IsPositive() {
		return nil, nil
	}
	side := trading.Buy
	price := s.market.RoundPrice(mid.Mul(decimal.NewFromInt(1).Sub(s.offset)), trading.Buy)
	if change.IsNegative() {
		side = trading.Sell
		price = s.market.RoundPrice(mid.Mul(decimal.NewFromInt(1).Add(s.offset)), trading.Sell)
	}
	s.gate.propose(now)
	return &trading.Intent{
		Market:      snap.Market,
		Side:        side,
		Price:       price,
		Size:        size,
		PostOnly:    true,
		ReplaceOpen: true,
		Reason:      fmt.Sprintf("momentum %s%%", change.StringFixed(3)),
	}, nil
}

func (s *Momentum) manage(snap market.Snapshot, pos risk.Position) *trading.Intent {
	notional := pos.Notional()
	if !notional.IsPositive() {
		return nil
	}
	switch {
	case pos.UnrealizedPnL.GreaterThanOrEqual(notional.Mul(s.takeProfit)):
		return exitIntent(snap, pos, "momentum take profit "+pos.UnrealizedPnL.StringFixed(4))
	case pos.UnrealizedPnL.LessThanOrEqual(notional.Mul(s.stopLoss).Neg()):
		return exitIntent(snap, pos, "momentum stop loss "+pos.UnrealizedPnL.StringFixed(4))
	}
	return nil
}

func (s *Momentum) OnOutcome(intent trading.Intent, err error) {
	if intent.ReduceOnly {
		return
	}
	s.gate.commit(err)
}
