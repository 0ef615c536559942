// Package strategy holds the signal generators run by the scheduler. A
// strategy only proposes intents; sizing and submission happen downstream.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/market"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

const (
	KindMarketMaker   = "market_maker"
	KindMomentum      = "momentum"
	KindSpreadScalper = "spread_scalper"
)

var ErrUnknownKind = errors.New("unknown strategy kind")

var bps = decimal.NewFromInt(10000)

// Strategy turns a market view into at most one intent per call. Decide is
// never called concurrently for the same instance.
type Strategy interface {
	Name() string
	Decide(snap market.Snapshot, pos risk.Position, st risk.State) (*trading.Intent, error)
}

// OutcomeObserver is implemented by strategies that track what happened to
// their intents. err is nil when the intent was submitted, a *risk.Rejection
// when risk refused it, or the submit failure otherwise.
type OutcomeObserver interface {
	OnOutcome(intent trading.Intent, err error)
}

func New(cfg config.StrategyConfig, m trading.Market, now func() time.Time) (Strategy, error) {
	if now == nil {
		now = time.Now
	}
	switch cfg.Kind {
	case KindMarketMaker:
		p := DefaultMarketMakerParams()
		if err := cfg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return NewMarketMaker(cfg.Name, m, p, now)
	case KindMomentum:
		p := DefaultMomentumParams()
		if err := cfg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return NewMomentum(cfg.Name, m, p, now)
	case KindSpreadScalper:
		p := DefaultSpreadScalperParams()
		if err := cfg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return NewSpreadScalper(cfg.Name, m, p, now)
	default:
		return nil, fmt.Errorf("strategy %s: %w %q", cfg.Name, ErrUnknownKind, cfg.Kind)
	}
}

func sizeFor(m trading.Market, usd, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !usd.IsPositive() {
		return decimal.Zero
	}
	return m.FloorSize(usd.Div(price))
}

// exitIntent closes pos at the touch on the far side.
func exitIntent(snap market.Snapshot, pos risk.Position, reason string) *trading.Intent {
	side := trading.SideFor(pos.Size).Opposite()
	var price decimal.Decimal
	if side == trading.Sell {
		lvl, _ := snap.BestBid()
		price = lvl.Price
	} else {
		lvl, _ := snap.BestAsk()
		price = lvl.Price
	}
	return &trading.Intent{
		Market:     snap.Market,
		Side:       side,
		Price:      price,
		Size:       pos.Size.Abs(),
		ReduceOnly: true,
		Reason:     reason,
	}
}

// signalGate spaces out entry signals. A proposed signal only starts the
// interval once the scheduler reports it was submitted.
type signalGate struct {
	interval time.Duration
	last     time.Time
	proposed time.Time
}

func (g *signalGate) open(now time.Time) bool {
	return g.last.IsZero() || now.Sub(g.last) >= g.interval
}

func (g *signalGate) propose(now time.Time) {
	g.proposed = now
}

func (g *signalGate) commit(err error) {
	if err == nil && !g.proposed.IsZero() {
		g.last = g.proposed
	}
	g.proposed = time.Time{}
}

// ring is a fixed-capacity window of recent samples, oldest first.
type ring struct {
	buf  []decimal.Decimal
	size int
}

func newRing(size int) *ring {
	return &ring{buf: make([]decimal.Decimal, 0, size), size: size}
}

func (r *ring) push(v decimal.Decimal) {
	if len(r.buf) == r.size {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.size-1]
	}
	r.buf = append(r.buf, v)
}

func (r *ring) len() int {
	return len(r.buf)
}

func (r *ring) mean(from, to int) decimal.Decimal {
	if from < 0 {
		from = 0
	}
	if to > len(r.buf) {
		to = len(r.buf)
	}
	if to <= from {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range r.buf[from:to] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(to - from)))
}
