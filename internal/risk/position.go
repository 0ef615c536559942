package risk

import (
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

// Position is a copy of the engine's view of one market. Size is signed.
type Position struct {
	Market        trading.MarketID
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	Mark          decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
}

func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}

// Notional is |size| valued at the mark, or at entry when no mark is known.
func (p Position) Notional() decimal.Decimal {
	price := p.Mark
	if !price.IsPositive() {
		price = p.EntryPrice
	}
	return p.Size.Abs().Mul(price)
}

// apply books a signed size change at price and returns the PnL realized by
// any closing portion.
func (p *Position) apply(delta, price decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return decimal.Zero
	}
	realized := decimal.Zero
	switch {
	case p.Size.IsZero() || p.Size.Sign() == delta.Sign():
		total := p.Size.Abs().Add(delta.Abs())
		p.EntryPrice = p.Size.Abs().Mul(p.EntryPrice).Add(delta.Abs().Mul(price)).Div(total)
		p.Size = p.Size.Add(delta)
	default:
		closed := decimal.Min(p.Size.Abs(), delta.Abs())
		realized = closed.Mul(price.Sub(p.EntryPrice))
		if p.Size.IsNegative() {
			realized = realized.Neg()
		}
		next := p.Size.Add(delta)
		switch {
		case next.IsZero():
			p.EntryPrice = decimal.Zero
		case next.Sign() != p.Size.Sign():
			p.EntryPrice = price
		}
		p.Size = next
	}
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.revalue()
	return realized
}

func (p *Position) revalue() {
	if p.Size.IsZero() || !p.Mark.IsPositive() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = p.Mark.Sub(p.EntryPrice).Mul(p.Size)
}
