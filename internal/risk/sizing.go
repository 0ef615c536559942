package risk

import (
	"fmt"

	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

// SizedIntent is an intent that passed CheckAndSize. Only this package can
// construct a valid one, so nothing reaches the order manager unsized.
type SizedIntent struct {
	intent    trading.Intent
	market    trading.Market
	requested decimal.Decimal
	price     decimal.Decimal
	binding   Reason
	flatten   bool
	valid     bool
}

func (s SizedIntent) Intent() trading.Intent {
	return s.intent
}

func (s SizedIntent) Market() trading.Market {
	return s.market
}

func (s SizedIntent) Size() decimal.Decimal {
	return s.intent.Size
}

func (s SizedIntent) Requested() decimal.Decimal {
	return s.requested
}

func (s SizedIntent) ReferencePrice() decimal.Decimal {
	return s.price
}

func (s SizedIntent) Valid() bool {
	return s.valid
}

// Flatten reports whether this came from FlattenIntent and so skips cooldowns.
func (s SizedIntent) Flatten() bool {
	return s.flatten
}

func (s SizedIntent) Clipped() (Reason, bool) {
	return s.binding, s.binding != ""
}

func (s SizedIntent) WithClientID(id string) SizedIntent {
	s.intent.ClientID = id
	return s
}

type headroom struct {
	reason Reason
	size   decimal.Decimal
}

// sizeLocked computes the largest admissible size for intent. Both the
// market slot and the account lock must be held.
func (e *Engine) sizeLocked(s *slot, intent trading.Intent) (SizedIntent, error) {
	m := s.market
	price := intent.Price
	if !price.IsPositive() {
		price = s.referencePrice()
	}
	if !price.IsPositive() {
		return SizedIntent{}, fmt.Errorf("%s: %w", m.Symbol, ErrNoReferencePrice)
	}

	directional := s.pos.Size.Mul(intent.Side.Sign())
	reducible := decimal.Zero
	if directional.IsNegative() {
		reducible = directional.Abs()
	}

	var limits []headroom
	if intent.ReduceOnly {
		avail := reducible.Sub(s.pendingSize(intent.Side, true))
		if !avail.IsPositive() {
			return SizedIntent{}, reject(MaxPosition, "%s: nothing to reduce", m.Symbol)
		}
		limits = append(limits, headroom{MaxPosition, avail})
	} else {
		if !e.equity.IsPositive() {
			return SizedIntent{}, reject(InsufficientMargin, "equity %s", e.equity)
		}
		exposure := directional.Add(s.pendingSize(intent.Side, false))
		leverage := m.LeverageCap
		if e.opts.MaxLeverage.IsPositive() && e.opts.MaxLeverage.LessThan(leverage) {
			leverage = e.opts.MaxLeverage
		}
		free := e.equity.Sub(e.usedMarginLocked())
		if free.IsNegative() {
			free = decimal.Zero
		}
		limits = append(limits,
			headroom{MaxPosition, m.MaxPosition.Sub(exposure)},
			headroom{LeverageCap, e.equity.Mul(leverage).Div(price).Sub(exposure)},
			headroom{InsufficientMargin, free.Mul(leverage).Div(price).Add(reducible)},
		)
	}

	size := intent.Size
	var binding Reason
	for _, l := range limits {
		if l.size.LessThan(size) {
			size = l.size
			binding = l.reason
		}
	}
	size = m.FloorSize(size)
	if size.LessThan(m.MinSize) {
		if binding == "" {
			return SizedIntent{}, fmt.Errorf("%s: size %s below market minimum %s", m.Symbol, intent.Size, m.MinSize)
		}
		return SizedIntent{}, reject(binding, "%s: headroom %s below minimum %s", m.Symbol, size, m.MinSize)
	}

	out := intent
	out.Size = size
	return SizedIntent{
		intent:    out,
		market:    m,
		requested: intent.Size,
		price:     price,
		binding:   binding,
		valid:     true,
	}, nil
}
