package risk

import (
	"time"

	"hl-perp-desk/internal/trading"
)

type Scope string

const (
	ScopeMarket  Scope = "market"
	ScopeAccount Scope = "account"
)

// Cooldown is an active suspension. The window is [Started, Until).
type Cooldown struct {
	Scope   Scope
	Market  trading.MarketID
	Reason  Reason
	Started time.Time
	Until   time.Time
}

func (c Cooldown) activeAt(now time.Time) bool {
	return !c.Until.IsZero() && !now.Before(c.Started) && now.Before(c.Until)
}

func (c Cooldown) Remaining(now time.Time) time.Duration {
	if !c.activeAt(now) {
		return 0
	}
	return c.Until.Sub(now)
}
