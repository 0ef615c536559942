package risk

import (
	"time"

	"hl-perp-desk/internal/state"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

// Export captures the state that must survive a restart: peak equity, the
// day's realized PnL and active cooldowns.
func (e *Engine) Export() state.RiskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	snap := state.RiskSnapshot{
		PeakEquity:  e.peak.String(),
		Day:         e.day,
		DayPnL:      e.dayPnL.String(),
		UpdatedAtMS: now.UnixMilli(),
	}
	for _, cd := range e.activeCooldownsLocked(now) {
		snap.Cooldowns = append(snap.Cooldowns, state.CooldownRecord{
			Scope:     string(cd.Scope),
			Market:    int(cd.Market),
			Reason:    string(cd.Reason),
			StartedMS: cd.Started.UnixMilli(),
			UntilMS:   cd.Until.UnixMilli(),
		})
	}
	return snap
}

// Restore merges a persisted snapshot. Expired cooldowns and a previous
// day's PnL are discarded.
func (e *Engine) Restore(snap state.RiskSnapshot) error {
	peak, err := parseOptional(snap.PeakEquity)
	if err != nil {
		return err
	}
	dayPnL, err := parseOptional(snap.DayPnL)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if peak.GreaterThan(e.peak) {
		e.peak = peak
	}
	if snap.Day == dayKey(now) {
		e.day = snap.Day
		e.dayPnL = dayPnL
	}
	for _, rec := range snap.Cooldowns {
		cd := Cooldown{
			Scope:   Scope(rec.Scope),
			Market:  trading.MarketID(rec.Market),
			Reason:  Reason(rec.Reason),
			Started: time.UnixMilli(rec.StartedMS),
			Until:   time.UnixMilli(rec.UntilMS),
		}
		if !now.Before(cd.Until) {
			continue
		}
		switch {
		case cd.Reason == MaxDrawdown:
			e.drawdownCD = cd
		case cd.Scope == ScopeAccount:
			e.accountCD = cd
		default:
			if _, ok := e.slots[cd.Market]; ok {
				e.marketCD[cd.Market] = cd
			}
		}
	}
	return nil
}

func parseOptional(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
