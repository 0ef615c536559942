package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"hl-perp-desk/internal/api"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/trading"

	"go.uber.org/zap"
)

// Status implements api.Operator.
func (a *App) Status(_ context.Context) api.Status {
	st := a.risk.State()
	ost := a.orders.Status()
	out := api.Status{
		Mode:       a.cfg.Gateway.Mode,
		Equity:     st.Equity.StringFixed(2),
		PeakEquity: st.PeakEquity.StringFixed(2),
		Drawdown:   st.Drawdown.StringFixed(4),
		DailyLoss:  st.DailyLoss.StringFixed(2),
		UsedMargin: st.UsedMargin.StringFixed(2),
		Halted:     st.Halted,
		Orders: api.OrderStatus{
			Open:     ost.Open,
			ByState:  make(map[string]int, len(ost.ByState)),
			Draining: ost.Draining,
		},
		At: st.At,
	}
	for s, n := range ost.ByState {
		out.Orders.ByState[string(s)] = n
	}
	for _, pos := range a.risk.Positions() {
		if pos.IsFlat() && pos.RealizedPnL.IsZero() {
			continue
		}
		out.Positions = append(out.Positions, api.PositionStatus{
			Market:        a.symbol(pos.Market),
			Size:          pos.Size.String(),
			EntryPrice:    pos.EntryPrice.String(),
			Mark:          pos.Mark.String(),
			UnrealizedPnL: pos.UnrealizedPnL.StringFixed(4),
			RealizedPnL:   pos.RealizedPnL.StringFixed(4),
		})
	}
	for _, cd := range st.Cooldowns {
		cs := api.CooldownStatus{Scope: string(cd.Scope), Reason: string(cd.Reason), Until: cd.Until}
		if cd.Scope == risk.ScopeMarket {
			cs.Market = a.symbol(cd.Market)
		}
		out.Cooldowns = append(out.Cooldowns, cs)
	}
	for _, inst := range a.sched.Status() {
		out.Strategies = append(out.Strategies, api.StrategyStatus{
			Name:         inst.Name,
			Market:       a.symbol(inst.Market),
			Cadence:      inst.Cadence,
			Decisions:    inst.Decisions,
			Submitted:    inst.Submitted,
			Rejections:   inst.Rejections,
			Faults:       inst.Faults,
			Paused:       inst.Paused,
			PausedUntil:  inst.PausedUntil,
			BackoffUntil: inst.BackoffUntil,
			LastError:    inst.LastError,
		})
	}
	for _, id := range a.books.StaleMarkets() {
		out.StaleMarkets = append(out.StaleMarkets, a.symbol(id))
	}
	sort.Strings(out.StaleMarkets)
	return out
}

// Flatten pauses every strategy, then closes all positions. Strategies stay
// paused until resumed by an operator.
func (a *App) Flatten(ctx context.Context) (int, error) {
	if err := a.sched.Pause("", 0); err != nil {
		return 0, err
	}
	return a.flatten(ctx)
}

func (a *App) flatten(ctx context.Context) (int, error) {
	handles, err := a.orders.FlattenAll(ctx)
	a.log.Warn("flatten all", zap.Int("orders", len(handles)), zap.Error(err))
	return len(handles), err
}

func (a *App) Pause(name string, d time.Duration) error {
	return a.sched.Pause(name, d)
}

func (a *App) Resume(name string) error {
	return a.sched.Resume(name)
}

func (a *App) symbol(id trading.MarketID) string {
	if mk, ok := a.markets.Get(id); ok {
		return mk.Symbol
	}
	return fmt.Sprintf("#%d", id)
}

func statusText(st api.Status) string {
	lines := []string{
		fmt.Sprintf("mode: %s", st.Mode),
		fmt.Sprintf("equity: %s (peak %s, drawdown %s)", st.Equity, st.PeakEquity, st.Drawdown),
		fmt.Sprintf("daily_loss: %s", st.DailyLoss),
		fmt.Sprintf("halted: %t", st.Halted),
		fmt.Sprintf("open_orders: %d", st.Orders.Open),
	}
	for _, p := range st.Positions {
		lines = append(lines, fmt.Sprintf("position %s: %s @ %s upnl %s", p.Market, p.Size, p.EntryPrice, p.UnrealizedPnL))
	}
	for _, cd := range st.Cooldowns {
		target := cd.Scope
		if cd.Market != "" {
			target = cd.Market
		}
		lines = append(lines, fmt.Sprintf("cooldown %s (%s) until %s", target, cd.Reason, cd.Until.UTC().Format(time.RFC3339)))
	}
	for _, s := range st.Strategies {
		state := "active"
		if s.Paused {
			state = "paused"
		}
		lines = append(lines, fmt.Sprintf("strategy %s [%s]: %s, %d submitted, %d rejected, %d faults", s.Name, s.Market, state, s.Submitted, s.Rejections, s.Faults))
	}
	if len(st.StaleMarkets) > 0 {
		lines = append(lines, "stale: "+strings.Join(st.StaleMarkets, ", "))
	}
	return strings.Join(lines, "\n")
}
