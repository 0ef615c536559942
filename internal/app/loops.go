package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hl-perp-desk/internal/order"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/state"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (a *App) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Orders.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.reconcileOnce(ctx)
		}
	}
}

func (a *App) reconcileOnce(ctx context.Context) {
	acct, err := a.gw.AccountState(ctx)
	if err != nil {
		a.log.Warn("account state fetch failed", zap.Error(err))
		return
	}
	report, err := a.orders.Reconcile(ctx, acct)
	if err != nil {
		a.log.Warn("reconcile incomplete", zap.Error(err))
	}
	if len(report.Divergences) > 0 {
		a.log.Info("reconcile converged",
			zap.Int("divergences", len(report.Divergences)),
			zap.Int("resolved", report.Resolved),
			zap.Int("foreign_canceled", report.ForeignCanceled),
		)
	}
	st := a.risk.State()
	eq, _ := st.Equity.Float64()
	dd, _ := st.Drawdown.Float64()
	a.metrics.Equity.Set(eq)
	a.metrics.Drawdown.Set(dd)
	a.metrics.OpenOrders.Set(float64(len(a.orders.Open(order.Filter{}))))
}

// monitorLoop enforces the per-position hard stop and serves flatten
// requests raised by the risk engine.
func (a *App) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Risk.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.risk.FlattenRequests():
			a.log.Warn("drawdown flatten requested")
			n, err := a.flatten(ctx)
			a.notify(ctx, fmt.Sprintf("drawdown limit hit: flatten sent %d orders", n))
			if err != nil {
				a.log.Error("drawdown flatten incomplete", zap.Error(err))
			}
		case <-ticker.C:
			a.checkPositionStops(ctx)
		}
	}
}

func (a *App) checkPositionStops(ctx context.Context) {
	if a.cfg.Risk.PositionStopUSD <= 0 {
		return
	}
	limit := decimal.NewFromFloat(a.cfg.Risk.PositionStopUSD).Neg()
	for _, pos := range a.risk.Positions() {
		if pos.IsFlat() || pos.UnrealizedPnL.GreaterThan(limit) {
			continue
		}
		if a.closing(pos.Market) {
			continue
		}
		if err := a.closePosition(ctx, pos); err != nil {
			a.log.Warn("position stop close failed", zap.Int("market", int(pos.Market)), zap.Error(err))
			continue
		}
		mk, _ := a.markets.Get(pos.Market)
		a.notify(ctx, fmt.Sprintf("position stop: closing %s %s (upnl %s)", mk.Symbol, pos.Size.String(), pos.UnrealizedPnL.StringFixed(2)))
	}
}

func (a *App) closing(id trading.MarketID) bool {
	for _, o := range a.orders.Open(order.Filter{Market: order.ForMarket(id)}) {
		if o.ReduceOnly {
			return true
		}
	}
	return false
}

func (a *App) closePosition(ctx context.Context, pos risk.Position) error {
	if _, err := a.orders.CancelAll(ctx, order.Filter{Market: order.ForMarket(pos.Market)}); err != nil {
		a.log.Warn("cancel before stop failed", zap.Int("market", int(pos.Market)), zap.Error(err))
	}
	sized, err := a.risk.FlattenIntent(pos.Market, decimal.Zero)
	if errors.Is(err, risk.ErrNothingToFlatten) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = a.orders.Submit(ctx, sized)
	return err
}

func (a *App) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Timescale.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.persistRisk(ctx)
			a.journalRisk()
		}
	}
}

func (a *App) persistRisk(ctx context.Context) {
	if err := state.SaveRiskSnapshot(ctx, a.store, a.risk.Export()); err != nil {
		a.log.Warn("risk snapshot save failed", zap.Error(err))
	}
}

func (a *App) notify(ctx context.Context, msg string) {
	if !a.alerts.Enabled() {
		return
	}
	if err := a.alerts.Send(ctx, msg); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}
