package app

import (
	"hl-perp-desk/internal/order"
	"hl-perp-desk/internal/timescale"

	"github.com/shopspring/decimal"
)

// journalOrder runs under the order manager lock; the enqueue never blocks.
func (a *App) journalOrder(o order.Order, from order.State) {
	reason := o.RejectReason
	if reason == "" {
		reason = o.Reason
	}
	a.journal.EnqueueOrderEvent(timescale.OrderEvent{
		Time:       o.UpdatedAt.UTC(),
		ClientID:   o.ClientID,
		ExchangeID: o.ExchangeID,
		Market:     int(o.Market),
		Symbol:     o.Symbol,
		Strategy:   o.Strategy,
		Side:       string(o.Side),
		FromState:  string(from),
		State:      string(o.State),
		Price:      o.Price.String(),
		Size:       o.Size.String(),
		Filled:     o.Filled.String(),
		AvgPrice:   o.AvgPrice.String(),
		Reason:     reason,
	})
}

func (a *App) journalRisk() {
	if a.journal == nil {
		return
	}
	st := a.risk.State()
	notional := decimal.Zero
	for _, exp := range st.Exposure {
		notional = notional.Add(exp.Notional.Abs())
	}
	a.journal.EnqueueRiskSnapshot(timescale.RiskSnapshot{
		Time:        st.At.UTC(),
		Equity:      st.Equity.String(),
		PeakEquity:  st.PeakEquity.String(),
		Drawdown:    st.Drawdown.String(),
		DayPnL:      st.DailyLoss.Neg().String(),
		NotionalUSD: notional.String(),
		Cooldowns:   len(st.Cooldowns),
		OpenOrders:  len(a.orders.Open(order.Filter{})),
	})
}
