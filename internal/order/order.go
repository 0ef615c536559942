package order

import (
	"context"
	"time"

	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

// Order is a copy of one order record.
type Order struct {
	ClientID     string
	ExchangeID   string
	Market       trading.MarketID
	Symbol       string
	Side         trading.Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	Filled       decimal.Decimal
	AvgPrice     decimal.Decimal
	Strategy     string
	Reason       string
	PostOnly     bool
	ReduceOnly   bool
	IOC          bool
	State        State
	RejectReason string
	CreatedAt    time.Time
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

func (o Order) Remaining() decimal.Decimal {
	rem := o.Size.Sub(o.Filled)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Filter selects orders. Zero fields match everything.
type Filter struct {
	Strategy string
	Market   *trading.MarketID
	Side     trading.Side
}

func ForMarket(id trading.MarketID) *trading.MarketID {
	return &id
}

func (f Filter) match(o *Order) bool {
	if f.Strategy != "" && o.Strategy != f.Strategy {
		return false
	}
	if f.Market != nil && o.Market != *f.Market {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	return true
}

// Handle tracks one submitted order.
type Handle struct {
	ClientID string
	m        *Manager
	done     <-chan struct{}
}

func (h Handle) Order() (Order, bool) {
	return h.m.Get(h.ClientID)
}

func (h Handle) Done() <-chan struct{} {
	return h.done
}

func (h Handle) Wait(ctx context.Context) (Order, error) {
	select {
	case <-h.done:
		o, _ := h.Order()
		return o, nil
	case <-ctx.Done():
		return Order{}, ctx.Err()
	}
}

// Observer is told about every state change. It is called with the manager
// lock held and must not block or call back into the Manager.
type Observer interface {
	OrderChanged(o Order, from State)
}

type ObserverFunc func(o Order, from State)

func (f ObserverFunc) OrderChanged(o Order, from State) {
	f(o, from)
}

type Status struct {
	Open     int
	ByState  map[State]int
	Archived int
	Draining bool
}
