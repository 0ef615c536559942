// Package gateway defines the exchange boundary: order operations, account
// state and the event stream consumed by the market store and order manager.
package gateway

import (
	"context"
	"time"

	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

type Gateway interface {
	Markets(ctx context.Context) ([]MarketMeta, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error)
	CancelOrder(ctx context.Context, req CancelRequest) error
	AccountState(ctx context.Context) (AccountState, error)
	FetchBook(ctx context.Context, market trading.Market) (BookEvent, error)
	// Stream delivers events to handler from a single goroutine until ctx ends.
	Stream(ctx context.Context, markets []trading.Market, handler func(Event)) error
}

type MarketMeta struct {
	ID           trading.MarketID
	Symbol       string
	SizeDecimals int
	MaxLeverage  decimal.Decimal
}

type OrderRequest struct {
	ClientID   string
	Market     trading.Market
	Side       trading.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
	PostOnly   bool
	// IOC is implied for market orders (zero Price).
	IOC bool
}

func (r OrderRequest) IsMarket() bool {
	return r.Price.IsZero()
}

type AckStatus string

const (
	AckResting AckStatus = "resting"
	AckFilled  AckStatus = "filled"
)

type Ack struct {
	ClientID   string
	ExchangeID string
	Status     AckStatus
	Filled     decimal.Decimal
	AvgPrice   decimal.Decimal
	Time       time.Time
}

type CancelRequest struct {
	Market     trading.Market
	ClientID   string
	ExchangeID string
}

type PositionState struct {
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

type OpenOrder struct {
	ClientID   string
	ExchangeID string
	Market     trading.MarketID
	Side       trading.Side
	Price      decimal.Decimal
	OrigSize   decimal.Decimal
	Remaining  decimal.Decimal
}

func (o OpenOrder) Filled() decimal.Decimal {
	filled := o.OrigSize.Sub(o.Remaining)
	if filled.IsNegative() {
		return decimal.Zero
	}
	return filled
}

type AccountState struct {
	Equity     decimal.Decimal
	Positions  map[trading.MarketID]PositionState
	OpenOrders []OpenOrder
	FetchedAt  time.Time
}

type Event interface {
	event()
}

// BookEvent carries either a full book (Snapshot) or a delta where a zero
// size removes the level. PrevSeq is zero when the venue does not chain
// sequence numbers.
type BookEvent struct {
	Market   trading.MarketID
	Bids     []trading.Level
	Asks     []trading.Level
	Seq      uint64
	PrevSeq  uint64
	Snapshot bool
	Time     time.Time
}

type MarkEvent struct {
	Market trading.MarketID
	Price  decimal.Decimal
	Time   time.Time
}

// FillEvent reports the cumulative filled size of one order.
type FillEvent struct {
	ClientID   string
	ExchangeID string
	Market     trading.MarketID
	Side       trading.Side
	Cumulative decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	Time       time.Time
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
)

type OrderUpdateEvent struct {
	ClientID   string
	ExchangeID string
	Market     trading.MarketID
	Status     OrderStatus
	Reason     string
	Time       time.Time
}

type ConnectionEvent struct {
	Connected bool
	Err       error
}

func (BookEvent) event()        {}
func (MarkEvent) event()        {}
func (FillEvent) event()        {}
func (OrderUpdateEvent) event() {}
func (ConnectionEvent) event()  {}
