// Package trading holds the value types shared by the market store, risk
// engine, order manager and strategies.
package trading

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"hl-perp-desk/internal/config"

	"github.com/shopspring/decimal"
)

type MarketID int

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// SideFor returns the side that increases a position of the given sign.
func SideFor(size decimal.Decimal) Side {
	if size.IsNegative() {
		return Sell
	}
	return Buy
}

type Market struct {
	ID          MarketID
	Symbol      string
	TickSize    decimal.Decimal
	MinSize     decimal.Decimal
	LotSize     decimal.Decimal
	LeverageCap decimal.Decimal
	MaxPosition decimal.Decimal
}

func (m Market) FloorSize(size decimal.Decimal) decimal.Decimal {
	if !m.LotSize.IsPositive() || !size.IsPositive() {
		return decimal.Zero
	}
	return size.Div(m.LotSize).Floor().Mul(m.LotSize)
}

// RoundPrice snaps price to the tick grid, never crossing further than asked:
// buys round down and sells round up.
func (m Market) RoundPrice(price decimal.Decimal, side Side) decimal.Decimal {
	if !m.TickSize.IsPositive() {
		return price
	}
	ticks := price.Div(m.TickSize)
	if side == Sell {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	return ticks.Mul(m.TickSize)
}

type Markets struct {
	byID     map[MarketID]Market
	bySymbol map[string]MarketID
	ids      []MarketID
}

func NewMarkets(list []Market) (*Markets, error) {
	if len(list) == 0 {
		return nil, errors.New("market table is empty")
	}
	ms := &Markets{
		byID:     make(map[MarketID]Market, len(list)),
		bySymbol: make(map[string]MarketID, len(list)),
	}
	for _, m := range list {
		if _, dup := ms.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate market id %d", m.ID)
		}
		if !m.MinSize.IsPositive() || !m.TickSize.IsPositive() || !m.LeverageCap.IsPositive() {
			return nil, fmt.Errorf("market %s: tick size, min size and leverage cap must be positive", m.Symbol)
		}
		if !m.LotSize.IsPositive() {
			m.LotSize = m.MinSize
		}
		ms.byID[m.ID] = m
		ms.bySymbol[strings.ToUpper(m.Symbol)] = m.ID
		ms.ids = append(ms.ids, m.ID)
	}
	sort.Slice(ms.ids, func(i, j int) bool { return ms.ids[i] < ms.ids[j] })
	return ms, nil
}

func MarketsFromConfig(cfgs []config.MarketConfig) (*Markets, error) {
	list := make([]Market, 0, len(cfgs))
	for _, c := range cfgs {
		list = append(list, Market{
			ID:          MarketID(c.ID),
			Symbol:      strings.ToUpper(c.Symbol),
			TickSize:    decimal.NewFromFloat(c.TickSize),
			MinSize:     decimal.NewFromFloat(c.MinSize),
			LotSize:     decimal.NewFromFloat(c.LotSize),
			LeverageCap: decimal.NewFromFloat(c.LeverageCap),
			MaxPosition: decimal.NewFromFloat(c.MaxPosition),
		})
	}
	return NewMarkets(list)
}

func (ms *Markets) Get(id MarketID) (Market, bool) {
	m, ok := ms.byID[id]
	return m, ok
}

func (ms *Markets) BySymbol(symbol string) (Market, bool) {
	id, ok := ms.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Market{}, false
	}
	return ms.byID[id], true
}

func (ms *Markets) IDs() []MarketID {
	return append([]MarketID(nil), ms.ids...)
}

func (ms *Markets) List() []Market {
	out := make([]Market, 0, len(ms.ids))
	for _, id := range ms.ids {
		out = append(out, ms.byID[id])
	}
	return out
}

type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Intent is a strategy's proposed action. A zero Price means a market order.
type Intent struct {
	Market      MarketID
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	Reason      string
	PostOnly    bool
	ReduceOnly  bool
	ReplaceOpen bool
	ClientID    string
	Strategy    string
}

func (i Intent) IsMarket() bool {
	return i.Price.IsZero()
}

func (i Intent) Validate() error {
	if !i.Side.Valid() {
		return fmt.Errorf("invalid side %q", i.Side)
	}
	if !i.Size.IsPositive() {
		return errors.New("size must be > 0")
	}
	if i.Price.IsNegative() {
		return errors.New("price must be >= 0")
	}
	if i.PostOnly && i.IsMarket() {
		return errors.New("post-only intent needs a limit price")
	}
	return nil
}
