// Package paper simulates order execution against books observed from a
// live market-data gateway. Positions, balance and resting orders live in
// memory; fills and order updates are fed back through Stream like the live
// venue does.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Options struct {
	Equity   decimal.Decimal
	MakerFee decimal.Decimal
	TakerFee decimal.Decimal
	Now      func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Equity:   decimal.NewFromInt(100),
		MakerFee: decimal.RequireFromString("0.00015"),
		TakerFee: decimal.RequireFromString("0.00045"),
	}
}

type book struct {
	bids []trading.Level
	asks []trading.Level
}

type position struct {
	size  decimal.Decimal
	entry decimal.Decimal
}

type restingOrder struct {
	oid       int64
	req       gateway.OrderRequest
	remaining decimal.Decimal
	filled    decimal.Decimal
}

type Gateway struct {
	data gateway.Gateway
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	books     map[trading.MarketID]book
	marks     map[trading.MarketID]decimal.Decimal
	positions map[trading.MarketID]position
	balance   decimal.Decimal
	resting   map[int64]*restingOrder
	byCloid   map[string]int64
	nextOid   int64
	outbox    []gateway.Event
}

func New(data gateway.Gateway, opts Options, log *zap.Logger) (*Gateway, error) {
	if data == nil {
		return nil, errors.New("market data gateway is required")
	}
	if !opts.Equity.IsPositive() {
		return nil, errors.New("paper equity must be > 0")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		data:      data,
		opts:      opts,
		log:       log,
		books:     make(map[trading.MarketID]book),
		marks:     make(map[trading.MarketID]decimal.Decimal),
		positions: make(map[trading.MarketID]position),
		balance:   opts.Equity,
		resting:   make(map[int64]*restingOrder),
		byCloid:   make(map[string]int64),
	}, nil
}

func (g *Gateway) Markets(ctx context.Context) ([]gateway.MarketMeta, error) {
	return g.data.Markets(ctx)
}

func (g *Gateway) FetchBook(ctx context.Context, market trading.Market) (gateway.BookEvent, error) {
	ev, err := g.data.FetchBook(ctx, market)
	if err != nil {
		return ev, err
	}
	g.mu.Lock()
	g.applyBookLocked(ev)
	g.mu.Unlock()
	return ev, nil
}

// SubmitOrder matches req against the last observed book. Crossing size
// fills immediately at the touched levels; the rest rests unless the order
// is IOC.
func (g *Gateway) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Ack, error) {
	if req.IsMarket() {
		return gateway.Ack{}, gateway.Reject("order needs a limit price")
	}
	if !req.Size.IsPositive() {
		return gateway.Ack{}, gateway.Reject("size must be > 0")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.ClientID != "" {
		if _, dup := g.byCloid[req.ClientID]; dup {
			return gateway.Ack{}, gateway.Reject("duplicate client order id")
		}
	}
	bk, ok := g.books[req.Market.ID]
	if !ok {
		return gateway.Ack{}, gateway.Reject("no market data")
	}
	size := req.Size
	if req.ReduceOnly {
		size = g.reducibleLocked(req.Market.ID, req.Side, size)
		if !size.IsPositive() {
			return gateway.Ack{}, gateway.Reject("reduce only order would increase position")
		}
	}
	opposite := bk.asks
	if req.Side == trading.Sell {
		opposite = bk.bids
	}
	crosses := len(opposite) > 0 && marketable(req.Side, req.Price, opposite[0].Price)
	if req.PostOnly && crosses {
		return gateway.Ack{}, gateway.Reject("post only order would have immediately matched")
	}
	if req.IOC && !crosses {
		return gateway.Ack{}, gateway.Reject("ioc order could not immediately match")
	}

	g.nextOid++
	oid := g.nextOid
	now := g.opts.Now()
	order := &restingOrder{oid: oid, req: req, remaining: size}
	ack := gateway.Ack{ClientID: req.ClientID, ExchangeID: strconv.FormatInt(oid, 10), Time: now}

	notional := decimal.Zero
	for _, lvl := range opposite {
		if !order.remaining.IsPositive() || !marketable(req.Side, req.Price, lvl.Price) {
			break
		}
		qty := decimal.Min(order.remaining, lvl.Size)
		g.fillLocked(order, qty, lvl.Price, g.opts.TakerFee, now)
		notional = notional.Add(qty.Mul(lvl.Price))
	}
	if order.filled.IsPositive() {
		ack.Filled = order.filled
		ack.AvgPrice = notional.Div(order.filled)
	}
	if order.remaining.IsPositive() && !req.IOC {
		g.resting[oid] = order
		if req.ClientID != "" {
			g.byCloid[req.ClientID] = oid
		}
		ack.Status = gateway.AckResting
		g.outbox = append(g.outbox, g.updateEvent(order, gateway.StatusOpen, "", now))
		return ack, nil
	}
	ack.Status = gateway.AckFilled
	g.finishLocked(order, now)
	return ack, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, req gateway.CancelRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	oid, ok := g.byCloid[req.ClientID]
	if !ok && req.ExchangeID != "" {
		parsed, err := strconv.ParseInt(req.ExchangeID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid exchange order id %q: %w", req.ExchangeID, err)
		}
		oid, ok = parsed, true
	}
	order, live := g.resting[oid]
	if !ok || !live {
		return fmt.Errorf("paper cancel %s: %w", req.ClientID, gateway.ErrOrderNotFound)
	}
	g.removeLocked(order)
	g.outbox = append(g.outbox, g.updateEvent(order, gateway.StatusCanceled, "", g.opts.Now()))
	return nil
}

// AccountState values open positions at the latest mark, or mid when no mark
// has been seen.
func (g *Gateway) AccountState(ctx context.Context) (gateway.AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := gateway.AccountState{
		Equity:    g.equityLocked(),
		Positions: make(map[trading.MarketID]gateway.PositionState, len(g.positions)),
		FetchedAt: g.opts.Now(),
	}
	for id, pos := range g.positions {
		if pos.size.IsZero() {
			continue
		}
		out.Positions[id] = gateway.PositionState{Size: pos.size, EntryPrice: pos.entry}
	}
	oids := make([]int64, 0, len(g.resting))
	for oid := range g.resting {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	for _, oid := range oids {
		o := g.resting[oid]
		out.OpenOrders = append(out.OpenOrders, gateway.OpenOrder{
			ClientID:   o.req.ClientID,
			ExchangeID: strconv.FormatInt(oid, 10),
			Market:     o.req.Market.ID,
			Side:       o.req.Side,
			Price:      o.req.Price,
			OrigSize:   o.req.Size,
			Remaining:  o.remaining,
		})
	}
	return out, nil
}

// Stream forwards market data from the wrapped gateway, matching resting
// orders against every book update. Account events from the data source are
// dropped; simulated fills and order updates are delivered after the market
// event that caused them, on the same goroutine.
func (g *Gateway) Stream(ctx context.Context, markets []trading.Market, handler func(gateway.Event)) error {
	return g.data.Stream(ctx, markets, func(ev gateway.Event) {
		switch e := ev.(type) {
		case gateway.FillEvent, gateway.OrderUpdateEvent:
			return
		case gateway.BookEvent:
			g.mu.Lock()
			g.applyBookLocked(e)
			g.matchLocked(e.Market)
			g.mu.Unlock()
		case gateway.MarkEvent:
			g.mu.Lock()
			g.marks[e.Market] = e.Price
			g.mu.Unlock()
		}
		handler(ev)
		for _, out := range g.drain() {
			handler(out)
		}
	})
}

func (g *Gateway) drain() []gateway.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.outbox
	g.outbox = nil
	return out
}

func (g *Gateway) applyBookLocked(ev gateway.BookEvent) {
	if ev.Snapshot {
		g.books[ev.Market] = book{bids: cloneLevels(ev.Bids), asks: cloneLevels(ev.Asks)}
		return
	}
	bk := g.books[ev.Market]
	bk.bids = applyDelta(bk.bids, ev.Bids, true)
	bk.asks = applyDelta(bk.asks, ev.Asks, false)
	g.books[ev.Market] = bk
}

// matchLocked fills resting orders the book has traded through. Resting
// orders fill at their own limit price as makers.
func (g *Gateway) matchLocked(id trading.MarketID) {
	bk := g.books[id]
	now := g.opts.Now()
	oids := make([]int64, 0, len(g.resting))
	for oid, o := range g.resting {
		if o.req.Market.ID == id {
			oids = append(oids, oid)
		}
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	for _, oid := range oids {
		o := g.resting[oid]
		opposite := bk.asks
		if o.req.Side == trading.Sell {
			opposite = bk.bids
		}
		available := decimal.Zero
		for _, lvl := range opposite {
			if !marketable(o.req.Side, o.req.Price, lvl.Price) {
				break
			}
			available = available.Add(lvl.Size)
		}
		if !available.IsPositive() {
			continue
		}
		qty := decimal.Min(o.remaining, available)
		if o.req.ReduceOnly {
			qty = g.reducibleLocked(id, o.req.Side, qty)
			if !qty.IsPositive() {
				g.removeLocked(o)
				g.outbox = append(g.outbox, g.updateEvent(o, gateway.StatusCanceled, "reduceOnlyCanceled", now))
				continue
			}
		}
		g.fillLocked(o, qty, o.req.Price, g.opts.MakerFee, now)
		if !o.remaining.IsPositive() {
			g.finishLocked(o, now)
		}
	}
}

func (g *Gateway) fillLocked(o *restingOrder, qty, price, feeRate decimal.Decimal, at time.Time) {
	fee := qty.Mul(price).Mul(feeRate)
	g.applyPositionLocked(o.req.Market.ID, o.req.Side, qty, price)
	g.balance = g.balance.Sub(fee)
	o.remaining = o.remaining.Sub(qty)
	o.filled = o.filled.Add(qty)
	g.outbox = append(g.outbox, gateway.FillEvent{
		ClientID:   o.req.ClientID,
		ExchangeID: strconv.FormatInt(o.oid, 10),
		Market:     o.req.Market.ID,
		Side:       o.req.Side,
		Cumulative: o.filled,
		Price:      price,
		Fee:        fee,
		Time:       at,
	})
	g.log.Debug("paper fill",
		zap.String("market", o.req.Market.Symbol),
		zap.String("side", string(o.req.Side)),
		zap.String("size", qty.String()),
		zap.String("price", price.String()),
	)
}

func (g *Gateway) applyPositionLocked(id trading.MarketID, side trading.Side, qty, price decimal.Decimal) {
	pos := g.positions[id]
	delta := qty.Mul(side.Sign())
	next := pos.size.Add(delta)
	switch {
	case pos.size.IsZero() || pos.size.Sign() == delta.Sign():
		total := pos.size.Abs().Mul(pos.entry).Add(qty.Mul(price))
		pos.entry = total.Div(next.Abs())
	default:
		closed := decimal.Min(qty, pos.size.Abs())
		pnl := price.Sub(pos.entry).Mul(closed).Mul(decimal.NewFromInt(int64(pos.size.Sign())))
		g.balance = g.balance.Add(pnl)
		if next.IsZero() {
			pos.entry = decimal.Zero
		} else if next.Sign() != pos.size.Sign() {
			pos.entry = price
		}
	}
	pos.size = next
	g.positions[id] = pos
}

func (g *Gateway) reducibleLocked(id trading.MarketID, side trading.Side, qty decimal.Decimal) decimal.Decimal {
	pos := g.positions[id]
	if pos.size.IsZero() || (side == trading.Buy) == pos.size.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(qty, pos.size.Abs())
}

func (g *Gateway) equityLocked() decimal.Decimal {
	equity := g.balance
	for id, pos := range g.positions {
		if pos.size.IsZero() {
			continue
		}
		price, ok := g.marks[id]
		if !ok {
			price = g.midLocked(id)
		}
		if price.IsPositive() {
			equity = equity.Add(price.Sub(pos.entry).Mul(pos.size))
		}
	}
	return equity
}

func (g *Gateway) midLocked(id trading.MarketID) decimal.Decimal {
	bk := g.books[id]
	if len(bk.bids) == 0 || len(bk.asks) == 0 {
		return decimal.Zero
	}
	return bk.bids[0].Price.Add(bk.asks[0].Price).Div(decimal.NewFromInt(2))
}

// finishLocked retires o. Anything short of the requested size, such as an
// IOC remainder or a reduce-only clip, is reported as cancelled.
func (g *Gateway) finishLocked(o *restingOrder, at time.Time) {
	g.removeLocked(o)
	if o.filled.LessThan(o.req.Size) {
		g.outbox = append(g.outbox, g.updateEvent(o, gateway.StatusCanceled, "remainder canceled", at))
		return
	}
	g.outbox = append(g.outbox, g.updateEvent(o, gateway.StatusFilled, "", at))
}

func (g *Gateway) removeLocked(o *restingOrder) {
	delete(g.resting, o.oid)
	if o.req.ClientID != "" {
		delete(g.byCloid, o.req.ClientID)
	}
}

func (g *Gateway) updateEvent(o *restingOrder, status gateway.OrderStatus, reason string, at time.Time) gateway.OrderUpdateEvent {
	return gateway.OrderUpdateEvent{
		ClientID:   o.req.ClientID,
		ExchangeID: strconv.FormatInt(o.oid, 10),
		Market:     o.req.Market.ID,
		Status:     status,
		Reason:     reason,
		Time:       at,
	}
}

func marketable(side trading.Side, limit, touch decimal.Decimal) bool {
	if side == trading.Buy {
		return touch.LessThanOrEqual(limit)
	}
	return touch.GreaterThanOrEqual(limit)
}

func cloneLevels(in []trading.Level) []trading.Level {
	return append([]trading.Level(nil), in...)
}

// applyDelta merges level updates into a side kept best-first. A zero size
// removes the level.
func applyDelta(side, updates []trading.Level, bids bool) []trading.Level {
	out := cloneLevels(side)
	for _, u := range updates {
		idx := -1
		for i, l := range out {
			if l.Price.Equal(u.Price) {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0 && u.Size.IsZero():
			out = append(out[:idx], out[idx+1:]...)
		case idx >= 0:
			out[idx].Size = u.Size
		case u.Size.IsPositive():
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if bids {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
