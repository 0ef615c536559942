package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/hl/rest"
	"hl-perp-desk/internal/hl/ws"
	"hl-perp-desk/internal/trading"

	"go.uber.org/zap"
)

// Fills for an oid the ledger has not linked to a client id yet are held
// this long for the order update or submit ack that carries the link.
const attributionGrace = 2 * time.Second

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsBook struct {
	Coin   string          `json:"coin"`
	Time   int64           `json:"time"`
	Levels [2][]rest.Level `json:"levels"`
}

type wsAssetCtx struct {
	Coin string `json:"coin"`
	Ctx  struct {
		MarkPx string `json:"markPx"`
	} `json:"ctx"`
}

type wsOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	OrigSz    string `json:"origSz"`
	Cloid     string `json:"cloid"`
}

type wsOrderUpdate struct {
	Order           wsOrder `json:"order"`
	Status          string  `json:"status"`
	StatusTimestamp int64   `json:"statusTimestamp"`
}

type wsFill struct {
	Coin  string `json:"coin"`
	Px    string `json:"px"`
	Sz    string `json:"sz"`
	Side  string `json:"side"`
	Time  int64  `json:"time"`
	Hash  string `json:"hash"`
	Oid   int64  `json:"oid"`
	Tid   int64  `json:"tid"`
	Fee   string `json:"fee"`
	Cloid string `json:"cloid"`
}

type wsUserFills struct {
	IsSnapshot bool     `json:"isSnapshot"`
	User       string   `json:"user"`
	Fills      []wsFill `json:"fills"`
}

type heldFill struct {
	fill wsFill
	at   time.Time
}

// streamState is owned by the goroutine running Stream.
type streamState struct {
	g       *Gateway
	emit    func(gateway.Event)
	seeded  bool
	pending []heldFill
}

// Stream subscribes to books and mark prices for markets plus the account's
// order updates and fills, then delivers typed events until ctx ends.
func (g *Gateway) Stream(ctx context.Context, markets []trading.Market, handler func(gateway.Event)) error {
	if g.stream == nil {
		return errors.New("websocket client not configured")
	}
	subs := make([]ws.Subscription, 0, 2*len(markets)+2)
	for _, m := range markets {
		subs = append(subs,
			ws.Subscription{Type: "l2Book", Coin: m.Symbol},
			ws.Subscription{Type: "activeAssetCtx", Coin: m.Symbol},
		)
	}
	if g.user != "" {
		subs = append(subs,
			ws.Subscription{Type: "orderUpdates", User: g.user},
			ws.Subscription{Type: "userFills", User: g.user},
		)
	}
	for _, sub := range subs {
		if err := g.stream.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	st := &streamState{g: g, emit: handler}
	g.stream.OnState(func(connected bool, err error) {
		handler(gateway.ConnectionEvent{Connected: connected, Err: err})
	})
	return g.stream.Run(ctx, st.handle)
}

func (s *streamState) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.g.log.Warn("ws message decode failed", zap.Error(err))
		return
	}
	switch env.Channel {
	case "l2Book":
		s.onBook(env.Data)
	case "activeAssetCtx":
		s.onAssetCtx(env.Data)
	case "orderUpdates":
		s.onOrderUpdates(env.Data)
	case "userFills":
		s.onUserFills(env.Data)
	case "error":
		s.g.log.Warn("ws error message", zap.ByteString("data", env.Data))
	}
	s.flushHeld()
}

func (s *streamState) onBook(data json.RawMessage) {
	var book wsBook
	if err := json.Unmarshal(data, &book); err != nil {
		s.g.log.Warn("l2Book decode failed", zap.Error(err))
		return
	}
	mk, ok := s.g.markets.BySymbol(book.Coin)
	if !ok {
		return
	}
	s.emit(bookEvent(mk.ID, book.Time, book.Levels))
}

func (s *streamState) onAssetCtx(data json.RawMessage) {
	var ctx wsAssetCtx
	if err := json.Unmarshal(data, &ctx); err != nil {
		s.g.log.Warn("activeAssetCtx decode failed", zap.Error(err))
		return
	}
	mk, ok := s.g.markets.BySymbol(ctx.Coin)
	if !ok {
		return
	}
	mark := parseDecimal(ctx.Ctx.MarkPx)
	if !mark.IsPositive() {
		return
	}
	s.emit(gateway.MarkEvent{Market: mk.ID, Price: mark, Time: s.g.now()})
}

func (s *streamState) onOrderUpdates(data json.RawMessage) {
	var updates []wsOrderUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		s.g.log.Warn("orderUpdates decode failed", zap.Error(err))
		return
	}
	for _, u := range updates {
		mk, ok := s.g.markets.BySymbol(u.Order.Coin)
		if !ok {
			continue
		}
		cloid := u.Order.Cloid
		if cloid != "" {
			s.g.ledger.remember(u.Order.Oid, cloid)
		} else {
			cloid = s.g.ledger.cloid(u.Order.Oid)
		}
		status, ok := orderStatus(u.Status)
		if !ok {
			continue
		}
		ev := gateway.OrderUpdateEvent{
			ClientID:   cloid,
			ExchangeID: formatOid(u.Order.Oid),
			Market:     mk.ID,
			Status:     status,
			Time:       time.UnixMilli(u.StatusTimestamp),
		}
		if status == gateway.StatusRejected || (status == gateway.StatusCanceled && u.Status != "canceled") {
			ev.Reason = u.Status
		}
		s.emit(ev)
	}
}

func (s *streamState) onUserFills(data json.RawMessage) {
	var batch wsUserFills
	if err := json.Unmarshal(data, &batch); err != nil {
		s.g.log.Warn("userFills decode failed", zap.Error(err))
		return
	}
	if batch.User != "" && !strings.EqualFold(batch.User, s.g.user) {
		return
	}
	// The first snapshot is history from before this process started; it
	// only primes the ledger. Later snapshots follow reconnects and may
	// carry fills missed while disconnected.
	silent := batch.IsSnapshot && !s.seeded
	if batch.IsSnapshot {
		s.seeded = true
	}
	for _, f := range batch.Fills {
		if _, ok := s.g.markets.BySymbol(f.Coin); !ok {
			continue
		}
		if silent {
			s.g.ledger.apply(f)
			continue
		}
		if f.Cloid == "" && s.g.ledger.cloid(f.Oid) == "" {
			s.pending = append(s.pending, heldFill{fill: f, at: s.g.now()})
			continue
		}
		s.emitFill(f)
	}
}

// flushHeld emits held fills whose client id is now known, or that have
// waited out the grace period.
func (s *streamState) flushHeld() {
	if len(s.pending) == 0 {
		return
	}
	now := s.g.now()
	kept := s.pending[:0]
	for _, h := range s.pending {
		if s.g.ledger.cloid(h.fill.Oid) != "" || now.Sub(h.at) >= attributionGrace {
			s.emitFill(h.fill)
			continue
		}
		kept = append(kept, h)
	}
	s.pending = kept
}

func (s *streamState) emitFill(f wsFill) {
	mk, ok := s.g.markets.BySymbol(f.Coin)
	if !ok {
		return
	}
	cumulative, cloid, ok := s.g.ledger.apply(f)
	if !ok {
		return
	}
	s.emit(gateway.FillEvent{
		ClientID:   cloid,
		ExchangeID: formatOid(f.Oid),
		Market:     mk.ID,
		Side:       sideFromWire(f.Side),
		Cumulative: cumulative,
		Price:      parseDecimal(f.Px),
		Fee:        parseDecimal(f.Fee),
		Time:       time.UnixMilli(f.Time),
	})
}

func orderStatus(s string) (gateway.OrderStatus, bool) {
	switch {
	case s == "open" || s == "triggered":
		return gateway.StatusOpen, true
	case s == "filled":
		return gateway.StatusFilled, true
	case s == "canceled" || strings.HasSuffix(s, "Canceled") || s == "scheduledCancel":
		return gateway.StatusCanceled, true
	case s == "rejected" || strings.HasSuffix(s, "Rejected"):
		return gateway.StatusRejected, true
	}
	return "", false
}
