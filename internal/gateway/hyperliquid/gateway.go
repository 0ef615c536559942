// Package hyperliquid adapts the Hyperliquid info, exchange and websocket
// clients to gateway.Gateway.
package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/hl/exchange"
	"hl-perp-desk/internal/hl/rest"
	"hl-perp-desk/internal/hl/ws"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// User is the account whose state, orders and fills are tracked. Without
	// it the gateway serves market data only.
	User             string
	ActionsPerSecond float64
	Burst            int
	Retry            gateway.RetryPolicy
}

type Gateway struct {
	info     *rest.Client
	exchange *exchange.Client
	stream   *ws.Client
	markets  *trading.Markets
	user     string
	limiter  *rate.Limiter
	retry    gateway.RetryPolicy
	ledger   *ledger
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(info *rest.Client, exch *exchange.Client, stream *ws.Client, markets *trading.Markets, opts Options, log *zap.Logger, m *metrics.Metrics) (*Gateway, error) {
	if info == nil {
		return nil, errors.New("info client is required")
	}
	if markets == nil {
		return nil, errors.New("market table is required")
	}
	user := strings.ToLower(strings.TrimSpace(opts.User))
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if opts.ActionsPerSecond > 0 {
		limit = rate.Limit(opts.ActionsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	g := &Gateway{
		info:     info,
		exchange: exch,
		stream:   stream,
		markets:  markets,
		user:     user,
		limiter:  rate.NewLimiter(limit, burst),
		retry:    opts.Retry,
		ledger:   newLedger(),
		log:      log,
		metrics:  metrics.OrNoop(m),
		now:      time.Now,
	}
	onRetry := g.retry.OnRetry
	g.retry.OnRetry = func(attempt int, err error) {
		g.metrics.GatewayRetries.Inc()
		g.log.Warn("gateway call retrying", zap.Int("attempt", attempt), zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return g, nil
}

// Markets returns the exchange perp universe. The asset id is the index.
func (g *Gateway) Markets(ctx context.Context) ([]gateway.MarketMeta, error) {
	var meta rest.Meta
	err := gateway.Retry(ctx, g.retry, func() error {
		var err error
		meta, err = g.info.Meta(ctx)
		return classify(ctx, "meta", err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]gateway.MarketMeta, 0, len(meta.Universe))
	for i, asset := range meta.Universe {
		if asset.IsDelisted {
			continue
		}
		out = append(out, gateway.MarketMeta{
			ID:           trading.MarketID(i),
			Symbol:       asset.Name,
			SizeDecimals: asset.SzDecimals,
			MaxLeverage:  decimal.NewFromInt(int64(asset.MaxLeverage)),
		})
	}
	return out, nil
}

func (g *Gateway) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Ack, error) {
	if g.exchange == nil {
		return gateway.Ack{}, errors.New("exchange client not configured")
	}
	if req.IsMarket() {
		return gateway.Ack{}, gateway.Reject("order needs a limit price")
	}
	tif := exchange.TifGtc
	switch {
	case req.PostOnly:
		tif = exchange.TifAlo
	case req.IOC:
		tif = exchange.TifIoc
	}
	wire, err := exchange.LimitOrderWire(int(req.Market.ID), req.Side == trading.Buy, req.Size, req.Price, req.ReduceOnly, tif, req.ClientID)
	if err != nil {
		return gateway.Ack{}, gateway.Reject(err.Error())
	}
	var statuses []exchange.Status
	err = gateway.Retry(ctx, g.retry, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		statuses, err = g.exchange.PlaceOrders(ctx, []exchange.OrderWire{wire})
		return classify(ctx, "submit", err)
	})
	if err != nil {
		return gateway.Ack{}, err
	}
	return g.ackFrom(req, statuses[0])
}

func (g *Gateway) ackFrom(req gateway.OrderRequest, st exchange.Status) (gateway.Ack, error) {
	ack := gateway.Ack{ClientID: req.ClientID, Time: g.now()}
	switch {
	case st.Error != "":
		return gateway.Ack{}, gateway.Reject(st.Error)
	case st.Resting != nil:
		ack.ExchangeID = formatOid(st.Resting.Oid)
		ack.Status = gateway.AckResting
		g.ledger.remember(st.Resting.Oid, req.ClientID)
	case st.Filled != nil:
		ack.ExchangeID = formatOid(st.Filled.Oid)
		ack.Status = gateway.AckFilled
		ack.Filled = parseDecimal(st.Filled.TotalSz)
		ack.AvgPrice = parseDecimal(st.Filled.AvgPx)
		g.ledger.remember(st.Filled.Oid, req.ClientID)
	default:
		return gateway.Ack{}, &gateway.Error{Op: "submit", Err: fmt.Errorf("unexpected order status %q", st.Plain)}
	}
	return ack, nil
}

// CancelOrder cancels by client id when known, otherwise by exchange id.
func (g *Gateway) CancelOrder(ctx context.Context, req gateway.CancelRequest) error {
	if g.exchange == nil {
		return errors.New("exchange client not configured")
	}
	asset := int(req.Market.ID)
	var call func() ([]exchange.Status, error)
	switch {
	case req.ClientID != "":
		call = func() ([]exchange.Status, error) {
			return g.exchange.CancelByCloid(ctx, []exchange.CancelByCloidWire{{Asset: asset, Cloid: req.ClientID}})
		}
	case req.ExchangeID != "":
		oid, err := strconv.ParseInt(req.ExchangeID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid exchange order id %q: %w", req.ExchangeID, err)
		}
		call = func() ([]exchange.Status, error) {
			return g.exchange.CancelOrders(ctx, []exchange.CancelWire{{Asset: asset, OrderID: oid}})
		}
	default:
		return errors.New("cancel needs a client or exchange id")
	}
	var statuses []exchange.Status
	err := gateway.Retry(ctx, g.retry, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		statuses, err = call()
		return classify(ctx, "cancel", err)
	})
	if err != nil {
		return err
	}
	if msg := statuses[0].Error; msg != "" {
		if isNotFound(msg) {
			return fmt.Errorf("%s: %w", msg, gateway.ErrOrderNotFound)
		}
		return &gateway.Error{Op: "cancel", Err: errors.New(msg)}
	}
	return nil
}

// AccountState reads margin summary and open orders concurrently. FetchedAt
// is the time the first request was issued, so anything submitted before it
// is reflected in the result.
func (g *Gateway) AccountState(ctx context.Context) (gateway.AccountState, error) {
	if g.user == "" {
		return gateway.AccountState{}, errors.New("account address not configured")
	}
	started := g.now()
	var (
		ch     rest.ClearinghouseState
		orders []rest.OpenOrder
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return gateway.Retry(egCtx, g.retry, func() error {
			var err error
			ch, err = g.info.ClearinghouseState(egCtx, g.user)
			return classify(egCtx, "clearinghouse state", err)
		})
	})
	eg.Go(func() error {
		return gateway.Retry(egCtx, g.retry, func() error {
			var err error
			orders, err = g.info.OpenOrders(egCtx, g.user)
			return classify(egCtx, "open orders", err)
		})
	})
	if err := eg.Wait(); err != nil {
		return gateway.AccountState{}, err
	}

	equity, err := decimal.NewFromString(ch.MarginSummary.AccountValue)
	if err != nil {
		return gateway.AccountState{}, &gateway.Error{Op: "clearinghouse state", Err: fmt.Errorf("account value %q: %w", ch.MarginSummary.AccountValue, err)}
	}
	out := gateway.AccountState{
		Equity:    equity,
		Positions: make(map[trading.MarketID]gateway.PositionState),
		FetchedAt: started,
	}
	for _, ap := range ch.AssetPositions {
		mk, ok := g.markets.BySymbol(ap.Position.Coin)
		if !ok {
			continue
		}
		size := parseDecimal(ap.Position.Szi)
		if size.IsZero() {
			continue
		}
		out.Positions[mk.ID] = gateway.PositionState{Size: size, EntryPrice: parseDecimal(ap.Position.EntryPx)}
	}
	for _, o := range orders {
		mk, ok := g.markets.BySymbol(o.Coin)
		if !ok {
			continue
		}
		orig := parseDecimal(o.OrigSz)
		remaining := parseDecimal(o.Sz)
		if orig.IsZero() {
			orig = remaining
		}
		cloid := o.Cloid
		if cloid == "" {
			cloid = g.ledger.cloid(o.Oid)
		} else {
			g.ledger.remember(o.Oid, cloid)
		}
		out.OpenOrders = append(out.OpenOrders, gateway.OpenOrder{
			ClientID:   cloid,
			ExchangeID: formatOid(o.Oid),
			Market:     mk.ID,
			Side:       sideFromWire(o.Side),
			Price:      parseDecimal(o.LimitPx),
			OrigSize:   orig,
			Remaining:  remaining,
		})
	}
	return out, nil
}

// FetchBook returns a full book snapshot. The venue timestamp doubles as the
// sequence number.
func (g *Gateway) FetchBook(ctx context.Context, market trading.Market) (gateway.BookEvent, error) {
	var book rest.L2Book
	err := gateway.Retry(ctx, g.retry, func() error {
		var err error
		book, err = g.info.L2Book(ctx, market.Symbol)
		return classify(ctx, "l2 book", err)
	})
	if err != nil {
		return gateway.BookEvent{}, err
	}
	return bookEvent(market.ID, book.Time, book.Levels), nil
}

// classify maps transport failures to gateway errors. Context cancellation
// passes through untouched.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var status *rest.StatusError
	var action *exchange.ActionError
	switch {
	case errors.As(err, &status):
		return &gateway.Error{Op: op, Err: err, Temporary: status.Temporary()}
	case errors.As(err, &action):
		if op == "submit" {
			return gateway.Reject(action.Message)
		}
		return &gateway.Error{Op: op, Err: err}
	default:
		return gateway.Transient(op, err)
	}
}

func isNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "never placed") || strings.Contains(msg, "already canceled") || strings.Contains(msg, "unknown oid")
}

func formatOid(oid int64) string {
	if oid == 0 {
		return ""
	}
	return strconv.FormatInt(oid, 10)
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func sideFromWire(s string) trading.Side {
	if strings.EqualFold(s, "A") {
		return trading.Sell
	}
	return trading.Buy
}

func levelsFrom(in []rest.Level) []trading.Level {
	out := make([]trading.Level, 0, len(in))
	for _, l := range in {
		px, err := decimal.NewFromString(l.Px)
		if err != nil {
			continue
		}
		sz, err := decimal.NewFromString(l.Sz)
		if err != nil {
			continue
		}
		out = append(out, trading.Level{Price: px, Size: sz})
	}
	return out
}

func bookEvent(id trading.MarketID, ms int64, levels [2][]rest.Level) gateway.BookEvent {
	return gateway.BookEvent{
		Market:   id,
		Bids:     levelsFrom(levels[0]),
		Asks:     levelsFrom(levels[1]),
		Seq:      uint64(ms),
		Snapshot: true,
		Time:     time.UnixMilli(ms),
	}
}
