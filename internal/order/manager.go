package order

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/state"
	"hl-perp-desk/internal/trading"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrDuplicateClientID = errors.New("duplicate client order id")
	ErrInvalidClientID   = errors.New("client order id must be 0x followed by 32 hex digits")
	ErrDraining          = errors.New("order manager is draining")
	ErrTooManyOpen       = errors.New("open order limit reached")
	ErrQueueFull         = errors.New("dispatch queue full")
)

const (
	cloidKeyPrefix    = "order:cloid:"
	foreignFillPrefix = "foreign:"
)

var cloidPattern = regexp.MustCompile(`^0x[0-9a-f]{32}$`)

var bps = decimal.NewFromInt(10000)

type Options struct {
	AckTimeout         time.Duration
	Workers            int
	QueueSize          int
	ArchiveSize        int
	MaxOpen            int
	FlattenSlippageBps decimal.Decimal
	CancelForeign      bool
	Now                func() time.Time
}

func OptionsFromConfig(cfg config.OrdersConfig) Options {
	return Options{
		AckTimeout:         cfg.AckTimeout,
		Workers:            cfg.DispatchWorkers,
		QueueSize:          cfg.QueueSize,
		ArchiveSize:        cfg.ArchiveSize,
		MaxOpen:            cfg.MaxOpen,
		FlattenSlippageBps: decimal.NewFromFloat(cfg.FlattenSlippageBps),
		CancelForeign:      cfg.CancelForeignValue(),
	}
}

type record struct {
	Order
	market          trading.Market
	done            chan struct{}
	closed          bool
	cancelInFlight  bool
	cancelConfirmed bool
	reconciled      bool
}

// Manager owns every order from submit to archive. Gateway calls are made
// without holding mu; risk calls are made with it held.
type Manager struct {
	gw        gateway.Gateway
	risk      *risk.Engine
	table     *trading.Markets
	store     state.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
	queue     chan string
	observers []Observer

	mu         sync.Mutex
	active     map[string]*record
	archive    *list.List
	archived   map[string]*list.Element
	byExchange map[string]string
	lastFill   map[trading.MarketID]time.Time
	foreign    map[string]time.Time // risk fill keys of foreign orders, by last fill
	closed     bool
}

func NewManager(gw gateway.Gateway, engine *risk.Engine, markets *trading.Markets, store state.Store, opts Options, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ArchiveSize <= 0 {
		opts.ArchiveSize = 1000
	}
	return &Manager{
		gw:         gw,
		risk:       engine,
		table:      markets,
		store:      store,
		log:        log,
		metrics:    metrics.OrNoop(m),
		opts:       opts,
		now:        opts.Now,
		queue:      make(chan string, opts.QueueSize),
		active:     make(map[string]*record),
		archive:    list.New(),
		archived:   make(map[string]*list.Element),
		byExchange: make(map[string]string),
		lastFill:   make(map[trading.MarketID]time.Time),
		foreign:    make(map[string]time.Time),
	}
}

// AddObserver registers o. Call before Run.
func (m *Manager) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

func NewClientID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// Submit registers sized as a PENDING order, reserves its risk headroom and
// queues it for dispatch. It never waits on the gateway.
func (m *Manager) Submit(ctx context.Context, sized risk.SizedIntent) (Handle, error) {
	if !sized.Valid() {
		return Handle{}, risk.ErrInvalidSizedOrder
	}
	intent := sized.Intent()
	id := intent.ClientID
	if id == "" {
		id = NewClientID()
	}
	if !cloidPattern.MatchString(id) {
		return Handle{}, fmt.Errorf("%q: %w", id, ErrInvalidClientID)
	}
	if m.store != nil {
		if _, seen, err := m.store.Get(ctx, cloidKeyPrefix+id); err != nil {
			return Handle{}, fmt.Errorf("check client id: %w", err)
		} else if seen {
			return Handle{}, fmt.Errorf("%s: %w", id, ErrDuplicateClientID)
		}
	}

	mk := sized.Market()
	price := intent.Price
	ioc := sized.Flatten()
	if intent.IsMarket() {
		price = m.aggressivePrice(mk, intent.Side, sized.ReferencePrice())
		ioc = true
	}
	now := m.now()
	rec := &record{
		Order: Order{
			ClientID:   id,
			Market:     mk.ID,
			Symbol:     mk.Symbol,
			Side:       intent.Side,
			Price:      price,
			Size:       intent.Size,
			Strategy:   intent.Strategy,
			Reason:     intent.Reason,
			PostOnly:   intent.PostOnly,
			ReduceOnly: intent.ReduceOnly,
			IOC:        ioc,
			State:      StatePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		market: mk,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrDraining
	}
	if _, ok := m.lookupLocked(id); ok {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%s: %w", id, ErrDuplicateClientID)
	}
	if m.opts.MaxOpen > 0 && len(m.active) >= m.opts.MaxOpen && !sized.Flatten() {
		m.mu.Unlock()
		return Handle{}, ErrTooManyOpen
	}
	if err := m.risk.Reserve(sized.WithClientID(id), id); err != nil {
		m.mu.Unlock()
		return Handle{}, err
	}
	m.active[id] = rec
	m.notifyLocked(rec, "")
	select {
	case m.queue <- id:
	default:
		rec.RejectReason = ErrQueueFull.Error()
		m.transitionLocked(rec, EventReject)
		m.mu.Unlock()
		return Handle{}, ErrQueueFull
	}
	m.metrics.OrdersSubmitted.Inc()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Set(ctx, cloidKeyPrefix+id, rec.Strategy); err != nil {
			m.log.Warn("failed to persist client order id", zap.String("cloid", id), zap.Error(err))
		}
	}
	m.log.Debug("order queued",
		zap.String("cloid", id),
		zap.String("market", mk.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("size", intent.Size.String()),
		zap.String("price", price.String()),
		zap.String("strategy", intent.Strategy),
	)
	return Handle{ClientID: id, m: m, done: rec.done}, nil
}

func (m *Manager) aggressivePrice(mk trading.Market, side trading.Side, ref decimal.Decimal) decimal.Decimal {
	slip := decimal.NewFromInt(1).Add(m.opts.FlattenSlippageBps.Div(bps))
	if side == trading.Sell {
		slip = decimal.NewFromInt(2).Sub(slip)
	}
	return mk.RoundPrice(ref.Mul(slip), side.Opposite())
}

func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-m.queue:
					m.dispatch(ctx, id)
				}
			}
		}()
	}
	interval := m.opts.AckTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			m.ExpireStale(ctx)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, id string) {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok || rec.State != StatePending {
		m.mu.Unlock()
		return
	}
	rec.SubmittedAt = m.now()
	m.transitionLocked(rec, EventDispatch)
	req := rec.request()
	m.mu.Unlock()

	ack, err := m.gw.SubmitOrder(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok = m.lookupLocked(id)
	if !ok {
		return
	}
	switch {
	case err == nil:
		m.applyAckLocked(rec, ack)
	case errors.Is(err, gateway.ErrRejected):
		rec.RejectReason = gateway.RejectReason(err)
		m.transitionLocked(rec, EventReject)
		m.metrics.OrdersRejected.Inc()
		m.log.Info("order rejected",
			zap.String("cloid", id),
			zap.String("market", rec.Symbol),
			zap.String("reason", rec.RejectReason),
		)
	default:
		// Left SUBMITTED; the sweeper expires it if no ack shows up.
		m.log.Warn("order submit failed", zap.String("cloid", id), zap.String("market", rec.Symbol), zap.Error(err))
	}
}

func (r *record) request() gateway.OrderRequest {
	return gateway.OrderRequest{
		ClientID:   r.ClientID,
		Market:     r.market,
		Side:       r.Side,
		Price:      r.Price,
		Size:       r.Size,
		ReduceOnly: r.ReduceOnly,
		PostOnly:   r.PostOnly,
		IOC:        r.IOC,
	}
}

func (r *record) cancelRequest() gateway.CancelRequest {
	return gateway.CancelRequest{Market: r.market, ClientID: r.ClientID, ExchangeID: r.ExchangeID}
}

func (m *Manager) applyAckLocked(rec *record, ack gateway.Ack) {
	if ack.ExchangeID != "" && rec.ExchangeID == "" {
		rec.ExchangeID = ack.ExchangeID
		m.byExchange[ack.ExchangeID] = rec.ClientID
	}
	if rec.State == StateExpired && rec.cancelConfirmed {
		m.log.Info("ignoring late ack for expired order", zap.String("cloid", rec.ClientID), zap.String("market", rec.Symbol))
	} else if rec.State == StateSubmitted || rec.State == StateExpired {
		m.transitionLocked(rec, EventAck)
	}
	if ack.Filled.IsPositive() {
		price := ack.AvgPrice
		if !price.IsPositive() {
			price = rec.Price
		}
		m.applyFillLocked(rec, ack.Filled, price, decimal.Zero, ack.Time)
	}
}

// applyFillLocked books a cumulative fill. Risk sees every increment even if
// the order already went terminal.
func (m *Manager) applyFillLocked(rec *record, cumulative, price, fee decimal.Decimal, at time.Time) {
	if !cumulative.GreaterThan(rec.Filled) {
		return
	}
	delta := cumulative.Sub(rec.Filled)
	rec.AvgPrice = rec.Filled.Mul(rec.AvgPrice).Add(delta.Mul(price)).Div(cumulative)
	rec.Filled = cumulative
	if at.IsZero() {
		at = m.now()
	}
	if _, err := m.risk.OnFill(rec.ClientID, risk.Fill{
		Market:     rec.Market,
		Side:       rec.Side,
		Cumulative: cumulative,
		Price:      price,
		Fee:        fee,
		Time:       at,
	}); err != nil {
		m.log.Error("risk rejected fill", zap.String("cloid", rec.ClientID), zap.Error(err))
	}
	m.lastFill[rec.Market] = m.now()
	ev := EventPartialFill
	if rec.Filled.GreaterThanOrEqual(rec.Size) {
		ev = EventFill
	}
	if !m.transitionLocked(rec, ev) {
		rec.UpdatedAt = m.now()
		m.notifyLocked(rec, rec.State)
	}
}

func (m *Manager) transitionLocked(rec *record, ev Event) bool {
	from := rec.State
	next, ok := nextState(from, ev)
	if !ok || (next == from && ev != EventPartialFill) {
		return false
	}
	rec.State = next
	rec.UpdatedAt = m.now()
	switch {
	case next.Terminal() && !from.Terminal():
		m.archiveLocked(rec)
	case !next.Terminal() && from.Terminal():
		m.reopenLocked(rec)
	}
	switch next {
	case StateFilled:
		m.metrics.OrdersFilled.Inc()
	case StateCanceled:
		m.metrics.OrdersCanceled.Inc()
	case StateExpired:
		m.metrics.OrdersExpired.Inc()
	}
	m.metrics.OpenOrders.Set(float64(len(m.active)))
	m.notifyLocked(rec, from)
	return true
}

func (m *Manager) notifyLocked(rec *record, from State) {
	if len(m.observers) == 0 {
		return
	}
	snapshot := rec.Order
	for _, o := range m.observers {
		o.OrderChanged(snapshot, from)
	}
}

func (m *Manager) archiveLocked(rec *record) {
	delete(m.active, rec.ClientID)
	if !rec.closed {
		rec.closed = true
		close(rec.done)
	}
	m.risk.Release(rec.ClientID)
	m.archived[rec.ClientID] = m.archive.PushBack(rec)
	for m.archive.Len() > m.opts.ArchiveSize {
		oldest := m.archive.Front()
		old := oldest.Value.(*record)
		m.archive.Remove(oldest)
		delete(m.archived, old.ClientID)
		if old.ExchangeID != "" {
			delete(m.byExchange, old.ExchangeID)
		}
		m.risk.Forget(old.ClientID)
	}
}

func (m *Manager) reopenLocked(rec *record) {
	if el, ok := m.archived[rec.ClientID]; ok {
		m.archive.Remove(el)
		delete(m.archived, rec.ClientID)
	}
	m.active[rec.ClientID] = rec
	if err := m.risk.Reinstate(rec.ClientID, rec.Market, rec.Side, rec.Remaining(), rec.Price, rec.ReduceOnly); err != nil {
		m.log.Error("reservation not restored", zap.String("cloid", rec.ClientID), zap.Error(err))
	}
	m.log.Info("order reopened", zap.String("cloid", rec.ClientID), zap.String("state", string(rec.State)))
}

func (m *Manager) lookupLocked(id string) (*record, bool) {
	if rec, ok := m.active[id]; ok {
		return rec, true
	}
	if el, ok := m.archived[id]; ok {
		return el.Value.(*record), true
	}
	return nil, false
}

func (m *Manager) lookupEventLocked(clientID, exchangeID string) (*record, bool) {
	if clientID != "" {
		if rec, ok := m.lookupLocked(clientID); ok {
			return rec, true
		}
	}
	if exchangeID != "" {
		if id, ok := m.byExchange[exchangeID]; ok {
			return m.lookupLocked(id)
		}
	}
	return nil, false
}

// ExpireStale moves SUBMITTED orders past the ack timeout to EXPIRED and
// issues a best-effort cancel for each.
func (m *Manager) ExpireStale(ctx context.Context) int {
	now := m.now()
	var expired []*record
	m.mu.Lock()
	for _, rec := range m.active {
		if rec.State == StateSubmitted && now.Sub(rec.SubmittedAt) >= m.opts.AckTimeout {
			expired = append(expired, rec)
		}
	}
	reqs := make([]gateway.CancelRequest, 0, len(expired))
	for _, rec := range expired {
		m.transitionLocked(rec, EventTimeout)
		reqs = append(reqs, rec.cancelRequest())
		m.log.Warn("order ack timeout",
			zap.String("cloid", rec.ClientID),
			zap.String("market", rec.Symbol),
			zap.Duration("waited", now.Sub(rec.SubmittedAt)),
		)
	}
	m.mu.Unlock()

	for _, req := range reqs {
		err := m.gw.CancelOrder(ctx, req)
		if err != nil {
			m.log.Info("expiry cancel not confirmed", zap.String("cloid", req.ClientID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		if rec, ok := m.lookupLocked(req.ClientID); ok {
			rec.cancelConfirmed = true
		}
		m.mu.Unlock()
	}
	return len(reqs)
}

func (m *Manager) HandleEvent(ev gateway.Event) {
	switch e := ev.(type) {
	case gateway.FillEvent:
		m.handleFill(e)
	case gateway.OrderUpdateEvent:
		m.handleUpdate(e)
	}
}

func (m *Manager) handleFill(e gateway.FillEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookupEventLocked(e.ClientID, e.ExchangeID)
	if !ok {
		// Foreign fills still move the position. Without an oid the
		// cumulative size cannot be attributed; reconciliation picks it up.
		if e.ExchangeID == "" {
			m.log.Warn("foreign fill without order id skipped", zap.Int("market", int(e.Market)), zap.String("cumulative", e.Cumulative.String()))
			return
		}
		key := foreignFillPrefix + e.ExchangeID
		m.foreign[key] = m.now()
		if _, err := m.risk.OnFill(key, risk.Fill{
			Market:     e.Market,
			Side:       e.Side,
			Cumulative: e.Cumulative,
			Price:      e.Price,
			Fee:        e.Fee,
			Time:       e.Time,
		}); err != nil {
			m.log.Warn("foreign fill not applied", zap.String("oid", e.ExchangeID), zap.Error(err))
		}
		m.lastFill[e.Market] = m.now()
		return
	}
	if e.ExchangeID != "" && rec.ExchangeID == "" {
		rec.ExchangeID = e.ExchangeID
		m.byExchange[e.ExchangeID] = rec.ClientID
	}
	if rec.State == StateSubmitted {
		m.transitionLocked(rec, EventAck)
	}
	m.applyFillLocked(rec, e.Cumulative, e.Price, e.Fee, e.Time)
}

func (m *Manager) handleUpdate(e gateway.OrderUpdateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookupEventLocked(e.ClientID, e.ExchangeID)
	if !ok {
		return
	}
	switch e.Status {
	case gateway.StatusOpen:
		m.applyAckLocked(rec, gateway.Ack{ClientID: rec.ClientID, ExchangeID: e.ExchangeID, Status: gateway.AckResting, Time: e.Time})
	case gateway.StatusCanceled:
		if rec.State == StateExpired {
			rec.cancelConfirmed = true
			return
		}
		m.transitionLocked(rec, EventCancel)
	case gateway.StatusRejected:
		rec.RejectReason = e.Reason
		if m.transitionLocked(rec, EventReject) {
			m.metrics.OrdersRejected.Inc()
		}
	}
}

// Cancel requests cancellation of id. Cancelling a terminal order is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.lookupLocked(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownOrder)
	}
	if rec.State.Terminal() {
		m.mu.Unlock()
		m.log.Debug("cancel of terminal order ignored", zap.String("cloid", id), zap.String("state", string(rec.State)))
		return nil
	}
	if rec.State == StatePending {
		m.transitionLocked(rec, EventCancel)
		m.mu.Unlock()
		return nil
	}
	if rec.cancelInFlight {
		m.mu.Unlock()
		return nil
	}
	rec.cancelInFlight = true
	req := rec.cancelRequest()
	m.mu.Unlock()

	err := m.gw.CancelOrder(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.cancelInFlight = false
	switch {
	case err == nil:
		m.transitionLocked(rec, EventCancel)
		return nil
	case errors.Is(err, gateway.ErrOrderNotFound):
		// Already filled or gone; reconciliation settles it.
		m.log.Info("cancel target not found", zap.String("cloid", id), zap.String("state", string(rec.State)))
		return nil
	default:
		return fmt.Errorf("cancel %s: %w", id, err)
	}
}

// CancelAll cancels every open order matching filter and returns how many
// were attempted.
func (m *Manager) CancelAll(ctx context.Context, filter Filter) (int, error) {
	open := m.Open(filter)
	var errs []error
	for _, o := range open {
		if err := m.Cancel(ctx, o.ClientID); err != nil {
			errs = append(errs, err)
		}
	}
	return len(open), errors.Join(errs...)
}

func (m *Manager) Open(filter Filter) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.active))
	for _, rec := range m.active {
		if filter.match(&rec.Order) {
			out = append(out, rec.Order)
		}
	}
	return out
}

func (m *Manager) Get(id string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookupLocked(id)
	if !ok {
		return Order{}, false
	}
	return rec.Order, true
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Open:     len(m.active),
		ByState:  make(map[State]int),
		Archived: m.archive.Len(),
		Draining: m.closed,
	}
	for _, rec := range m.active {
		st.ByState[rec.State]++
	}
	for el := m.archive.Front(); el != nil; el = el.Next() {
		st.ByState[el.Value.(*record).State]++
	}
	return st
}
