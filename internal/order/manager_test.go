package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/state"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	submitted []gateway.OrderRequest
	canceled  []gateway.CancelRequest
	submitFn  func(req gateway.OrderRequest) (gateway.Ack, error)
	cancelErr error
}

func (g *fakeGateway) Markets(ctx context.Context) ([]gateway.MarketMeta, error) {
	return nil, nil
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Ack, error) {
	g.mu.Lock()
	g.submitted = append(g.submitted, req)
	fn := g.submitFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return gateway.Ack{ClientID: req.ClientID, ExchangeID: "x-" + req.ClientID, Status: gateway.AckResting}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, req gateway.CancelRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, req)
	return g.cancelErr
}

func (g *fakeGateway) AccountState(ctx context.Context) (gateway.AccountState, error) {
	return gateway.AccountState{}, nil
}

func (g *fakeGateway) FetchBook(ctx context.Context, market trading.Market) (gateway.BookEvent, error) {
	return gateway.BookEvent{}, nil
}

func (g *fakeGateway) Stream(ctx context.Context, markets []trading.Market, handler func(gateway.Event)) error {
	<-ctx.Done()
	return nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.canceled)
}

type harness struct {
	m     *Manager
	risk  *risk.Engine
	gw    *fakeGateway
	clock *testClock
	store *state.MemoryStore
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	markets, err := trading.NewMarkets([]trading.Market{
		{ID: 1, Symbol: "ETH", TickSize: d("0.1"), MinSize: d("0.01"), LotSize: d("0.01"), LeverageCap: d("5"), MaxPosition: d("10")},
	})
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	engine := risk.New(markets, risk.Options{Now: clock.Now, MaxLeverage: d("5")}, nil, nil)
	engine.SyncAccount(d("1000"))
	engine.UpdateMark(1, d("100"))
	opts.Now = clock.Now
	if opts.AckTimeout == 0 {
		opts.AckTimeout = 5 * time.Second
	}
	gw := &fakeGateway{}
	store := state.NewMemoryStore()
	return &harness{
		m:     NewManager(gw, engine, markets, store, opts, nil, nil),
		risk:  engine,
		gw:    gw,
		clock: clock,
		store: store,
	}
}

func (h *harness) submit(t *testing.T, intent trading.Intent) Handle {
	t.Helper()
	sized, err := h.risk.CheckAndSize(intent)
	if err != nil {
		t.Fatalf("check and size: %v", err)
	}
	handle, err := h.m.Submit(context.Background(), sized)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return handle
}

// pump dispatches everything queued so far on the calling goroutine.
func (h *harness) pump() {
	for {
		select {
		case id := <-h.m.queue:
			h.m.dispatch(context.Background(), id)
		default:
			return
		}
	}
}

func (h *harness) state(t *testing.T, id string) State {
	t.Helper()
	o, ok := h.m.Get(id)
	if !ok {
		t.Fatalf("order %s not found", id)
	}
	return o.State
}

func limitBuy(size, price string) trading.Intent {
	return trading.Intent{Market: 1, Side: trading.Buy, Size: d(size), Price: d(price), Strategy: "mm"}
}

func TestSubmitAckAndFills(t *testing.T) {
	h := newHarness(t, Options{})
	handle := h.submit(t, limitBuy("1", "100"))
	if got := h.state(t, handle.ClientID); got != StatePending {
		t.Fatalf("expected PENDING before dispatch, got %s", got)
	}
	h.pump()
	o, _ := handle.Order()
	if o.State != StateAcknowledged || o.ExchangeID == "" {
		t.Fatalf("expected ACKNOWLEDGED with exchange id, got %+v", o)
	}

	h.m.HandleEvent(gateway.FillEvent{ClientID: handle.ClientID, Market: 1, Side: trading.Buy, Cumulative: d("0.4"), Price: d("100")})
	if got := h.state(t, handle.ClientID); got != StatePartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", got)
	}
	// Replays and smaller cumulative values are ignored.
	h.m.HandleEvent(gateway.FillEvent{ClientID: handle.ClientID, Market: 1, Side: trading.Buy, Cumulative: d("0.4"), Price: d("100")})
	h.m.HandleEvent(gateway.FillEvent{ExchangeID: o.ExchangeID, Market: 1, Side: trading.Buy, Cumulative: d("0.2"), Price: d("100")})
	pos, _ := h.risk.Position(1)
	if !pos.Size.Equal(d("0.4")) {
		t.Fatalf("expected position 0.4, got %s", pos.Size)
	}

	h.m.HandleEvent(gateway.FillEvent{ExchangeID: o.ExchangeID, Market: 1, Side: trading.Buy, Cumulative: d("1"), Price: d("101")})
	select {
	case <-handle.Done():
	default:
		t.Fatalf("expected handle done after full fill")
	}
	o, _ = handle.Order()
	if o.State != StateFilled || !o.Filled.Equal(d("1")) || !o.AvgPrice.Equal(d("100.6")) {
		t.Fatalf("unexpected filled order %+v", o)
	}
	pos, _ = h.risk.Position(1)
	if !pos.Size.Equal(d("1")) {
		t.Fatalf("expected position 1, got %s", pos.Size)
	}
}

func TestDuplicateClientIDNeverReachesGateway(t *testing.T) {
	h := newHarness(t, Options{})
	intent := limitBuy("1", "100")
	intent.ClientID = "0x0123456789abcdef0123456789abcdef"
	h.submit(t, intent)
	h.pump()

	sized, err := h.risk.CheckAndSize(intent)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := h.m.Submit(context.Background(), sized); !errors.Is(err, ErrDuplicateClientID) {
		t.Fatalf("expected ErrDuplicateClientID, got %v", err)
	}

	// A fresh manager sharing the store remembers the id across restarts.
	restarted := NewManager(h.gw, h.risk, h.m.table, h.store, Options{Now: h.clock.Now}, nil, nil)
	if _, err := restarted.Submit(context.Background(), sized); !errors.Is(err, ErrDuplicateClientID) {
		t.Fatalf("expected persisted duplicate rejection, got %v", err)
	}
	if got := h.gw.submitCount(); got != 1 {
		t.Fatalf("expected one gateway submission, got %d", got)
	}
}

func TestSubmitRejectsMalformedClientID(t *testing.T) {
	h := newHarness(t, Options{})
	intent := limitBuy("1", "100")
	intent.ClientID = "order-1"
	sized, _ := h.risk.CheckAndSize(intent)
	if _, err := h.m.Submit(context.Background(), sized); !errors.Is(err, ErrInvalidClientID) {
		t.Fatalf("expected ErrInvalidClientID, got %v", err)
	}
}

func TestGeneratedClientIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewClientID()
		if !cloidPattern.MatchString(id) {
			t.Fatalf("malformed client id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate client id %q", id)
		}
		seen[id] = true
	}
}

func TestRejectReleasesReservation(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.submitFn = func(req gateway.OrderRequest) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Reject("Post only order would have immediately matched")
	}
	handle := h.submit(t, limitBuy("10", "100"))
	if _, err := h.risk.CheckAndSize(limitBuy("1", "100")); err == nil {
		t.Fatalf("expected headroom to be reserved")
	}
	h.pump()
	o, _ := handle.Order()
	if o.State != StateRejected || o.RejectReason == "" {
		t.Fatalf("expected REJECTED with reason, got %+v", o)
	}
	if _, err := h.risk.CheckAndSize(limitBuy("10", "100")); err != nil {
		t.Fatalf("expected headroom released after reject, got %v", err)
	}
}

func TestAckTimeoutExpiresAndIgnoresLateAck(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: 5 * time.Second})
	h.gw.submitFn = func(req gateway.OrderRequest) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient("order", errors.New("timeout"))
	}
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	if got := h.state(t, handle.ClientID); got != StateSubmitted {
		t.Fatalf("expected SUBMITTED after transient failure, got %s", got)
	}

	h.clock.Advance(4 * time.Second)
	if n := h.m.ExpireStale(context.Background()); n != 0 {
		t.Fatalf("expired %d orders before the timeout", n)
	}
	h.clock.Advance(2 * time.Second)
	if n := h.m.ExpireStale(context.Background()); n != 1 {
		t.Fatalf("expected one expiry at 6s, got %d", n)
	}
	if got := h.state(t, handle.ClientID); got != StateExpired {
		t.Fatalf("expected EXPIRED, got %s", got)
	}
	if h.gw.cancelCount() != 1 {
		t.Fatalf("expected best-effort cancel")
	}

	h.m.HandleEvent(gateway.OrderUpdateEvent{ClientID: handle.ClientID, ExchangeID: "77", Market: 1, Status: gateway.StatusOpen})
	if got := h.state(t, handle.ClientID); got != StateExpired {
		t.Fatalf("late ack after confirmed cancel must be ignored, got %s", got)
	}

	h.m.HandleEvent(gateway.FillEvent{ClientID: handle.ClientID, Market: 1, Side: trading.Buy, Cumulative: d("1"), Price: d("100")})
	if got := h.state(t, handle.ClientID); got != StateFilled {
		t.Fatalf("late fill must be applied, got %s", got)
	}
	pos, _ := h.risk.Position(1)
	if !pos.Size.Equal(d("1")) {
		t.Fatalf("expected fill in position, got %s", pos.Size)
	}
}

func TestLateAckReopensWhenCancelFailed(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: 5 * time.Second})
	h.gw.submitFn = func(req gateway.OrderRequest) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient("order", errors.New("timeout"))
	}
	h.gw.cancelErr = gateway.ErrOrderNotFound
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	h.clock.Advance(6 * time.Second)
	h.m.ExpireStale(context.Background())

	h.m.HandleEvent(gateway.OrderUpdateEvent{ClientID: handle.ClientID, ExchangeID: "77", Market: 1, Status: gateway.StatusOpen})
	if got := h.state(t, handle.ClientID); got != StateAcknowledged {
		t.Fatalf("expected late ack to reopen the order, got %s", got)
	}
	if st := h.m.Status(); st.Open != 1 {
		t.Fatalf("expected reopened order counted as open, got %+v", st)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	ctx := context.Background()
	if err := h.m.Cancel(ctx, handle.ClientID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.m.Cancel(ctx, handle.ClientID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got := h.state(t, handle.ClientID); got != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", got)
	}
	if h.gw.cancelCount() != 1 {
		t.Fatalf("expected a single gateway cancel, got %d", h.gw.cancelCount())
	}
	if err := h.m.Cancel(ctx, "0xffffffffffffffffffffffffffffffff"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestCancelPendingNeverDispatches(t *testing.T) {
	h := newHarness(t, Options{})
	handle := h.submit(t, limitBuy("1", "100"))
	if err := h.m.Cancel(context.Background(), handle.ClientID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.pump()
	if h.gw.submitCount() != 0 || h.gw.cancelCount() != 0 {
		t.Fatalf("expected no gateway traffic for a pending cancel")
	}
	if got := h.state(t, handle.ClientID); got != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", got)
	}
}

func TestCancelAllByStrategy(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.submit(t, limitBuy("1", "100"))
	other := limitBuy("1", "99")
	other.Strategy = "momentum"
	b := h.submit(t, other)
	h.pump()
	n, err := h.m.CancelAll(context.Background(), Filter{Strategy: "mm"})
	if err != nil || n != 1 {
		t.Fatalf("expected one cancel, got n=%d err=%v", n, err)
	}
	if h.state(t, a.ClientID) != StateCanceled || h.state(t, b.ClientID) != StateAcknowledged {
		t.Fatalf("filter not respected")
	}
}

func TestMaxOpenOrders(t *testing.T) {
	h := newHarness(t, Options{MaxOpen: 1})
	h.submit(t, limitBuy("1", "100"))
	sized, _ := h.risk.CheckAndSize(limitBuy("1", "99"))
	if _, err := h.m.Submit(context.Background(), sized); !errors.Is(err, ErrTooManyOpen) {
		t.Fatalf("expected ErrTooManyOpen, got %v", err)
	}
}

func TestMarketIntentBecomesAggressiveIOC(t *testing.T) {
	h := newHarness(t, Options{FlattenSlippageBps: d("50")})
	h.submit(t, trading.Intent{Market: 1, Side: trading.Buy, Size: d("1")})
	h.pump()
	req := h.gw.submitted[0]
	if !req.IOC || !req.Price.Equal(d("100.5")) {
		t.Fatalf("expected IOC at 100.5, got ioc=%v price=%s", req.IOC, req.Price)
	}
}

func TestReconcileResolvesAbsentOrders(t *testing.T) {
	h := newHarness(t, Options{CancelForeign: true})
	first := h.submit(t, limitBuy("1", "100"))
	h.pump()
	h.clock.Advance(time.Millisecond)
	second := h.submit(t, limitBuy("2", "99"))
	h.pump()

	acct := gateway.AccountState{
		Equity:    d("1000"),
		Positions: map[trading.MarketID]gateway.PositionState{1: {Size: d("1"), EntryPrice: d("100")}},
		OpenOrders: []gateway.OpenOrder{
			{ExchangeID: "999", Market: 1, Side: trading.Sell, Price: d("120"), OrigSize: d("1"), Remaining: d("1")},
		},
		FetchedAt: h.clock.Now().Add(time.Second),
	}
	report, err := h.m.Reconcile(context.Background(), acct)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.state(t, first.ClientID); got != StateFilled {
		t.Fatalf("expected oldest order FILLED from position delta, got %s", got)
	}
	if got := h.state(t, second.ClientID); got != StateCanceled {
		t.Fatalf("expected unexplained order CANCELED, got %s", got)
	}
	if report.Resolved != 2 || report.ForeignCanceled != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	pos, _ := h.risk.Position(1)
	if !pos.Size.Equal(d("1")) {
		t.Fatalf("expected position converged to 1, got %s", pos.Size)
	}
	if len(h.m.Open(Filter{})) != 0 {
		t.Fatalf("expected no open orders after reconcile")
	}
	canceled := h.gw.canceled[len(h.gw.canceled)-1]
	if canceled.ExchangeID != "999" {
		t.Fatalf("expected foreign order cancelled, got %+v", canceled)
	}
}

func TestReconcileAppliesPartialFillOfOpenOrder(t *testing.T) {
	h := newHarness(t, Options{})
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	acct := gateway.AccountState{
		Equity:    d("1000"),
		Positions: map[trading.MarketID]gateway.PositionState{1: {Size: d("0.3"), EntryPrice: d("100")}},
		OpenOrders: []gateway.OpenOrder{
			{ClientID: handle.ClientID, ExchangeID: "5", Market: 1, Side: trading.Buy, Price: d("100"), OrigSize: d("1"), Remaining: d("0.7")},
		},
		FetchedAt: h.clock.Now().Add(time.Second),
	}
	report, err := h.m.Reconcile(context.Background(), acct)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.state(t, handle.ClientID); got != StatePartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", got)
	}
	for _, div := range report.Divergences {
		if div.Kind == "position" {
			t.Fatalf("fill should explain the position, got %v", div)
		}
	}
}

func TestReconcileIgnoresOrdersNewerThanSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	fetchedAt := h.clock.Now()
	h.clock.Advance(time.Second)
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	_, err := h.m.Reconcile(context.Background(), gateway.AccountState{Equity: d("1000"), FetchedAt: fetchedAt})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.state(t, handle.ClientID); got != StateAcknowledged {
		t.Fatalf("order newer than the snapshot must be untouched, got %s", got)
	}
}

func TestReconcileCorrectsPositionDivergence(t *testing.T) {
	h := newHarness(t, Options{})
	acct := gateway.AccountState{
		Equity:    d("990"),
		Positions: map[trading.MarketID]gateway.PositionState{1: {Size: d("-2"), EntryPrice: d("105")}},
		FetchedAt: h.clock.Now(),
	}
	report, err := h.m.Reconcile(context.Background(), acct)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Divergences) != 1 || report.Divergences[0].Kind != "position" {
		t.Fatalf("expected one position divergence, got %+v", report.Divergences)
	}
	pos, _ := h.risk.Position(1)
	if !pos.Size.Equal(d("-2")) || !pos.EntryPrice.Equal(d("105")) {
		t.Fatalf("expected authoritative position, got %+v", pos)
	}
	if st := h.risk.State(); !st.Equity.Equal(d("990")) {
		t.Fatalf("expected authoritative equity, got %s", st.Equity)
	}
}

func TestFlattenAll(t *testing.T) {
	h := newHarness(t, Options{FlattenSlippageBps: d("50")})
	resting := h.submit(t, limitBuy("1", "95"))
	h.pump()
	h.risk.OnFill("seed", risk.Fill{Market: 1, Side: trading.Buy, Cumulative: d("2"), Price: d("100")})

	handles, err := h.m.FlattenAll(context.Background())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected one flatten order, got %d", len(handles))
	}
	if got := h.state(t, resting.ClientID); got != StateCanceled {
		t.Fatalf("expected resting order cancelled first, got %s", got)
	}
	o, _ := handles[0].Order()
	if o.Side != trading.Sell || !o.ReduceOnly || !o.IOC || !o.Size.Equal(d("2")) || !o.Price.Equal(d("99.5")) {
		t.Fatalf("unexpected flatten order %+v", o)
	}
}

func TestDrainStopsSubmissionsAndCancels(t *testing.T) {
	h := newHarness(t, Options{})
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.m.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := h.state(t, handle.ClientID); got != StateCanceled {
		t.Fatalf("expected CANCELED after drain, got %s", got)
	}
	sized, _ := h.risk.CheckAndSize(limitBuy("1", "100"))
	if _, err := h.m.Submit(context.Background(), sized); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	if !h.m.Status().Draining {
		t.Fatalf("expected draining status")
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	h := newHarness(t, Options{})
	var seen []State
	h.m.AddObserver(ObserverFunc(func(o Order, from State) {
		seen = append(seen, o.State)
	}))
	h.submit(t, limitBuy("1", "100"))
	h.pump()
	want := []State{StatePending, StateSubmitted, StateAcknowledged}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestArchiveIsBounded(t *testing.T) {
	h := newHarness(t, Options{ArchiveSize: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		handle := h.submit(t, limitBuy("1", "100"))
		h.pump()
		if err := h.m.Cancel(context.Background(), handle.ClientID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		ids = append(ids, handle.ClientID)
	}
	if _, ok := h.m.Get(ids[0]); ok {
		t.Fatalf("expected oldest order evicted from archive")
	}
	if _, ok := h.m.Get(ids[2]); !ok {
		t.Fatalf("expected newest order archived")
	}
	if st := h.m.Status(); st.Archived != 2 {
		t.Fatalf("expected archive of 2, got %d", st.Archived)
	}
}

func TestReconcileResolvesAbsentSubmitted(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.submitFn = func(req gateway.OrderRequest) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient("order", errors.New("connection reset"))
	}
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()
	if got := h.state(t, handle.ClientID); got != StateSubmitted {
		t.Fatalf("expected SUBMITTED after transient failure, got %s", got)
	}

	report, err := h.m.Reconcile(context.Background(), gateway.AccountState{
		Equity:    d("1000"),
		FetchedAt: h.clock.Now().Add(time.Second),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.state(t, handle.ClientID); !got.Terminal() || got != StateExpired {
		t.Fatalf("expected absent SUBMITTED order to end EXPIRED, got %s", got)
	}
	if report.Resolved != 1 {
		t.Fatalf("expected one resolved order, got %+v", report)
	}
	if h.gw.cancelCount() != 1 || h.gw.canceled[0].ClientID != handle.ClientID {
		t.Fatalf("expected a cancel for the expired order, got %+v", h.gw.canceled)
	}
	if len(h.m.Open(Filter{})) != 0 {
		t.Fatalf("expected no open orders after reconcile")
	}

	h.m.HandleEvent(gateway.OrderUpdateEvent{ClientID: handle.ClientID, ExchangeID: "42", Market: 1, Status: gateway.StatusOpen})
	if got := h.state(t, handle.ClientID); got != StateExpired {
		t.Fatalf("late ack after confirmed cancel must be ignored, got %s", got)
	}
}

func TestReconcileCreditsAbsentSubmittedWithPosition(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.submitFn = func(req gateway.OrderRequest) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient("order", errors.New("connection reset"))
	}
	handle := h.submit(t, limitBuy("1", "100"))
	h.pump()

	_, err := h.m.Reconcile(context.Background(), gateway.AccountState{
		Equity:    d("1000"),
		Positions: map[trading.MarketID]gateway.PositionState{1: {Size: d("1"), EntryPrice: d("100")}},
		FetchedAt: h.clock.Now().Add(time.Second),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.state(t, handle.ClientID); got != StateFilled {
		t.Fatalf("expected position delta credited as fill, got %s", got)
	}
	if h.gw.cancelCount() != 0 {
		t.Fatalf("filled order must not be cancelled")
	}
}

func TestReopenedOrderRestoresReservation(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: 5 * time.Second})
	h.gw.submitFn = func(req gateway.OrderRequest) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient("order", errors.New("timeout"))
	}
	h.gw.cancelErr = errors.New("cancel failed")
	handle := h.submit(t, limitBuy("8", "100"))
	h.pump()
	h.clock.Advance(6 * time.Second)
	h.m.ExpireStale(context.Background())
	if got := h.state(t, handle.ClientID); got != StateExpired {
		t.Fatalf("expected EXPIRED, got %s", got)
	}

	h.m.HandleEvent(gateway.OrderUpdateEvent{ClientID: handle.ClientID, ExchangeID: "77", Market: 1, Status: gateway.StatusOpen})
	if got := h.state(t, handle.ClientID); got != StateAcknowledged {
		t.Fatalf("expected late ack to reopen the order, got %s", got)
	}

	sized, err := h.risk.CheckAndSize(limitBuy("8", "100"))
	if err != nil {
		t.Fatalf("check and size: %v", err)
	}
	if !sized.Size().Equal(d("2")) {
		t.Fatalf("expected second buy clipped to 2 with 8 working, got %s", sized.Size())
	}

	h.m.HandleEvent(gateway.FillEvent{ClientID: handle.ClientID, ExchangeID: "77", Market: 1, Side: trading.Buy, Cumulative: d("3"), Price: d("100")})
	sized, err = h.risk.CheckAndSize(limitBuy("8", "100"))
	if err != nil {
		t.Fatalf("check and size after fill: %v", err)
	}
	if !sized.Size().Equal(d("2")) {
		t.Fatalf("expected headroom unchanged by a fill of a reserved order, got %s", sized.Size())
	}
}

func TestForeignFillBookkeeping(t *testing.T) {
	h := newHarness(t, Options{})
	h.m.HandleEvent(gateway.FillEvent{Market: 1, Side: trading.Buy, Cumulative: d("1"), Price: d("100")})
	if pos, _ := h.risk.Position(1); !pos.Size.IsZero() {
		t.Fatalf("fill without order id must be skipped, got position %s", pos.Size)
	}

	h.m.HandleEvent(gateway.FillEvent{ExchangeID: "500", Market: 1, Side: trading.Buy, Cumulative: d("1"), Price: d("100")})
	h.m.HandleEvent(gateway.FillEvent{ExchangeID: "501", Market: 1, Side: trading.Buy, Cumulative: d("0.5"), Price: d("100")})
	if pos, _ := h.risk.Position(1); !pos.Size.Equal(d("1.5")) {
		t.Fatalf("expected both foreign fills applied, got %s", pos.Size)
	}

	_, err := h.m.Reconcile(context.Background(), gateway.AccountState{
		Equity:    d("1000"),
		Positions: map[trading.MarketID]gateway.PositionState{1: {Size: d("1.5"), EntryPrice: d("100")}},
		FetchedAt: h.clock.Now().Add(time.Second),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	h.m.mu.Lock()
	left := len(h.m.foreign)
	h.m.mu.Unlock()
	if left != 0 {
		t.Fatalf("expected settled foreign fill keys evicted, %d left", left)
	}
}
