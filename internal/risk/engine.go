package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNothingToFlatten = errors.New("position already flat")

type Options struct {
	// MaxDrawdown is a fraction of peak equity; 0 disables the check.
	MaxDrawdown          decimal.Decimal
	DrawdownCooldown     time.Duration
	FlattenOnDrawdown    bool
	LossCooldown         time.Duration
	Scope                Scope
	MaxConsecutiveLosses int
	MaxDailyLoss         decimal.Decimal
	MaxLeverage          decimal.Decimal
	Now                  func() time.Time
}

func OptionsFromConfig(cfg config.RiskConfig) Options {
	scope := ScopeMarket
	if cfg.CooldownScope == config.CooldownScopeAccount {
		scope = ScopeAccount
	}
	return Options{
		MaxDrawdown:          decimal.NewFromFloat(cfg.MaxDrawdownPct).Div(decimal.NewFromInt(100)),
		DrawdownCooldown:     cfg.DrawdownCooldown,
		FlattenOnDrawdown:    cfg.FlattenOnDrawdown,
		LossCooldown:         cfg.LossCooldown,
		Scope:                scope,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		MaxDailyLoss:         decimal.NewFromFloat(cfg.MaxDailyLossUSD),
		MaxLeverage:          decimal.NewFromFloat(cfg.MaxLeverage),
	}
}

// Fill reports the cumulative filled size of one order; Price is the price
// of the newest increment.
type Fill struct {
	Market     trading.MarketID
	Side       trading.Side
	Cumulative decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	Time       time.Time
}

type Exposure struct {
	Size     decimal.Decimal
	Notional decimal.Decimal
	Pending  decimal.Decimal
}

// State is an immutable copy of the account-wide risk view.
type State struct {
	Equity     decimal.Decimal
	Balance    decimal.Decimal
	PeakEquity decimal.Decimal
	Drawdown   decimal.Decimal
	UsedMargin decimal.Decimal
	DailyLoss  decimal.Decimal
	Exposure   map[trading.MarketID]Exposure
	Cooldowns  []Cooldown
	Halted     bool
	At         time.Time
}

// Engine owns positions, equity and cooldowns. Locks are taken per market
// first, then the account lock.
type Engine struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
	slots   map[trading.MarketID]*slot
	flatten chan struct{}

	idxMu sync.Mutex
	index map[string]trading.MarketID

	mu         sync.Mutex
	balance    decimal.Decimal
	equity     decimal.Decimal
	peak       decimal.Decimal
	drawdown   decimal.Decimal
	day        string
	dayPnL     decimal.Decimal
	losses     int
	synced     bool
	drawdownCD Cooldown
	accountCD  Cooldown
	marketCD   map[trading.MarketID]Cooldown
	unrealized map[trading.MarketID]decimal.Decimal
	margin     map[trading.MarketID]decimal.Decimal
	exposure   map[trading.MarketID]Exposure
}

type slot struct {
	mu      sync.Mutex
	market  trading.Market
	pos     Position
	mark    decimal.Decimal
	pending map[string]reservation
	fills   map[string]*orderFill
	losses  int
}

type reservation struct {
	side       trading.Side
	size       decimal.Decimal
	price      decimal.Decimal
	reduceOnly bool
}

type orderFill struct {
	applied decimal.Decimal
	loss    bool
}

func New(markets *trading.Markets, opts Options, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxConsecutiveLosses <= 0 {
		opts.MaxConsecutiveLosses = 1
	}
	if opts.Scope == "" {
		opts.Scope = ScopeMarket
	}
	e := &Engine{
		log:        log,
		metrics:    metrics.OrNoop(m),
		opts:       opts,
		now:        opts.Now,
		slots:      make(map[trading.MarketID]*slot),
		flatten:    make(chan struct{}, 1),
		index:      make(map[string]trading.MarketID),
		marketCD:   make(map[trading.MarketID]Cooldown),
		unrealized: make(map[trading.MarketID]decimal.Decimal),
		margin:     make(map[trading.MarketID]decimal.Decimal),
		exposure:   make(map[trading.MarketID]Exposure),
	}
	for _, mk := range markets.List() {
		e.slots[mk.ID] = &slot{
			market:  mk,
			pos:     Position{Market: mk.ID},
			pending: make(map[string]reservation),
			fills:   make(map[string]*orderFill),
		}
	}
	return e
}

// FlattenRequests is signalled when a drawdown breach asks for flatten-all.
func (e *Engine) FlattenRequests() <-chan struct{} {
	return e.flatten
}

func (e *Engine) slotFor(id trading.MarketID) (*slot, error) {
	s, ok := e.slots[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrUnknownMarket)
	}
	return s, nil
}

// CheckAndSize gates intent and clips it to the available headroom. It does
// not change any state.
func (e *Engine) CheckAndSize(intent trading.Intent) (SizedIntent, error) {
	if err := intent.Validate(); err != nil {
		return SizedIntent{}, err
	}
	s, err := e.slotFor(intent.Market)
	if err != nil {
		return SizedIntent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gateLocked(s.market, e.now()); err != nil {
		return SizedIntent{}, err
	}
	return e.sizeLocked(s, intent)
}

func (e *Engine) gateLocked(m trading.Market, now time.Time) error {
	if e.drawdownCD.activeAt(now) {
		return reject(MaxDrawdown, "drawdown halt for %s", e.drawdownCD.Remaining(now).Round(time.Second))
	}
	if e.opts.MaxDailyLoss.IsPositive() && e.day == dayKey(now) && e.dayPnL.Neg().GreaterThanOrEqual(e.opts.MaxDailyLoss) {
		return reject(MaxDrawdown, "daily loss %s reached limit %s", e.dayPnL.Neg(), e.opts.MaxDailyLoss)
	}
	if e.accountCD.activeAt(now) {
		return reject(CooldownActive, "account cooldown for %s", e.accountCD.Remaining(now).Round(time.Second))
	}
	if cd, ok := e.marketCD[m.ID]; ok && cd.activeAt(now) {
		return reject(CooldownActive, "%s cooldown for %s", m.Symbol, cd.Remaining(now).Round(time.Second))
	}
	return nil
}

// Reserve re-validates sized against current headroom and books it as
// working exposure for orderID.
func (e *Engine) Reserve(sized SizedIntent, orderID string) error {
	if !sized.valid {
		return ErrInvalidSizedOrder
	}
	s, err := e.slotFor(sized.market.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := s.pending[orderID]; dup {
		return ErrAlreadyReserved
	}
	if !sized.flatten {
		if err := e.gateLocked(s.market, e.now()); err != nil {
			return err
		}
	}
	again, err := e.sizeLocked(s, sized.intent)
	if err != nil {
		return err
	}
	if again.Size().LessThan(sized.Size()) {
		reason, _ := again.Clipped()
		if reason == "" {
			reason = MaxPosition
		}
		return reject(reason, "%s: headroom shrank to %s", s.market.Symbol, again.Size())
	}
	s.pending[orderID] = reservation{
		side:       sized.intent.Side,
		size:       sized.Size(),
		price:      sized.price,
		reduceOnly: sized.intent.ReduceOnly,
	}
	e.idxMu.Lock()
	e.index[orderID] = s.market.ID
	e.idxMu.Unlock()
	e.refreshLocked(s, e.now())
	return nil
}

// Reinstate puts back the reservation of an order that is working on the
// exchange again after being given up on. It skips the gate and sizing.
func (e *Engine) Reinstate(orderID string, market trading.MarketID, side trading.Side, size, price decimal.Decimal, reduceOnly bool) error {
	if !size.IsPositive() {
		return nil
	}
	s, err := e.slotFor(market)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[orderID] = reservation{side: side, size: size, price: price, reduceOnly: reduceOnly}
	e.idxMu.Lock()
	e.index[orderID] = market
	e.idxMu.Unlock()
	e.mu.Lock()
	e.refreshLocked(s, e.now())
	e.mu.Unlock()
	return nil
}

func (e *Engine) Release(orderID string) {
	s := e.slotForOrder(orderID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[orderID]; !ok {
		return
	}
	delete(s.pending, orderID)
	e.mu.Lock()
	e.refreshLocked(s, e.now())
	e.mu.Unlock()
}

func (e *Engine) Forget(orderID string) {
	s := e.slotForOrder(orderID)
	if s == nil {
		return
	}
	e.Release(orderID)
	s.mu.Lock()
	delete(s.fills, orderID)
	s.mu.Unlock()
	e.idxMu.Lock()
	delete(e.index, orderID)
	e.idxMu.Unlock()
}

func (e *Engine) slotForOrder(orderID string) *slot {
	e.idxMu.Lock()
	id, ok := e.index[orderID]
	e.idxMu.Unlock()
	if !ok {
		return nil
	}
	return e.slots[id]
}

// OnFill applies the part of fill.Cumulative not yet applied for orderID and
// returns that increment. Replays and smaller cumulative values are no-ops.
func (e *Engine) OnFill(orderID string, fill Fill) (decimal.Decimal, error) {
	s, err := e.slotFor(fill.Market)
	if err != nil {
		return decimal.Zero, err
	}
	if !fill.Side.Valid() {
		return decimal.Zero, fmt.Errorf("fill for %s: invalid side %q", orderID, fill.Side)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	of, ok := s.fills[orderID]
	if !ok {
		of = &orderFill{}
		s.fills[orderID] = of
		e.idxMu.Lock()
		e.index[orderID] = fill.Market
		e.idxMu.Unlock()
	}
	delta := fill.Cumulative.Sub(of.applied)
	if !delta.IsPositive() {
		return decimal.Zero, nil
	}
	of.applied = fill.Cumulative
	if r, ok := s.pending[orderID]; ok {
		r.size = decimal.Max(r.size.Sub(delta), decimal.Zero)
		s.pending[orderID] = r
	}
	realized := s.pos.apply(delta.Mul(fill.Side.Sign()), fill.Price)
	pnl := realized.Sub(fill.Fee)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.rollDayLocked(now)
	e.balance = e.balance.Add(pnl)
	e.dayPnL = e.dayPnL.Add(pnl)
	switch {
	case realized.IsNegative() && !of.loss:
		of.loss = true
		e.registerLossLocked(s, now)
	case realized.IsPositive():
		s.losses = 0
		e.losses = 0
	}
	e.refreshLocked(s, now)
	return delta, nil
}

func (e *Engine) registerLossLocked(s *slot, now time.Time) {
	if e.opts.LossCooldown <= 0 {
		return
	}
	cd := Cooldown{Scope: e.opts.Scope, Reason: CooldownActive, Started: now, Until: now.Add(e.opts.LossCooldown)}
	if e.opts.Scope == ScopeAccount {
		e.losses++
		if e.losses < e.opts.MaxConsecutiveLosses {
			return
		}
		e.losses = 0
		e.accountCD = cd
	} else {
		s.losses++
		if s.losses < e.opts.MaxConsecutiveLosses {
			return
		}
		s.losses = 0
		cd.Market = s.market.ID
		e.marketCD[s.market.ID] = cd
	}
	e.log.Info("loss cooldown started",
		zap.String("scope", string(cd.Scope)),
		zap.String("market", s.market.Symbol),
		zap.Duration("duration", e.opts.LossCooldown),
	)
}

func (e *Engine) UpdateMark(market trading.MarketID, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s, err := e.slotFor(market)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = price
	s.pos.Mark = price
	s.pos.revalue()
	e.mu.Lock()
	e.refreshLocked(s, e.now())
	e.mu.Unlock()
}

// SyncAccount replaces equity with the exchange's figure. Balance is derived
// so that balance plus unrealized PnL matches it.
func (e *Engine) SyncAccount(equity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	unrealized := decimal.Zero
	for _, u := range e.unrealized {
		unrealized = unrealized.Add(u)
	}
	e.balance = equity.Sub(unrealized)
	e.synced = true
	e.recomputeEquityLocked(e.now())
}

// SyncPosition overwrites the local position with the authoritative one and
// reports whether the sizes differed. Entry price drift alone is not a
// divergence.
func (e *Engine) SyncPosition(market trading.MarketID, size, entry decimal.Decimal) (Position, bool, error) {
	s, err := e.slotFor(market)
	if err != nil {
		return Position{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.pos
	diverged := !before.Size.Equal(size)
	s.pos.Size = size
	if entry.IsPositive() {
		s.pos.EntryPrice = entry
	}
	if size.IsZero() {
		s.pos.EntryPrice = decimal.Zero
	}
	s.pos.revalue()
	e.mu.Lock()
	e.refreshLocked(s, e.now())
	e.mu.Unlock()
	return before, diverged, nil
}

// FlattenIntent sizes a reduce-only order closing the whole position. It is
// the only path that ignores cooldowns and drawdown halts. A zero price
// means a market order.
func (e *Engine) FlattenIntent(market trading.MarketID, price decimal.Decimal) (SizedIntent, error) {
	s, err := e.slotFor(market)
	if err != nil {
		return SizedIntent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos.IsFlat() {
		return SizedIntent{}, ErrNothingToFlatten
	}
	ref := price
	if !ref.IsPositive() {
		ref = s.referencePrice()
	}
	intent := trading.Intent{
		Market:     market,
		Side:       trading.SideFor(s.pos.Size).Opposite(),
		Price:      price,
		Size:       s.pos.Size.Abs(),
		Reason:     "flatten",
		ReduceOnly: true,
		Strategy:   "risk",
	}
	return SizedIntent{
		intent:    intent,
		market:    s.market,
		requested: intent.Size,
		price:     ref,
		flatten:   true,
		valid:     true,
	}, nil
}

func (e *Engine) Position(market trading.MarketID) (Position, error) {
	s, err := e.slotFor(market)
	if err != nil {
		return Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

func (e *Engine) Positions() []Position {
	ids := make([]trading.MarketID, 0, len(e.slots))
	for id := range e.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		s := e.slots[id]
		s.mu.Lock()
		pos := s.pos
		s.mu.Unlock()
		if !pos.IsFlat() {
			out = append(out, pos)
		}
	}
	return out
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	st := State{
		Equity:     e.equity,
		Balance:    e.balance,
		PeakEquity: e.peak,
		Drawdown:   e.drawdown,
		UsedMargin: e.usedMarginLocked(),
		Exposure:   make(map[trading.MarketID]Exposure, len(e.exposure)),
		At:         now,
	}
	if e.day == dayKey(now) && e.dayPnL.IsNegative() {
		st.DailyLoss = e.dayPnL.Neg()
	}
	for id, exp := range e.exposure {
		st.Exposure[id] = exp
	}
	st.Cooldowns = e.activeCooldownsLocked(now)
	st.Halted = e.drawdownCD.activeAt(now) ||
		(e.opts.MaxDailyLoss.IsPositive() && st.DailyLoss.GreaterThanOrEqual(e.opts.MaxDailyLoss))
	return st
}

func (e *Engine) activeCooldownsLocked(now time.Time) []Cooldown {
	var out []Cooldown
	for _, cd := range []Cooldown{e.drawdownCD, e.accountCD} {
		if cd.activeAt(now) {
			out = append(out, cd)
		}
	}
	for _, cd := range e.marketCD {
		if cd.activeAt(now) {
			out = append(out, cd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out
}

func (e *Engine) refreshLocked(s *slot, now time.Time) {
	id := s.market.ID
	price := s.referencePrice()
	pending := decimal.Zero
	pendingMargin := decimal.Zero
	for _, r := range s.pending {
		if r.reduceOnly {
			continue
		}
		pending = pending.Add(r.size)
		pendingMargin = pendingMargin.Add(r.size.Mul(r.price))
	}
	notional := s.pos.Size.Abs().Mul(price)
	e.exposure[id] = Exposure{Size: s.pos.Size, Notional: notional, Pending: pending}
	e.unrealized[id] = s.pos.UnrealizedPnL
	e.margin[id] = notional.Add(pendingMargin).Div(s.leverage(e.opts.MaxLeverage))
	e.recomputeEquityLocked(now)
}

func (e *Engine) recomputeEquityLocked(now time.Time) {
	equity := e.balance
	for _, u := range e.unrealized {
		equity = equity.Add(u)
	}
	e.equity = equity
	if equity.GreaterThan(e.peak) {
		e.peak = equity
	}
	e.drawdown = decimal.Zero
	if e.peak.IsPositive() {
		e.drawdown = decimal.Max(e.peak.Sub(equity).Div(e.peak), decimal.Zero)
	}
	e.metrics.Equity.Set(equity.InexactFloat64())
	e.metrics.Drawdown.Set(e.drawdown.InexactFloat64())
	e.checkDrawdownLocked(now)
}

// checkDrawdownLocked only runs once equity has been synced from the
// exchange.
func (e *Engine) checkDrawdownLocked(now time.Time) {
	if !e.synced || !e.opts.MaxDrawdown.IsPositive() || !e.drawdown.GreaterThan(e.opts.MaxDrawdown) {
		return
	}
	if e.drawdownCD.activeAt(now) {
		return
	}
	e.log.Warn("drawdown breach",
		zap.String("equity", e.equity.String()),
		zap.String("peak", e.peak.String()),
		zap.String("drawdown", e.drawdown.StringFixed(4)),
		zap.Duration("cooldown", e.opts.DrawdownCooldown),
		zap.Bool("flatten", e.opts.FlattenOnDrawdown),
	)
	if e.opts.DrawdownCooldown > 0 {
		e.drawdownCD = Cooldown{
			Scope:   ScopeAccount,
			Reason:  MaxDrawdown,
			Started: now,
			Until:   now.Add(e.opts.DrawdownCooldown),
		}
	}
	// Re-arm relative to the post-breach equity.
	e.peak = e.equity
	e.drawdown = decimal.Zero
	if e.opts.FlattenOnDrawdown {
		select {
		case e.flatten <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) usedMarginLocked() decimal.Decimal {
	total := decimal.Zero
	for _, m := range e.margin {
		total = total.Add(m)
	}
	return total
}

func (e *Engine) rollDayLocked(now time.Time) {
	if key := dayKey(now); key != e.day {
		e.day = key
		e.dayPnL = decimal.Zero
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *slot) referencePrice() decimal.Decimal {
	if s.mark.IsPositive() {
		return s.mark
	}
	return s.pos.EntryPrice
}

func (s *slot) leverage(maxLeverage decimal.Decimal) decimal.Decimal {
	lev := s.market.LeverageCap
	if maxLeverage.IsPositive() && maxLeverage.LessThan(lev) {
		lev = maxLeverage
	}
	return lev
}

func (s *slot) pendingSize(side trading.Side, reduceOnly bool) decimal.Decimal {
	total := decimal.Zero
	for _, r := range s.pending {
		if r.side == side && r.reduceOnly == reduceOnly {
			total = total.Add(r.size)
		}
	}
	return total
}
