package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hl-perp-desk/internal/alerts"
	"hl-perp-desk/internal/api"
	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/hl/exchange"
	"hl-perp-desk/internal/market"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/order"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/scheduler"
	"hl-perp-desk/internal/state"
	"hl-perp-desk/internal/state/sqlite"
	"hl-perp-desk/internal/timescale"
	"hl-perp-desk/internal/trading"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const finalReconcileTimeout = 5 * time.Second

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	gw       gateway.Gateway
	exchange *exchange.Client
	markets  *trading.Markets
	books    *market.Store
	risk     *risk.Engine
	orders   *order.Manager
	sched    *scheduler.Scheduler
	journal  *timescale.Writer
	alerts   *alerts.Telegram
	prom     *metrics.Prometheus
	metrics  *metrics.Metrics
	now      func() time.Time

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	markets, err := trading.MarketsFromConfig(cfg.Markets)
	if err != nil {
		return nil, err
	}
	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	gw, exch, err := buildGateway(cfg, markets, log, m)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	journal, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	a, err := assemble(cfg, log, gw, store, markets, m)
	if err != nil {
		_ = store.Close()
		_ = journal.Close()
		return nil, err
	}
	a.exchange = exch
	a.journal = journal
	a.prom = prom
	a.alerts = alerts.NewTelegram(cfg.Telegram, log)
	return a, nil
}

func assemble(cfg *config.Config, log *zap.Logger, gw gateway.Gateway, store state.Store, markets *trading.Markets, m *metrics.Metrics) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m = metrics.OrNoop(m)
	engine := risk.New(markets, risk.OptionsFromConfig(cfg.Risk), log, m)
	books := market.NewStore(markets, market.Options{
		MaxAge: cfg.MarketData.MaxAge,
		Depth:  cfg.MarketData.Depth,
	}, log, m)
	orders := order.NewManager(gw, engine, markets, store, order.OptionsFromConfig(cfg.Orders), log, m)

	var instances []scheduler.Instance
	for _, sc := range cfg.Strategies {
		if !sc.EnabledValue() {
			log.Info("strategy disabled", zap.String("strategy", sc.Name))
			continue
		}
		inst, err := scheduler.InstanceFromConfig(sc, markets, time.Now)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	sched, err := scheduler.New(books, engine, orders, instances, log, m, time.Now)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		gw:      gw,
		markets: markets,
		books:   books,
		risk:    engine,
		orders:  orders,
		sched:   sched,
		metrics: m,
		now:     time.Now,
	}
	orders.AddObserver(order.ObserverFunc(a.journalOrder))
	return a, nil
}

// Run starts the desk and blocks until ctx ends or a task fails. On the way
// out it stops strategies, drains open orders and reconciles once more.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.startup(ctx); err != nil {
		return err
	}

	coreCtx, stopCore := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCore()
	core, coreCtx := errgroup.WithContext(coreCtx)
	a.startCore(coreCtx, core)

	frontCtx, stopFront := context.WithCancel(ctx)
	defer stopFront()
	front, frontCtx := errgroup.WithContext(frontCtx)
	front.Go(func() error { return a.sched.Run(frontCtx) })
	front.Go(func() error { return a.monitorLoop(frontCtx) })
	front.Go(func() error { return a.snapshotLoop(frontCtx) })
	front.Go(func() error { return a.operatorLoop(frontCtx) })
	if a.cfg.API.EnabledValue() {
		srv := a.apiServer()
		front.Go(func() error { return srv.Run(frontCtx, a.cfg.API.Address) })
	}
	a.log.Info("desk running", zap.String("mode", a.cfg.Gateway.Mode), zap.Int("markets", len(a.markets.List())))

	frontDone := make(chan error, 1)
	go func() { frontDone <- front.Wait() }()
	var runErr error
	select {
	case runErr = <-frontDone:
	case <-coreCtx.Done():
		stopFront()
		runErr = <-frontDone
	}

	a.shutdown()
	stopCore()
	coreErr := core.Wait()
	return errors.Join(ignoreCanceled(runErr), ignoreCanceled(coreErr))
}

func (a *App) RunFlatten(ctx context.Context) error {
	defer a.close()
	if err := a.startup(ctx); err != nil {
		return err
	}
	coreCtx, stopCore := context.WithCancel(ctx)
	defer stopCore()
	core, coreCtx := errgroup.WithContext(coreCtx)
	a.startCore(coreCtx, core)

	handles, err := a.orders.FlattenAll(coreCtx)
	if err != nil {
		a.log.Error("flatten incomplete", zap.Error(err))
	}
	waitCtx, cancel := context.WithTimeout(coreCtx, a.cfg.Orders.ShutdownTimeout)
	for _, h := range handles {
		o, werr := h.Wait(waitCtx)
		if werr != nil {
			err = errors.Join(err, fmt.Errorf("flatten order %s: %w", h.ClientID, werr))
			continue
		}
		a.log.Info("flatten order done", zap.String("cloid", o.ClientID), zap.String("state", string(o.State)), zap.String("filled", o.Filled.String()))
	}
	cancel()
	a.shutdown()
	stopCore()
	return errors.Join(err, ignoreCanceled(core.Wait()))
}

func (a *App) startCore(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return a.orders.Run(ctx) })
	g.Go(func() error { return a.gw.Stream(ctx, a.markets.List(), a.onEvent) })
	g.Go(func() error { return a.books.RunResync(ctx, a.fetchBook, a.cfg.MarketData.ResyncBackoff) })
	g.Go(func() error { return a.reconcileLoop(ctx) })
	g.Go(func() error { return a.journal.Run(ctx) })
}

// startup validates the market table against the venue, restores persisted
// risk state and seeds positions from the account.
func (a *App) startup(ctx context.Context) error {
	if a.exchange != nil {
		if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if st, ok := a.exchange.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
		}
	}
	if err := a.validateMarkets(ctx); err != nil {
		return err
	}
	snap, ok, err := state.LoadRiskSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("risk snapshot load failed", zap.Error(err))
	} else if ok {
		if err := a.risk.Restore(snap); err != nil {
			a.log.Warn("risk snapshot restore failed", zap.Error(err))
		} else {
			a.log.Info("risk state restored", zap.String("peak_equity", snap.PeakEquity), zap.Int("cooldowns", len(snap.Cooldowns)))
		}
	}
	acct, err := a.gw.AccountState(ctx)
	if err != nil {
		return fmt.Errorf("initial account state: %w", err)
	}
	report, err := a.orders.Reconcile(ctx, acct)
	if err != nil {
		a.log.Warn("initial reconcile incomplete", zap.Error(err))
	}
	for _, mk := range a.markets.List() {
		if ev, err := a.gw.FetchBook(ctx, mk); err == nil {
			ev.Market = mk.ID
			a.books.Update(mk.ID, ev)
		} else {
			a.log.Warn("initial book fetch failed", zap.String("market", mk.Symbol), zap.Error(err))
		}
	}
	a.log.Info("account seeded",
		zap.String("equity", acct.Equity.String()),
		zap.Int("positions", len(acct.Positions)),
		zap.Int("open_orders", len(acct.OpenOrders)),
		zap.Int("foreign_canceled", report.ForeignCanceled),
	)
	return nil
}

// validateMarkets fails when a configured market id does not name the same
// symbol on the venue.
func (a *App) validateMarkets(ctx context.Context) error {
	metas, err := a.gw.Markets(ctx)
	if err != nil {
		return fmt.Errorf("load venue markets: %w", err)
	}
	byID := make(map[trading.MarketID]gateway.MarketMeta, len(metas))
	for _, meta := range metas {
		byID[meta.ID] = meta
	}
	for _, mk := range a.markets.List() {
		meta, ok := byID[mk.ID]
		if !ok {
			return fmt.Errorf("market %s: id %d not listed on venue", mk.Symbol, mk.ID)
		}
		if meta.Symbol != mk.Symbol {
			return fmt.Errorf("market id %d: configured %s but venue lists %s", mk.ID, mk.Symbol, meta.Symbol)
		}
		if meta.MaxLeverage.IsPositive() && mk.LeverageCap.GreaterThan(meta.MaxLeverage) {
			a.log.Warn("leverage cap above venue maximum",
				zap.String("market", mk.Symbol),
				zap.String("cap", mk.LeverageCap.String()),
				zap.String("venue_max", meta.MaxLeverage.String()),
			)
		}
	}
	return nil
}

// onEvent runs on the gateway's stream goroutine.
func (a *App) onEvent(ev gateway.Event) {
	switch e := ev.(type) {
	case gateway.BookEvent:
		a.books.Update(e.Market, e)
	case gateway.MarkEvent:
		a.books.Update(e.Market, e)
		a.risk.UpdateMark(e.Market, e.Price)
	case gateway.FillEvent, gateway.OrderUpdateEvent:
		a.orders.HandleEvent(ev)
	case gateway.ConnectionEvent:
		if e.Connected {
			a.log.Info("stream connected")
			return
		}
		a.log.Warn("stream disconnected", zap.Error(e.Err))
		a.books.MarkAllStale("stream disconnected")
	}
}

func (a *App) fetchBook(ctx context.Context, id trading.MarketID) (gateway.BookEvent, error) {
	mk, ok := a.markets.Get(id)
	if !ok {
		return gateway.BookEvent{}, fmt.Errorf("unknown market %d", id)
	}
	return a.gw.FetchBook(ctx, mk)
}

// shutdown runs with the core services still up so acks, fills and the
// expiry sweeper can settle the drain.
func (a *App) shutdown() {
	a.log.Info("draining orders")
	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Orders.ShutdownTimeout)
	if err := a.orders.Drain(drainCtx); err != nil {
		a.log.Warn("drain incomplete", zap.Error(err))
	}
	cancel()

	recCtx, cancel := context.WithTimeout(context.Background(), finalReconcileTimeout)
	defer cancel()
	if acct, err := a.gw.AccountState(recCtx); err != nil {
		a.log.Warn("final account fetch failed", zap.Error(err))
	} else if _, err := a.orders.Reconcile(recCtx, acct); err != nil {
		a.log.Warn("final reconcile incomplete", zap.Error(err))
	}
	a.persistRisk(recCtx)
}

func (a *App) close() {
	if err := a.journal.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}

func (a *App) apiServer() *api.Server {
	opts := api.Options{
		RequestsPerSecond: a.cfg.API.RequestsPerSecond,
		Burst:             a.cfg.API.Burst,
		MetricsPath:       a.cfg.Metrics.Path,
	}
	if a.prom != nil {
		opts.Metrics = a.prom.Handler()
	}
	return api.NewServer(a, a.store, opts, a.log)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
