// Package timescale journals order transitions and risk snapshots to a
// Postgres/TimescaleDB database. Writes are queued and dropped when the
// queue is full; the trading path never waits on the database.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-perp-desk/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OrderEvent is one order state transition. Decimal values are carried as
// strings and stored as NUMERIC.
type OrderEvent struct {
	Time       time.Time
	ClientID   string
	ExchangeID string
	Market     int
	Symbol     string
	Strategy   string
	Side       string
	FromState  string
	State      string
	Price      string
	Size       string
	Filled     string
	AvgPrice   string
	Reason     string
}

type RiskSnapshot struct {
	Time        time.Time
	Equity      string
	PeakEquity  string
	Drawdown    string
	DayPnL      string
	NotionalUSD string
	Cooldowns   int
	OpenOrders  int
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	orders    chan OrderEvent
	snapshots chan RiskSnapshot
	started   atomic.Bool
	dropOrder atomic.Uint64
	dropRisk  atomic.Uint64
}

// New returns nil when the journal is disabled.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		orders:    make(chan OrderEvent, queueSize),
		snapshots: make(chan RiskSnapshot, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		<-ctx.Done()
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.orders:
			w.writeOrderEvent(ctx, ev)
		case snap := <-w.snapshots:
			w.writeRiskSnapshot(ctx, snap)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueOrderEvent(ev OrderEvent) {
	if w == nil {
		return
	}
	select {
	case w.orders <- ev:
	default:
		if w.dropOrder.Add(1) == 1 {
			w.log.Warn("timescale order event queue full")
		}
	}
}

func (w *Writer) EnqueueRiskSnapshot(snap RiskSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
	default:
		if w.dropRisk.Add(1) == 1 {
			w.log.Warn("timescale risk snapshot queue full")
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cloid TEXT NOT NULL,
		oid TEXT NOT NULL DEFAULT '',
		market INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		price NUMERIC NOT NULL,
		size NUMERIC NOT NULL,
		filled NUMERIC NOT NULL,
		avg_price NUMERIC NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	)`, w.table("order_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		equity NUMERIC NOT NULL,
		peak_equity NUMERIC NOT NULL,
		drawdown NUMERIC NOT NULL,
		day_pnl NUMERIC NOT NULL,
		notional_usd NUMERIC NOT NULL,
		cooldowns INTEGER NOT NULL,
		open_orders INTEGER NOT NULL
	)`, w.table("risk_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"order_events", "risk_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeOrderEvent(ctx context.Context, ev OrderEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cloid, oid, market, symbol, strategy, side, from_state, state,
		price, size, filled, avg_price, reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`, w.table("order_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.ClientID,
		ev.ExchangeID,
		ev.Market,
		ev.Symbol,
		ev.Strategy,
		ev.Side,
		ev.FromState,
		ev.State,
		numeric(ev.Price),
		numeric(ev.Size),
		numeric(ev.Filled),
		numeric(ev.AvgPrice),
		ev.Reason,
	); err != nil {
		w.log.Warn("timescale order event insert failed", zap.Error(err))
	}
}

func (w *Writer) writeRiskSnapshot(ctx context.Context, snap RiskSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, equity, peak_equity, drawdown, day_pnl, notional_usd, cooldowns, open_orders
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)`, w.table("risk_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		numeric(snap.Equity),
		numeric(snap.PeakEquity),
		numeric(snap.Drawdown),
		numeric(snap.DayPnL),
		numeric(snap.NotionalUSD),
		snap.Cooldowns,
		snap.OpenOrders,
	); err != nil {
		w.log.Warn("timescale risk snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

func numeric(v string) string {
	if strings.TrimSpace(v) == "" {
		return "0"
	}
	return v
}
