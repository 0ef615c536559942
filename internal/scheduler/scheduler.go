// Package scheduler runs strategy instances on their cadence and routes
// their intents through risk sizing into the order manager.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/market"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/order"
	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/strategy"
	"hl-perp-desk/internal/trading"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownInstance = errors.New("unknown strategy instance")

// Fault is a panic or error raised by a strategy's Decide.
type Fault struct {
	Strategy string
	Err      error
	Panic    any
	Stack    []byte
}

func (f *Fault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("strategy %s panicked: %v", f.Strategy, f.Panic)
	}
	return fmt.Sprintf("strategy %s: %v", f.Strategy, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

type Snapshots interface {
	Read(market trading.MarketID) (market.Snapshot, error)
	Changes(market trading.MarketID) (<-chan struct{}, error)
}

type Risk interface {
	CheckAndSize(intent trading.Intent) (risk.SizedIntent, error)
	Position(market trading.MarketID) (risk.Position, error)
	State() risk.State
}

type Orders interface {
	Submit(ctx context.Context, sized risk.SizedIntent) (order.Handle, error)
	CancelAll(ctx context.Context, filter order.Filter) (int, error)
}

// Instance binds one strategy to a market and a cadence.
type Instance struct {
	Strategy    strategy.Strategy
	Market      trading.MarketID
	Cadence     string
	Interval    time.Duration
	MinInterval time.Duration
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func InstanceFromConfig(cfg config.StrategyConfig, markets *trading.Markets, now func() time.Time) (Instance, error) {
	mk, ok := markets.Get(trading.MarketID(cfg.Market))
	if !ok {
		return Instance{}, fmt.Errorf("strategy %s: unknown market %d", cfg.Name, cfg.Market)
	}
	s, err := strategy.New(cfg, mk, now)
	if err != nil {
		return Instance{}, err
	}
	return Instance{
		Strategy:    s,
		Market:      mk.ID,
		Cadence:     cfg.Cadence,
		Interval:    cfg.Interval,
		MinInterval: cfg.MinInterval,
		Backoff:     cfg.Backoff,
		MaxBackoff:  cfg.MaxBackoff,
	}, nil
}

// InstanceStatus is a copy of one instance's counters.
type InstanceStatus struct {
	Name         string
	Market       trading.MarketID
	Cadence      string
	Decisions    uint64
	Intents      uint64
	Submitted    uint64
	Rejections   uint64
	Faults       uint64
	Skipped      uint64
	LastError    string
	LastRun      time.Time
	Paused       bool
	PausedUntil  time.Time
	BackoffUntil time.Time
}

type instance struct {
	Instance
	name string

	// mu guards the fields below. Decide itself runs outside it; the
	// per-instance goroutine is the only caller.
	mu           sync.Mutex
	status       InstanceStatus
	paused       bool
	pausedUntil  time.Time
	backoff      time.Duration
	backoffUntil time.Time
}

type Scheduler struct {
	snapshots Snapshots
	risk      Risk
	orders    Orders
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	instances []*instance
	byName    map[string]*instance
}

func New(snapshots Snapshots, r Risk, orders Orders, instances []Instance, log *zap.Logger, m *metrics.Metrics, now func() time.Time) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		snapshots: snapshots,
		risk:      r,
		orders:    orders,
		log:       log,
		metrics:   metrics.OrNoop(m),
		now:       now,
		byName:    make(map[string]*instance, len(instances)),
	}
	for _, in := range instances {
		if in.Strategy == nil {
			return nil, errors.New("scheduler: instance without strategy")
		}
		name := in.Strategy.Name()
		if _, dup := s.byName[name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate instance %s", name)
		}
		if in.Interval <= 0 {
			in.Interval = 5 * time.Second
		}
		if in.Backoff <= 0 {
			in.Backoff = time.Second
		}
		if in.MaxBackoff < in.Backoff {
			in.MaxBackoff = in.Backoff
		}
		inst := &instance{Instance: in, name: name}
		inst.status = InstanceStatus{Name: name, Market: in.Market, Cadence: in.Cadence}
		s.instances = append(s.instances, inst)
		s.byName[name] = inst
	}
	return s, nil
}

// Run blocks until ctx is done, running every instance on its own
// goroutine. A fault in one instance never stops the others.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range s.instances {
		inst := inst
		g.Go(func() error {
			return s.loop(ctx, inst)
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, inst *instance) error {
	s.log.Info("strategy started",
		zap.String("strategy", inst.name),
		zap.Int("market", int(inst.Market)),
		zap.String("cadence", inst.Cadence),
	)
	if inst.Cadence == config.CadenceOnChange {
		return s.loopOnChange(ctx, inst)
	}
	ticker := time.NewTicker(inst.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.step(ctx, inst)
		}
	}
}

func (s *Scheduler) loopOnChange(ctx context.Context, inst *instance) error {
	changes, err := s.snapshots.Changes(inst.Market)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", inst.name, err)
	}
	// The interval still fires so a quiet book gets re-evaluated.
	ticker := time.NewTicker(inst.Interval)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-ticker.C:
		}
		if wait := inst.MinInterval - time.Since(last); !last.IsZero() && wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		last = time.Now()
		s.step(ctx, inst)
	}
}

func (s *Scheduler) step(ctx context.Context, inst *instance) error {
	now := s.now()
	inst.mu.Lock()
	if inst.paused && (inst.pausedUntil.IsZero() || now.Before(inst.pausedUntil)) {
		inst.status.Skipped++
		inst.mu.Unlock()
		return nil
	}
	inst.paused = false
	inst.pausedUntil = time.Time{}
	if now.Before(inst.backoffUntil) {
		inst.status.Skipped++
		inst.mu.Unlock()
		return nil
	}
	inst.status.LastRun = now
	inst.mu.Unlock()

	snap, err := s.snapshots.Read(inst.Market)
	if err != nil {
		inst.mu.Lock()
		inst.status.Skipped++
		inst.mu.Unlock()
		s.log.Debug("strategy skipped", zap.String("strategy", inst.name), zap.Error(err))
		return nil
	}
	pos, err := s.risk.Position(inst.Market)
	if err != nil {
		return s.fault(inst, now, &Fault{Strategy: inst.name, Err: err})
	}

	intent, err := s.decide(inst, snap, pos, s.risk.State())
	if err != nil {
		return s.fault(inst, now, err)
	}
	inst.mu.Lock()
	inst.status.Decisions++
	inst.backoff = 0
	if intent != nil {
		inst.status.Intents++
	}
	inst.mu.Unlock()
	if intent == nil {
		return nil
	}
	s.route(ctx, inst, *intent)
	return nil
}

func (s *Scheduler) decide(inst *instance, snap market.Snapshot, pos risk.Position, st risk.State) (intent *trading.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intent = nil
			err = &Fault{Strategy: inst.name, Panic: r, Stack: debug.Stack()}
		}
	}()
	intent, err = inst.Strategy.Decide(snap, pos, st)
	if err != nil {
		return nil, &Fault{Strategy: inst.name, Err: err}
	}
	return intent, nil
}

func (s *Scheduler) fault(inst *instance, now time.Time, err error) error {
	inst.mu.Lock()
	if inst.backoff == 0 {
		inst.backoff = inst.Backoff
	} else {
		inst.backoff *= 2
		if inst.backoff > inst.MaxBackoff {
			inst.backoff = inst.MaxBackoff
		}
	}
	inst.backoffUntil = now.Add(inst.backoff)
	inst.status.Faults++
	inst.status.LastError = err.Error()
	backoff := inst.backoff
	inst.mu.Unlock()

	s.metrics.StrategyFaults.With(inst.name).Inc()
	fields := []zap.Field{zap.String("strategy", inst.name), zap.Duration("backoff", backoff), zap.Error(err)}
	var f *Fault
	if errors.As(err, &f) && f.Stack != nil {
		fields = append(fields, zap.ByteString("stack", f.Stack))
	}
	s.log.Warn("strategy fault", fields...)
	return err
}

func (s *Scheduler) route(ctx context.Context, inst *instance, intent trading.Intent) {
	intent.Market = inst.Market
	intent.Strategy = inst.name
	if intent.ReplaceOpen {
		filter := order.Filter{Strategy: inst.name, Market: order.ForMarket(inst.Market), Side: intent.Side}
		if n, err := s.orders.CancelAll(ctx, filter); err != nil {
			s.log.Warn("replace cancel failed", zap.String("strategy", inst.name), zap.Error(err))
		} else if n > 0 {
			s.log.Debug("replaced open orders", zap.String("strategy", inst.name), zap.Int("canceled", n))
		}
	}

	sized, err := s.risk.CheckAndSize(intent)
	if err == nil {
		var h order.Handle
		h, err = s.orders.Submit(ctx, sized)
		if err == nil {
			inst.mu.Lock()
			inst.status.Submitted++
			inst.mu.Unlock()
			_, clipped := sized.Clipped()
			s.log.Info("intent submitted",
				zap.String("strategy", inst.name),
				zap.String("cloid", h.ClientID),
				zap.String("side", string(intent.Side)),
				zap.String("size", sized.Size().String()),
				zap.String("price", intent.Price.String()),
				zap.Bool("clipped", clipped),
				zap.String("reason", intent.Reason),
			)
		}
	}
	if err != nil {
		s.recordRejection(inst, intent, err)
	}
	if obs, ok := inst.Strategy.(strategy.OutcomeObserver); ok {
		obs.OnOutcome(intent, err)
	}
}

func (s *Scheduler) recordRejection(inst *instance, intent trading.Intent, err error) {
	reason, rejected := risk.ReasonOf(err)
	inst.mu.Lock()
	inst.status.LastError = err.Error()
	if rejected {
		inst.status.Rejections++
	}
	inst.mu.Unlock()
	if rejected {
		s.metrics.RiskRejections.With(string(reason)).Inc()
		s.log.Info("intent rejected",
			zap.String("strategy", inst.name),
			zap.String("reason", string(reason)),
			zap.String("side", string(intent.Side)),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("intent not submitted", zap.String("strategy", inst.name), zap.Error(err))
}

// Pause stops name (or every instance when name is empty) from deciding for
// d, or until Resume when d is zero.
func (s *Scheduler) Pause(name string, d time.Duration) error {
	targets, err := s.targets(name)
	if err != nil {
		return err
	}
	var until time.Time
	if d > 0 {
		until = s.now().Add(d)
	}
	for _, inst := range targets {
		inst.mu.Lock()
		inst.paused = true
		inst.pausedUntil = until
		inst.mu.Unlock()
	}
	s.log.Info("strategies paused", zap.String("target", nameOrAll(name)), zap.Duration("duration", d))
	return nil
}

func (s *Scheduler) Resume(name string) error {
	targets, err := s.targets(name)
	if err != nil {
		return err
	}
	for _, inst := range targets {
		inst.mu.Lock()
		inst.paused = false
		inst.pausedUntil = time.Time{}
		inst.backoff = 0
		inst.backoffUntil = time.Time{}
		inst.mu.Unlock()
	}
	s.log.Info("strategies resumed", zap.String("target", nameOrAll(name)))
	return nil
}

func (s *Scheduler) targets(name string) ([]*instance, error) {
	if name == "" {
		return s.instances, nil
	}
	inst, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownInstance)
	}
	return []*instance{inst}, nil
}

func (s *Scheduler) Status() []InstanceStatus {
	now := s.now()
	out := make([]InstanceStatus, 0, len(s.instances))
	for _, inst := range s.instances {
		inst.mu.Lock()
		st := inst.status
		st.Paused = inst.paused && (inst.pausedUntil.IsZero() || now.Before(inst.pausedUntil))
		if st.Paused {
			st.PausedUntil = inst.pausedUntil
		}
		if now.Before(inst.backoffUntil) {
			st.BackoffUntil = inst.backoffUntil
		}
		inst.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func nameOrAll(name string) string {
	if name == "" {
		return "all"
	}
	return name
}
