package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/metrics"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrStale         = errors.New("market data stale")
	ErrNoSnapshot    = errors.New("no snapshot yet")
	ErrUnknownMarket = errors.New("unknown market")
)

type Options struct {
	MaxAge time.Duration
	Depth  int
	Now    func() time.Time
}

// Store holds the latest snapshot per market. Update is the only writer;
// Read never blocks it.
type Store struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	maxAge  time.Duration
	depth   int
	now     func() time.Time
	feeds   map[trading.MarketID]*feed
	names   map[trading.MarketID]string
	resync  chan trading.MarketID
}

type feed struct {
	current atomic.Pointer[Snapshot]
	stale   atomic.Bool

	mu            sync.Mutex
	book          *book
	lastSeq       uint64
	hasBook       bool
	mark          decimal.Decimal
	resyncPending bool
	subs          []chan struct{}
}

func NewStore(markets *trading.Markets, opts Options, log *zap.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Depth <= 0 {
		opts.Depth = 5
	}
	s := &Store{
		log:     log,
		metrics: metrics.OrNoop(m),
		maxAge:  opts.MaxAge,
		depth:   opts.Depth,
		now:     opts.Now,
		feeds:   make(map[trading.MarketID]*feed),
		names:   make(map[trading.MarketID]string),
	}
	for _, mk := range markets.List() {
		f := &feed{book: newBook()}
		f.stale.Store(true)
		s.feeds[mk.ID] = f
		s.names[mk.ID] = mk.Symbol
	}
	s.resync = make(chan trading.MarketID, len(s.feeds))
	return s
}

// Update ingests one stream event for market and reports whether it changed
// the stored snapshot.
func (s *Store) Update(market trading.MarketID, ev gateway.Event) bool {
	f, ok := s.feeds[market]
	if !ok {
		return false
	}
	switch e := ev.(type) {
	case gateway.BookEvent:
		return s.applyBook(market, f, e)
	case gateway.MarkEvent:
		return s.applyMark(market, f, e)
	default:
		return false
	}
}

func (s *Store) applyBook(market trading.MarketID, f *feed, ev gateway.BookEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasBook && ev.Seq <= f.lastSeq {
		s.log.Debug("dropping out-of-order book update",
			zap.String("market", s.names[market]),
			zap.Uint64("seq", ev.Seq),
			zap.Uint64("last_seq", f.lastSeq),
		)
		return false
	}
	if ev.Snapshot {
		f.book.reset(ev.Bids, ev.Asks)
	} else {
		if f.stale.Load() && f.resyncPending {
			return false
		}
		if !f.hasBook || (ev.PrevSeq != 0 && ev.PrevSeq != f.lastSeq) {
			s.markStaleLocked(market, f, "sequence gap")
			return false
		}
		f.book.merge(ev.Bids, ev.Asks)
	}
	if f.book.crossed() {
		s.markStaleLocked(market, f, "crossed book")
		return false
	}
	f.lastSeq = ev.Seq
	f.hasBook = true
	f.resyncPending = false
	bids, asks := f.book.levels(s.depth)
	s.publishLocked(f, &Snapshot{
		Market:   market,
		Bids:     bids,
		Asks:     asks,
		Mark:     f.mark,
		Time:     ev.Time,
		Received: s.now(),
		Seq:      ev.Seq,
	})
	if f.stale.CompareAndSwap(true, false) {
		s.log.Info("market data live", zap.String("market", s.names[market]), zap.Uint64("seq", ev.Seq))
	}
	return true
}

func (s *Store) applyMark(market trading.MarketID, f *feed, ev gateway.MarkEvent) bool {
	if !ev.Price.IsPositive() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark = ev.Price
	next := Snapshot{Market: market, Mark: ev.Price, Time: ev.Time}
	if cur := f.current.Load(); cur != nil {
		next = *cur
		next.Mark = ev.Price
	}
	if !f.hasBook {
		next.Received = s.now()
	}
	s.publishLocked(f, &next)
	return true
}

func (s *Store) publishLocked(f *feed, snap *Snapshot) {
	f.current.Store(snap)
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Read returns the latest snapshot. A stale snapshot is still returned,
// tagged Stale, together with ErrStale.
func (s *Store) Read(market trading.MarketID) (Snapshot, error) {
	f, ok := s.feeds[market]
	if !ok {
		return Snapshot{}, ErrUnknownMarket
	}
	cur := f.current.Load()
	if cur == nil {
		return Snapshot{Market: market, Stale: true}, ErrNoSnapshot
	}
	snap := *cur
	if f.stale.Load() || !snap.HasBook() || (s.maxAge > 0 && snap.Age(s.now()) > s.maxAge) {
		snap.Stale = true
		return snap, ErrStale
	}
	return snap, nil
}

// Changes returns a channel signalled (coalescing) on every accepted update.
func (s *Store) Changes(market trading.MarketID) (<-chan struct{}, error) {
	f, ok := s.feeds[market]
	if !ok {
		return nil, ErrUnknownMarket
	}
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, nil
}

func (s *Store) MarkStale(market trading.MarketID, reason string) {
	f, ok := s.feeds[market]
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s.markStaleLocked(market, f, reason)
}

func (s *Store) MarkAllStale(reason string) {
	for id := range s.feeds {
		s.MarkStale(id, reason)
	}
}

func (s *Store) markStaleLocked(market trading.MarketID, f *feed, reason string) {
	if f.stale.CompareAndSwap(false, true) {
		s.metrics.StaleMarkets.With(s.names[market]).Inc()
		s.log.Warn("market data stale", zap.String("market", s.names[market]), zap.String("reason", reason))
	}
	if f.resyncPending {
		return
	}
	f.resyncPending = true
	select {
	case s.resync <- market:
	default:
	}
}

func (s *Store) StaleMarkets() []trading.MarketID {
	var out []trading.MarketID
	for id, f := range s.feeds {
		if f.stale.Load() {
			out = append(out, id)
		}
	}
	return out
}

// Resyncs delivers markets waiting for a full book. RunResync consumes it.
func (s *Store) Resyncs() <-chan trading.MarketID {
	return s.resync
}

// FetchFunc refetches a full book for one market.
type FetchFunc func(ctx context.Context, market trading.MarketID) (gateway.BookEvent, error)

// RunResync serves resynchronization requests until ctx ends. Failed
// fetches are retried after backoff.
func (s *Store) RunResync(ctx context.Context, fetch FetchFunc, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case market := <-s.resync:
			s.resyncOne(ctx, market, fetch, backoff)
		}
	}
}

func (s *Store) resyncOne(ctx context.Context, market trading.MarketID, fetch FetchFunc, backoff time.Duration) {
	for {
		ev, err := fetch(ctx, market)
		if err == nil {
			ev.Snapshot = true
			ev.Market = market
			s.metrics.Resyncs.Inc()
			if !s.Update(market, ev) {
				s.clearPending(market)
			}
			return
		}
		s.log.Warn("book resync failed", zap.String("market", s.names[market]), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// clearPending lets the next gap re-queue a resync when a fetched book was
// itself rejected.
func (s *Store) clearPending(market trading.MarketID) {
	f := s.feeds[market]
	f.mu.Lock()
	f.resyncPending = false
	f.mu.Unlock()
}
