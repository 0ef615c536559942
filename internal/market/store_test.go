package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hl-perp-desk/internal/gateway"
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

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func lvl(price, size string) trading.Level {
	return trading.Level{Price: d(price), Size: d(size)}
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	markets, err := trading.NewMarkets([]trading.Market{{
		ID: 1, Symbol: "ETH", TickSize: d("0.1"), MinSize: d("0.001"), LeverageCap: d("3"), MaxPosition: d("1"),
	}})
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	return NewStore(markets, Options{MaxAge: 10 * time.Second, Depth: 5, Now: clock.Now}, nil, nil), clock
}

func snapshotEvent(seq uint64, bid, ask string) gateway.BookEvent {
	return gateway.BookEvent{
		Market:   1,
		Bids:     []trading.Level{lvl(bid, "1")},
		Asks:     []trading.Level{lvl(ask, "1")},
		Seq:      seq,
		Snapshot: true,
	}
}

func TestReadBeforeFirstSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Read(1); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	if _, err := store.Read(9); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestSnapshotThenDeltas(t *testing.T) {
	store, _ := newTestStore(t)
	if !store.Update(1, snapshotEvent(10, "100", "101")) {
		t.Fatalf("expected snapshot accepted")
	}
	delta := gateway.BookEvent{
		Market:  1,
		Bids:    []trading.Level{lvl("100.5", "2"), lvl("100", "0")},
		Seq:     11,
		PrevSeq: 10,
	}
	if !store.Update(1, delta) {
		t.Fatalf("expected delta accepted")
	}
	snap, err := store.Read(1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Seq != 11 {
		t.Fatalf("expected seq 11, got %d", snap.Seq)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(d("100.5")) {
		t.Fatalf("unexpected bids: %+v", snap.Bids)
	}
	if !snap.Mid().Equal(d("100.75")) {
		t.Fatalf("unexpected mid %s", snap.Mid())
	}
}

func TestOutOfOrderUpdateDiscarded(t *testing.T) {
	store, _ := newTestStore(t)
	store.Update(1, snapshotEvent(10, "100", "101"))
	if store.Update(1, snapshotEvent(10, "90", "91")) {
		t.Fatalf("expected equal seq to be dropped")
	}
	if store.Update(1, snapshotEvent(7, "90", "91")) {
		t.Fatalf("expected older seq to be dropped")
	}
	snap, err := store.Read(1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Seq != 10 || !snap.Bids[0].Price.Equal(d("100")) {
		t.Fatalf("snapshot regressed: seq=%d bids=%+v", snap.Seq, snap.Bids)
	}
}

func TestGapMarksStaleAndResyncRecovers(t *testing.T) {
	store, _ := newTestStore(t)
	store.Update(1, snapshotEvent(10, "100", "101"))

	gap := gateway.BookEvent{Market: 1, Bids: []trading.Level{lvl("100.2", "1")}, Seq: 13, PrevSeq: 12}
	if store.Update(1, gap) {
		t.Fatalf("expected gapped delta rejected")
	}
	snap, err := store.Read(1)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if !snap.Stale || snap.Seq != 10 {
		t.Fatalf("expected last good snapshot tagged stale, got %+v", snap)
	}
	// Deltas are ignored while waiting for the resync.
	if store.Update(1, gateway.BookEvent{Market: 1, Seq: 14, PrevSeq: 13}) {
		t.Fatalf("expected delta ignored while stale")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetched := make(chan struct{}, 1)
	go store.RunResync(ctx, func(context.Context, trading.MarketID) (gateway.BookEvent, error) {
		defer func() { fetched <- struct{}{} }()
		return snapshotEvent(20, "102", "103"), nil
	}, 10*time.Millisecond)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatalf("resync not requested")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err = store.Read(1)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store did not recover: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snap.Seq != 20 || snap.Stale {
		t.Fatalf("unexpected recovered snapshot %+v", snap)
	}
}

func TestResyncRetriesFailedFetch(t *testing.T) {
	store, _ := newTestStore(t)
	store.MarkStale(1, "disconnect")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	calls := 0
	go store.RunResync(ctx, func(context.Context, trading.MarketID) (gateway.BookEvent, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return gateway.BookEvent{}, errors.New("boom")
		}
		return snapshotEvent(5, "10", "11"), nil
	}, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Read(1); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store did not recover")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", calls)
	}
}

func TestCrossedBookMarksStale(t *testing.T) {
	store, _ := newTestStore(t)
	store.Update(1, snapshotEvent(1, "100", "101"))
	crossed := gateway.BookEvent{Market: 1, Bids: []trading.Level{lvl("102", "1")}, Seq: 2, PrevSeq: 1}
	if store.Update(1, crossed) {
		t.Fatalf("expected crossed delta rejected")
	}
	if _, err := store.Read(1); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestReadReportsAgeStaleness(t *testing.T) {
	store, clock := newTestStore(t)
	store.Update(1, snapshotEvent(1, "100", "101"))
	clock.Advance(11 * time.Second)
	snap, err := store.Read(1)
	if !errors.Is(err, ErrStale) || !snap.Stale {
		t.Fatalf("expected age staleness, got %v", err)
	}
	store.Update(1, snapshotEvent(2, "100", "101"))
	if _, err := store.Read(1); err != nil {
		t.Fatalf("expected fresh snapshot, got %v", err)
	}
}

func TestMarkUpdateKeepsBook(t *testing.T) {
	store, _ := newTestStore(t)
	store.Update(1, snapshotEvent(3, "100", "102"))
	if !store.Update(1, gateway.MarkEvent{Market: 1, Price: d("100.9")}) {
		t.Fatalf("expected mark accepted")
	}
	snap, err := store.Read(1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !snap.Mark.Equal(d("100.9")) || snap.Seq != 3 || !snap.Reference().Equal(d("100.9")) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	store.Update(1, snapshotEvent(4, "100", "102"))
	snap, _ = store.Read(1)
	if !snap.Mark.Equal(d("100.9")) {
		t.Fatalf("mark lost on book update")
	}
}

func TestChangesCoalesce(t *testing.T) {
	store, _ := newTestStore(t)
	ch, err := store.Changes(1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	store.Update(1, snapshotEvent(1, "100", "101"))
	store.Update(1, snapshotEvent(2, "100", "101"))
	select {
	case <-ch:
	default:
		t.Fatalf("expected notification")
	}
	select {
	case <-ch:
		t.Fatalf("expected notifications to coalesce")
	default:
	}
}

func TestSnapshotImbalanceAndSpread(t *testing.T) {
	snap := Snapshot{
		Bids: []trading.Level{lvl("99", "3"), lvl("98", "4")},
		Asks: []trading.Level{lvl("101", "1"), lvl("102", "2")},
	}
	if got := snap.Imbalance(5); !got.Equal(d("0.4")) {
		t.Fatalf("expected imbalance 0.4, got %s", got)
	}
	if got := snap.SpreadBps(); !got.Equal(d("200")) {
		t.Fatalf("expected 200 bps spread, got %s", got)
	}
}
