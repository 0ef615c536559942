package hyperliquid

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

const (
	maxTrackedOrders = 4096
	maxSeenFills     = 16384
)

type orderEntry struct {
	oid        int64
	cloid      string
	cumulative decimal.Decimal
}

// ledger maps exchange order ids to client ids and accumulates filled size
// per order so fills can be reported as cumulative totals. It is bounded;
// the least recently touched order is evicted first.
type ledger struct {
	mu        sync.Mutex
	orders    map[int64]*list.Element
	lru       *list.List
	seen      map[string]struct{}
	seenOrder []string
}

func newLedger() *ledger {
	return &ledger{
		orders: make(map[int64]*list.Element),
		lru:    list.New(),
		seen:   make(map[string]struct{}),
	}
}

func (l *ledger) touchLocked(oid int64) *orderEntry {
	if elem, ok := l.orders[oid]; ok {
		l.lru.MoveToBack(elem)
		return elem.Value.(*orderEntry)
	}
	entry := &orderEntry{oid: oid}
	l.orders[oid] = l.lru.PushBack(entry)
	for len(l.orders) > maxTrackedOrders {
		front := l.lru.Front()
		old := front.Value.(*orderEntry)
		l.lru.Remove(front)
		delete(l.orders, old.oid)
	}
	return entry
}

func (l *ledger) remember(oid int64, cloid string) {
	if oid == 0 || cloid == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.touchLocked(oid)
	entry.cloid = cloid
}

func (l *ledger) cloid(oid int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.orders[oid]; ok {
		return elem.Value.(*orderEntry).cloid
	}
	return ""
}

// apply records one fill and returns the order's cumulative filled size and
// client id. Replayed fills return ok=false.
func (l *ledger) apply(f wsFill) (cumulative decimal.Decimal, cloid string, ok bool) {
	size, err := decimal.NewFromString(f.Sz)
	if err != nil || f.Oid == 0 || !size.IsPositive() {
		return decimal.Zero, "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := f.key()
	if _, dup := l.seen[key]; dup {
		return decimal.Zero, "", false
	}
	l.seen[key] = struct{}{}
	l.seenOrder = append(l.seenOrder, key)
	if len(l.seenOrder) > maxSeenFills {
		evict := l.seenOrder[:len(l.seenOrder)-maxSeenFills]
		for _, k := range evict {
			delete(l.seen, k)
		}
		l.seenOrder = append([]string(nil), l.seenOrder[len(l.seenOrder)-maxSeenFills:]...)
	}
	entry := l.touchLocked(f.Oid)
	if entry.cloid == "" && f.Cloid != "" {
		entry.cloid = f.Cloid
	}
	entry.cumulative = entry.cumulative.Add(size)
	return entry.cumulative, entry.cloid, true
}

func (f wsFill) key() string {
	if f.Tid != 0 {
		return fmt.Sprintf("%d:%d", f.Oid, f.Tid)
	}
	if f.Hash != "" {
		return fmt.Sprintf("%d:%s:%s", f.Oid, f.Hash, f.Sz)
	}
	return fmt.Sprintf("%d:%d:%s:%s", f.Oid, f.Time, f.Sz, f.Px)
}
