package order

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"hl-perp-desk/internal/gateway"
	"hl-perp-desk/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Divergence is a difference between local and exchange state. The exchange
// view always wins.
type Divergence struct {
	Kind          string
	Market        trading.MarketID
	ClientID      string
	Local         string
	Authoritative string
}

func (d Divergence) Error() string {
	if d.ClientID != "" {
		return fmt.Sprintf("%s divergence on %s: local=%s exchange=%s", d.Kind, d.ClientID, d.Local, d.Authoritative)
	}
	return fmt.Sprintf("%s divergence on market %d: local=%s exchange=%s", d.Kind, d.Market, d.Local, d.Authoritative)
}

type ReconcileReport struct {
	Divergences     []Divergence
	Resolved        int
	ForeignCanceled int
}

// Reconcile converges local orders and positions onto acct. Only orders
// submitted before acct.FetchedAt are judged against it.
func (m *Manager) Reconcile(ctx context.Context, acct gateway.AccountState) (ReconcileReport, error) {
	var report ReconcileReport
	open := make(map[string]gateway.OpenOrder, len(acct.OpenOrders))
	for _, o := range acct.OpenOrders {
		if o.ClientID != "" {
			open[o.ClientID] = o
		}
	}

	// Position change not yet explained by known fills, consumed as orders
	// are resolved.
	unexplained := make(map[trading.MarketID]decimal.Decimal)
	for _, pos := range m.risk.Positions() {
		unexplained[pos.Market] = pos.Size.Neg()
	}
	for id, pos := range acct.Positions {
		unexplained[id] = unexplained[id].Add(pos.Size)
	}

	var foreign, expired []gateway.CancelRequest
	m.mu.Lock()
	// Markets with stream fills newer than the account view keep their local
	// position until the next pass.
	skipSync := make(map[trading.MarketID]bool)
	for id, at := range m.lastFill {
		if at.After(acct.FetchedAt) {
			skipSync[id] = true
		}
	}
	candidates := m.reconcileCandidatesLocked(acct)
	// Present orders first so their fills are netted out of the position delta.
	for _, rec := range candidates {
		o, ok := open[rec.ClientID]
		if !ok {
			continue
		}
		before := rec.Filled
		if rec.ExchangeID == "" && o.ExchangeID != "" {
			rec.ExchangeID = o.ExchangeID
			m.byExchange[o.ExchangeID] = rec.ClientID
		}
		if rec.State == StateSubmitted || (rec.State == StateExpired && !rec.cancelConfirmed) {
			m.transitionLocked(rec, EventAck)
		}
		if filled := o.Filled(); filled.GreaterThan(rec.Filled) {
			report.Divergences = append(report.Divergences, Divergence{
				Kind: "fill", Market: rec.Market, ClientID: rec.ClientID,
				Local: rec.Filled.String(), Authoritative: filled.String(),
			})
			m.applyFillLocked(rec, filled, rec.Price, decimal.Zero, acct.FetchedAt)
		}
		unexplained[rec.Market] = unexplained[rec.Market].Sub(rec.Filled.Sub(before).Mul(rec.Side.Sign()))
	}
	for _, rec := range candidates {
		if _, ok := open[rec.ClientID]; ok {
			continue
		}
		from := rec.State
		explained := decimal.Min(unexplained[rec.Market].Mul(rec.Side.Sign()), rec.Remaining())
		if explained.IsPositive() {
			unexplained[rec.Market] = unexplained[rec.Market].Sub(explained.Mul(rec.Side.Sign()))
			m.applyFillLocked(rec, rec.Filled.Add(explained), rec.Price, decimal.Zero, acct.FetchedAt)
		}
		switch {
		case !rec.Remaining().IsPositive():
		case rec.State == StateSubmitted:
			// Never acked and not resting: expire it and make sure it cannot
			// rest later.
			m.transitionLocked(rec, EventTimeout)
			expired = append(expired, rec.cancelRequest())
		case rec.State != StateExpired:
			m.transitionLocked(rec, EventCancel)
		}
		rec.reconciled = true
		if rec.State != from {
			report.Resolved++
			report.Divergences = append(report.Divergences, Divergence{
				Kind: "order", Market: rec.Market, ClientID: rec.ClientID,
				Local: string(from), Authoritative: string(rec.State),
			})
		}
	}
	for _, o := range acct.OpenOrders {
		rec, known := m.lookupEventLocked(o.ClientID, o.ExchangeID)
		if known && !rec.State.Terminal() {
			continue
		}
		if known && rec.State == StateExpired && !rec.cancelConfirmed {
			continue
		}
		report.Divergences = append(report.Divergences, Divergence{
			Kind: "foreign_order", Market: o.Market, ClientID: o.ClientID,
			Local: "absent", Authoritative: "open " + o.Remaining.String(),
		})
		if mk, ok := m.table.Get(o.Market); ok {
			foreign = append(foreign, gateway.CancelRequest{Market: mk, ClientID: o.ClientID, ExchangeID: o.ExchangeID})
		}
	}
	var settled []string
	for key, at := range m.foreign {
		if at.Before(acct.FetchedAt) {
			settled = append(settled, key)
			delete(m.foreign, key)
		}
	}
	m.mu.Unlock()

	// The account view already includes these fills.
	for _, key := range settled {
		m.risk.Forget(key)
	}

	var errs []error
	for _, req := range expired {
		err := m.gw.CancelOrder(ctx, req)
		if err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
			m.log.Info("expiry cancel not confirmed", zap.String("cloid", req.ClientID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		if rec, ok := m.lookupLocked(req.ClientID); ok {
			rec.cancelConfirmed = true
		}
		m.mu.Unlock()
	}
	if m.opts.CancelForeign {
		for _, req := range foreign {
			if err := m.gw.CancelOrder(ctx, req); err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
				errs = append(errs, fmt.Errorf("cancel foreign order %s: %w", req.ExchangeID, err))
				continue
			}
			report.ForeignCanceled++
		}
	}

	for _, mk := range m.table.List() {
		if skipSync[mk.ID] {
			continue
		}
		auth := acct.Positions[mk.ID]
		before, diverged, err := m.risk.SyncPosition(mk.ID, auth.Size, auth.EntryPrice)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if diverged {
			report.Divergences = append(report.Divergences, Divergence{
				Kind: "position", Market: mk.ID,
				Local: before.Size.String(), Authoritative: auth.Size.String(),
			})
		}
	}
	if acct.Equity.IsPositive() {
		m.risk.SyncAccount(acct.Equity)
	}

	for _, d := range report.Divergences {
		m.metrics.Divergences.Inc()
		m.log.Warn("reconcile divergence",
			zap.String("kind", d.Kind),
			zap.Int("market", int(d.Market)),
			zap.String("cloid", d.ClientID),
			zap.String("local", d.Local),
			zap.String("exchange", d.Authoritative),
		)
	}
	return report, errors.Join(errs...)
}

// reconcileCandidatesLocked returns live orders plus unresolved expired ones
// that were submitted before the account view was taken.
func (m *Manager) reconcileCandidatesLocked(acct gateway.AccountState) []*record {
	var out []*record
	eligible := func(rec *record) bool {
		return !rec.SubmittedAt.IsZero() && rec.SubmittedAt.Before(acct.FetchedAt)
	}
	for _, rec := range m.active {
		if rec.State != StatePending && eligible(rec) {
			out = append(out, rec)
		}
	}
	for el := m.archive.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*record)
		if rec.State == StateExpired && !rec.reconciled && eligible(rec) {
			out = append(out, rec)
		}
	}
	// Oldest first: an unexplained position change is credited to the
	// earliest orders.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}
