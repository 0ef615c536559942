package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hl-perp-desk/internal/risk"
	"hl-perp-desk/internal/trading"

	"go.uber.org/zap"
)

// FlattenAll cancels every open order, then sends reduce-only IOC orders
// closing each position at mark ± the configured slippage.
func (m *Manager) FlattenAll(ctx context.Context) ([]Handle, error) {
	var errs []error
	if _, err := m.CancelAll(ctx, Filter{}); err != nil {
		errs = append(errs, err)
	}
	var handles []Handle
	for _, pos := range m.risk.Positions() {
		mk, ok := m.table.Get(pos.Market)
		if !ok {
			continue
		}
		ref := pos.Mark
		if !ref.IsPositive() {
			ref = pos.EntryPrice
		}
		price := m.aggressivePrice(mk, trading.SideFor(pos.Size).Opposite(), ref)
		sized, err := m.risk.FlattenIntent(pos.Market, price)
		if errors.Is(err, risk.ErrNothingToFlatten) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		h, err := m.Submit(ctx, sized)
		if err != nil {
			errs = append(errs, fmt.Errorf("flatten %s: %w", mk.Symbol, err))
			continue
		}
		m.log.Warn("flatten order sent",
			zap.String("market", mk.Symbol),
			zap.String("size", sized.Size().String()),
			zap.String("price", price.String()),
			zap.String("cloid", h.ClientID),
		)
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

// Drain stops new submissions, cancels everything still open and waits for
// the open set to empty or ctx to end.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	_, cancelErr := m.CancelAll(ctx, Filter{})
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		open := m.Open(Filter{})
		if len(open) == 0 {
			return cancelErr
		}
		select {
		case <-ctx.Done():
			return errors.Join(cancelErr, fmt.Errorf("drain: %d orders still open: %w", len(open), ctx.Err()))
		case <-ticker.C:
			// SUBMITTED orders resolve through acks or the sweeper; retry the
			// rest.
			for _, o := range open {
				if o.State != StateSubmitted {
					_ = m.Cancel(ctx, o.ClientID)
				}
			}
		}
	}
}
