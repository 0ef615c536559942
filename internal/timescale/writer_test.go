package timescale

import (
	"context"
	"testing"
	"time"

	"hl-perp-desk/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, nil)
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v %v", w, err)
	}
	// A nil writer accepts events and runs until cancelled.
	w.EnqueueOrderEvent(OrderEvent{ClientID: "x"})
	w.EnqueueRiskSnapshot(RiskSnapshot{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := &Writer{log: zap.NewNop(), orders: make(chan OrderEvent, 1), snapshots: make(chan RiskSnapshot, 1)}
	w.EnqueueOrderEvent(OrderEvent{ClientID: "a"})
	w.EnqueueOrderEvent(OrderEvent{ClientID: "b"})
	w.EnqueueRiskSnapshot(RiskSnapshot{})
	w.EnqueueRiskSnapshot(RiskSnapshot{})
	if got := w.dropOrder.Load(); got != 1 {
		t.Fatalf("expected 1 dropped order event, got %d", got)
	}
	if got := w.dropRisk.Load(); got != 1 {
		t.Fatalf("expected 1 dropped snapshot, got %d", got)
	}
	if ev := <-w.orders; ev.ClientID != "a" {
		t.Fatalf("expected first event kept, got %q", ev.ClientID)
	}
}

func TestNumericDefaultsEmpty(t *testing.T) {
	if numeric("") != "0" || numeric("1.5") != "1.5" {
		t.Fatalf("unexpected numeric conversion")
	}
}
