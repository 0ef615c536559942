package state

import (
	"context"
	"encoding/json"
	"strings"
)

const RiskSnapshotKey = "risk:last_snapshot"

type CooldownRecord struct {
	Scope     string `json:"scope"`
	Market    int    `json:"market"`
	Reason    string `json:"reason"`
	StartedMS int64  `json:"started_ms"`
	UntilMS   int64  `json:"until_ms"`
}

// RiskSnapshot is the part of the risk state that must survive a restart.
// Decimal values are stored as strings.
type RiskSnapshot struct {
	PeakEquity  string           `json:"peak_equity"`
	Day         string           `json:"day"`
	DayPnL      string           `json:"day_pnl"`
	Cooldowns   []CooldownRecord `json:"cooldowns,omitempty"`
	UpdatedAtMS int64            `json:"updated_at_ms"`
}

func LoadRiskSnapshot(ctx context.Context, store Store) (RiskSnapshot, bool, error) {
	if store == nil {
		return RiskSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RiskSnapshotKey)
	if err != nil {
		return RiskSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RiskSnapshot{}, false, nil
	}
	var snapshot RiskSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return RiskSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveRiskSnapshot(ctx context.Context, store Store, snapshot RiskSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, RiskSnapshotKey, string(payload))
}
