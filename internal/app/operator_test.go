package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"hl-perp-desk/internal/alerts"
	"hl-perp-desk/internal/config"
	"hl-perp-desk/internal/scheduler"
	"hl-perp-desk/internal/state"
)

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/Pause@deskbot mm-eth 10m")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "pause" {
		t.Fatalf("expected pause, got %s", cmd)
	}
	if len(args) != 2 || args[0] != "mm-eth" || args[1] != "10m" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("status"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestParsePauseArgs(t *testing.T) {
	name, d, err := parsePauseArgs([]string{"15m", "scalper-sol"})
	if err != nil || name != "scalper-sol" || d != 15*time.Minute {
		t.Fatalf("unexpected parse %q %s %v", name, d, err)
	}
	name, d, err = parsePauseArgs(nil)
	if err != nil || name != "" || d != 0 {
		t.Fatalf("unexpected empty parse %q %s %v", name, d, err)
	}
	if _, _, err := parsePauseArgs([]string{"a", "b"}); err == nil {
		t.Fatalf("expected error for two names")
	}
}

func auditEntries(t *testing.T, store *state.MemoryStore, at time.Time, commands ...string) []state.AuditEntry {
	t.Helper()
	var out []state.AuditEntry
	for _, cmd := range commands {
		key := state.AuditKey(state.AuditEntry{Source: operatorSource, Command: cmd, AtMS: at.UnixMilli()})
		raw, ok, err := store.Get(context.Background(), key)
		if err != nil || !ok {
			t.Fatalf("missing audit entry %s: %v", key, err)
		}
		var entry state.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			t.Fatalf("decode audit: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	a, store := newTestApp(t, &fakeGateway{})
	now := time.UnixMilli(1700000000000)
	a.now = func() time.Time { return now }
	meta := operatorMeta{UserID: 1, Username: "ops", ChatID: 2, Raw: "/pause mm-eth"}

	resp, err := a.handleOperatorCommand(context.Background(), "pause", []string{"mm-eth"}, meta)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if resp != "paused mm-eth" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if st := a.sched.Status(); len(st) != 1 || !st[0].Paused {
		t.Fatalf("expected paused strategy, got %+v", st)
	}

	meta.Raw = "/resume"
	resp, err = a.handleOperatorCommand(context.Background(), "resume", nil, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "resumed all strategies" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if st := a.sched.Status(); st[0].Paused {
		t.Fatalf("expected strategy resumed")
	}

	entries := auditEntries(t, store, now, "pause mm-eth", "resume")
	for _, e := range entries {
		if e.Actor != "ops" || e.Result != "ok" {
			t.Fatalf("unexpected audit entry %+v", e)
		}
	}
}

func TestOperatorPauseUnknownStrategy(t *testing.T) {
	a, _ := newTestApp(t, &fakeGateway{})
	_, err := a.handleOperatorCommand(context.Background(), "pause", []string{"nope"}, operatorMeta{UserID: 1})
	if !errors.Is(err, scheduler.ErrUnknownInstance) {
		t.Fatalf("expected unknown instance, got %v", err)
	}
}

func TestOperatorFlattenPausesStrategies(t *testing.T) {
	a, store := newTestApp(t, &fakeGateway{})
	now := time.UnixMilli(1700000000000)
	a.now = func() time.Time { return now }
	a.risk.SyncAccount(d("100"))
	if _, _, err := a.risk.SyncPosition(1, d("0.05"), d("2000")); err != nil {
		t.Fatalf("sync position: %v", err)
	}
	a.risk.UpdateMark(1, d("2000"))

	resp, err := a.handleOperatorCommand(context.Background(), "flatten", nil, operatorMeta{UserID: 7})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if !strings.Contains(resp, "flatten sent 1 orders") {
		t.Fatalf("unexpected response %q", resp)
	}
	if st := a.sched.Status(); !st[0].Paused {
		t.Fatalf("expected strategies paused after flatten")
	}
	entries := auditEntries(t, store, now, "flatten")
	if entries[0].Actor != "7" || entries[0].Result != "sent 1 orders" {
		t.Fatalf("unexpected audit %+v", entries[0])
	}
}

func TestOperatorUpdateFiltersChatAndUser(t *testing.T) {
	a, _ := newTestApp(t, &fakeGateway{})
	a.alerts = alerts.NewTelegram(config.TelegramConfig{}, nil)
	allowed := map[int64]struct{}{5: {}}
	update := func(chat, user int64) alerts.Update {
		return alerts.Update{UpdateID: 1, Message: &alerts.Message{
			From: &alerts.User{ID: user},
			Chat: &alerts.Chat{ID: chat},
			Text: "/pause",
		}}
	}

	a.handleOperatorUpdate(context.Background(), update(99, 5), 42, allowed)
	a.handleOperatorUpdate(context.Background(), update(42, 6), 42, allowed)
	if st := a.sched.Status(); st[0].Paused {
		t.Fatalf("expected foreign chat and user to be ignored")
	}
	a.handleOperatorUpdate(context.Background(), update(42, 5), 42, allowed)
	if st := a.sched.Status(); !st[0].Paused {
		t.Fatalf("expected allowed user to pause")
	}
}

func TestOperatorOffsetPersistence(t *testing.T) {
	a, _ := newTestApp(t, &fakeGateway{})
	if got := a.loadOperatorOffset(context.Background()); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	a.saveOperatorOffset(context.Background(), 41)
	if got := a.loadOperatorOffset(context.Background()); got != 41 {
		t.Fatalf("expected 41, got %d", got)
	}
}

func TestOperatorHelpForUnknownCommand(t *testing.T) {
	a, _ := newTestApp(t, &fakeGateway{})
	resp, err := a.handleOperatorCommand(context.Background(), "risk", nil, operatorMeta{})
	if err != nil || !strings.HasPrefix(resp, "commands:") {
		t.Fatalf("expected help text, got %q %v", resp, err)
	}
}
