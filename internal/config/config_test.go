package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Markets: []MarketConfig{
			{ID: 0, Symbol: "eth", TickSize: 0.1, MinSize: 0.001, LeverageCap: 3, MaxPosition: 0.5},
			{ID: 3, Symbol: "BTC", TickSize: 1, MinSize: 0.001, LotSize: 0.0001, LeverageCap: 3, MaxPosition: 0.02},
		},
		Strategies: []StrategyConfig{
			{Kind: "market_maker", Market: 3},
		},
	}
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Markets[0].Symbol != "ETH" {
		t.Fatalf("expected upper-cased symbol, got %q", cfg.Markets[0].Symbol)
	}
	if cfg.Markets[0].LotSize != cfg.Markets[0].MinSize {
		t.Fatalf("expected lot size to default to min size, got %v", cfg.Markets[0].LotSize)
	}
	if cfg.Markets[1].LotSize != 0.0001 {
		t.Fatalf("expected explicit lot size kept, got %v", cfg.Markets[1].LotSize)
	}
	if cfg.Orders.AckTimeout != 5*time.Second {
		t.Fatalf("expected ack timeout default, got %v", cfg.Orders.AckTimeout)
	}
	if cfg.Risk.CooldownScope != CooldownScopeMarket {
		t.Fatalf("expected market cooldown scope default, got %q", cfg.Risk.CooldownScope)
	}
	if cfg.Gateway.Mode != GatewayLive {
		t.Fatalf("expected live gateway default, got %q", cfg.Gateway.Mode)
	}
	s := cfg.Strategies[0]
	if s.Name != "market_maker-3" {
		t.Fatalf("expected derived strategy name, got %q", s.Name)
	}
	if s.Cadence != CadenceInterval || s.Interval <= 0 || s.Backoff <= 0 {
		t.Fatalf("unexpected strategy defaults: %+v", s)
	}
	if !s.EnabledValue() {
		t.Fatalf("expected strategy enabled by default")
	}
	if !cfg.Orders.CancelForeignValue() {
		t.Fatalf("expected cancel_foreign default true")
	}
}

func TestHTTPDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Metrics.Enabled == nil || !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if !cfg.API.EnabledValue() || cfg.API.Address != "127.0.0.1:9001" {
		t.Fatalf("expected api default on 127.0.0.1:9001, got %+v", cfg.API)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestWSURLDerivedFromREST(t *testing.T) {
	cfg := &Config{REST: RESTConfig{BaseURL: "https://example.com"}}
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://example.com/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.WS.URL)
	}
}

func TestWSURLDerivedFromRESTHTTP(t *testing.T) {
	cfg := &Config{REST: RESTConfig{BaseURL: "http://example.com/"}}
	applyDefaults(cfg)
	if cfg.WS.URL != "ws://example.com/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.WS.URL)
	}
}

func TestWSURLRespectsExplicitValue(t *testing.T) {
	cfg := &Config{
		REST: RESTConfig{BaseURL: "https://example.com"},
		WS:   WSConfig{URL: "wss://override.example/ws"},
	}
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://override.example/ws" {
		t.Fatalf("expected explicit ws url, got %q", cfg.WS.URL)
	}
}

func TestValidateRejectsEmptyMarkets(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for empty market table")
	}
}

func TestValidateRejectsDuplicateMarket(t *testing.T) {
	cfg := validConfig()
	cfg.Markets[1].ID = 0
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for duplicate market id")
	}
}

func TestValidateRejectsMaxPositionBelowMinimum(t *testing.T) {
	cfg := validConfig()
	cfg.Markets[0].MaxPosition = 0.0001
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for max_position below min_size")
	}
}

func TestValidateRejectsUnknownStrategyMarket(t *testing.T) {
	cfg := validConfig()
	cfg.Strategies[0].Market = 42
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown strategy market")
	}
}

func TestValidateRejectsUnknownCooldownScope(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.CooldownScope = "global"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown cooldown scope")
	}
}

func TestValidateRejectsBadCadence(t *testing.T) {
	cfg := validConfig()
	cfg.Strategies[0].Cadence = "sometimes"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown cadence")
	}
}

func TestValidateRejectsTimescaleWithoutDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Timescale.Enabled = true
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for timescale without dsn")
	}
}

func TestLoadDecodesStrategyParams(t *testing.T) {
	unsetEnv(t, "HL_TELEGRAM_TOKEN")
	unsetEnv(t, "HL_TELEGRAM_CHAT_ID")
	unsetEnv(t, "HL_TIMESCALE_DSN")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
markets:
  - id: 3
    symbol: BTC
    tick_size: 1
    min_size: 0.001
    leverage_cap: 3
    max_position: 0.02
risk:
  cooldown_scope: account
  loss_cooldown: 90s
strategies:
  - name: mm-btc
    kind: market_maker
    market: 3
    cadence: on_change
    params:
      spread_bps: 4
      order_size_usd: 20
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Risk.CooldownScope != CooldownScopeAccount {
		t.Fatalf("expected account scope, got %q", cfg.Risk.CooldownScope)
	}
	if cfg.Risk.LossCooldown != 90*time.Second {
		t.Fatalf("expected 90s loss cooldown, got %v", cfg.Risk.LossCooldown)
	}
	var params struct {
		SpreadBps    float64 `yaml:"spread_bps"`
		OrderSizeUSD float64 `yaml:"order_size_usd"`
	}
	if err := cfg.Strategies[0].DecodeParams(&params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.SpreadBps != 4 || params.OrderSizeUSD != 20 {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HL_TELEGRAM_TOKEN", "token-from-env")
	t.Setenv("HL_TIMESCALE_DSN", "postgres://x")
	cfg := validConfig()
	cfg.Telegram.Token = "file-token"
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "token-from-env" {
		t.Fatalf("expected env token override, got %q", cfg.Telegram.Token)
	}
	if cfg.Timescale.DSN != "postgres://x" {
		t.Fatalf("expected env dsn override, got %q", cfg.Timescale.DSN)
	}
}
