package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	REST       RESTConfig       `yaml:"rest"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Markets    []MarketConfig   `yaml:"markets"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Risk       RiskConfig       `yaml:"risk"`
	Orders     OrdersConfig     `yaml:"orders"`
	Strategies []StrategyConfig `yaml:"strategies"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Profiling  ProfilingConfig  `yaml:"profiling"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

const (
	GatewayLive  = "live"
	GatewayPaper = "paper"
)

type GatewayConfig struct {
	Mode             string        `yaml:"mode"`
	ActionsPerSecond float64       `yaml:"actions_per_second"`
	Burst            int           `yaml:"burst"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	PaperEquityUSD   float64       `yaml:"paper_equity_usd"`
}

// MarketConfig is one row of the market table. Sizes are in base units.
type MarketConfig struct {
	ID          int     `yaml:"id"`
	Symbol      string  `yaml:"symbol"`
	TickSize    float64 `yaml:"tick_size"`
	MinSize     float64 `yaml:"min_size"`
	LotSize     float64 `yaml:"lot_size"`
	LeverageCap float64 `yaml:"leverage_cap"`
	MaxPosition float64 `yaml:"max_position"`
}

type MarketDataConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	Depth         int           `yaml:"depth"`
	ResyncBackoff time.Duration `yaml:"resync_backoff"`
}

const (
	CooldownScopeMarket  = "market"
	CooldownScopeAccount = "account"
)

type RiskConfig struct {
	MaxDrawdownPct       float64       `yaml:"max_drawdown_pct"`
	DrawdownCooldown     time.Duration `yaml:"drawdown_cooldown"`
	FlattenOnDrawdown    bool          `yaml:"flatten_on_drawdown"`
	LossCooldown         time.Duration `yaml:"loss_cooldown"`
	CooldownScope        string        `yaml:"cooldown_scope"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	MaxDailyLossUSD      float64       `yaml:"max_daily_loss_usd"`
	MaxLeverage          float64       `yaml:"max_leverage"`
	PositionStopUSD      float64       `yaml:"position_stop_usd"`
	MonitorInterval      time.Duration `yaml:"monitor_interval"`
}

type OrdersConfig struct {
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	DispatchWorkers    int           `yaml:"dispatch_workers"`
	QueueSize          int           `yaml:"queue_size"`
	ArchiveSize        int           `yaml:"archive_size"`
	MaxOpen            int           `yaml:"max_open"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	FlattenSlippageBps float64       `yaml:"flatten_slippage_bps"`
	CancelForeign      *bool         `yaml:"cancel_foreign"`
}

func (o OrdersConfig) CancelForeignValue() bool {
	if o.CancelForeign == nil {
		return true
	}
	return *o.CancelForeign
}

const (
	CadenceInterval = "interval"
	CadenceOnChange = "on_change"
)

type StrategyConfig struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"`
	Market      int           `yaml:"market"`
	Enabled     *bool         `yaml:"enabled"`
	Cadence     string        `yaml:"cadence"`
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Params      yaml.Node     `yaml:"params"`
}

func (s StrategyConfig) EnabledValue() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// DecodeParams decodes the kind-specific params block into out.
// An absent block leaves out untouched.
func (s StrategyConfig) DecodeParams(out any) error {
	if s.Params.Kind == 0 {
		return nil
	}
	if err := s.Params.Decode(out); err != nil {
		return fmt.Errorf("strategy %s params: %w", s.Name, err)
	}
	return nil
}

// APIConfig controls the operator HTTP server. Metrics are served from the
// same listener.
type APIConfig struct {
	Enabled           *bool   `yaml:"enabled"`
	Address           string  `yaml:"address"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func (a APIConfig) EnabledValue() bool {
	if a.Enabled == nil {
		return true
	}
	return *a.Enabled
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DSN              string        `yaml:"dsn"`
	Schema           string        `yaml:"schema"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	QueueSize        int           `yaml:"queue_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = wsURLFromREST(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-perp-desk.db"
	}

	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = GatewayLive
	}
	if cfg.Gateway.ActionsPerSecond == 0 {
		cfg.Gateway.ActionsPerSecond = 2
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 4
	}
	if cfg.Gateway.RetryAttempts == 0 {
		cfg.Gateway.RetryAttempts = 5
	}
	if cfg.Gateway.RetryBackoff == 0 {
		cfg.Gateway.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Gateway.PaperEquityUSD == 0 {
		cfg.Gateway.PaperEquityUSD = 100
	}

	for i := range cfg.Markets {
		m := &cfg.Markets[i]
		m.Symbol = strings.ToUpper(strings.TrimSpace(m.Symbol))
		if m.LotSize == 0 {
			m.LotSize = m.MinSize
		}
	}

	if cfg.MarketData.MaxAge == 0 {
		cfg.MarketData.MaxAge = 15 * time.Second
	}
	if cfg.MarketData.Depth == 0 {
		cfg.MarketData.Depth = 5
	}
	if cfg.MarketData.ResyncBackoff == 0 {
		cfg.MarketData.ResyncBackoff = 2 * time.Second
	}

	if cfg.Risk.MaxDrawdownPct == 0 {
		cfg.Risk.MaxDrawdownPct = 10
	}
	if cfg.Risk.DrawdownCooldown == 0 {
		cfg.Risk.DrawdownCooldown = 30 * time.Minute
	}
	if cfg.Risk.LossCooldown == 0 {
		cfg.Risk.LossCooldown = 60 * time.Second
	}
	if cfg.Risk.CooldownScope == "" {
		cfg.Risk.CooldownScope = CooldownScopeMarket
	}
	if cfg.Risk.MaxConsecutiveLosses == 0 {
		cfg.Risk.MaxConsecutiveLosses = 1
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 3
	}
	if cfg.Risk.MonitorInterval == 0 {
		cfg.Risk.MonitorInterval = 5 * time.Second
	}

	if cfg.Orders.AckTimeout == 0 {
		cfg.Orders.AckTimeout = 5 * time.Second
	}
	if cfg.Orders.ReconcileInterval == 0 {
		cfg.Orders.ReconcileInterval = 15 * time.Second
	}
	if cfg.Orders.DispatchWorkers == 0 {
		cfg.Orders.DispatchWorkers = 4
	}
	if cfg.Orders.QueueSize == 0 {
		cfg.Orders.QueueSize = 64
	}
	if cfg.Orders.ArchiveSize == 0 {
		cfg.Orders.ArchiveSize = 1000
	}
	if cfg.Orders.ShutdownTimeout == 0 {
		cfg.Orders.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Orders.FlattenSlippageBps == 0 {
		cfg.Orders.FlattenSlippageBps = 50
	}

	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s-%d", s.Kind, s.Market)
		}
		if s.Cadence == "" {
			s.Cadence = CadenceInterval
		}
		if s.Interval == 0 {
			s.Interval = 5 * time.Second
		}
		if s.MinInterval == 0 {
			s.MinInterval = 250 * time.Millisecond
		}
		if s.Backoff == 0 {
			s.Backoff = 5 * time.Second
		}
		if s.MaxBackoff == 0 {
			s.MaxBackoff = 5 * time.Minute
		}
	}

	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.API.Enabled == nil {
		enabled := true
		cfg.API.Enabled = &enabled
	}
	if cfg.API.Address == "" {
		cfg.API.Address = "127.0.0.1:9001"
	}
	if cfg.API.RequestsPerSecond == 0 {
		cfg.API.RequestsPerSecond = 5
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 10
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Timescale.SnapshotInterval == 0 {
		cfg.Timescale.SnapshotInterval = 30 * time.Second
	}
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = "hl-perp-desk"
	}
}

func wsURLFromREST(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://") + "/ws"
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

func validate(cfg *Config) error {
	switch cfg.Gateway.Mode {
	case GatewayLive, GatewayPaper:
	default:
		return fmt.Errorf("gateway.mode must be %q or %q", GatewayLive, GatewayPaper)
	}
	if cfg.Gateway.ActionsPerSecond < 0 {
		return errors.New("gateway.actions_per_second must be >= 0")
	}
	if cfg.Gateway.RetryAttempts < 1 {
		return errors.New("gateway.retry_attempts must be > 0")
	}
	if err := validateMarkets(cfg.Markets); err != nil {
		return err
	}
	if err := validateRisk(cfg.Risk); err != nil {
		return err
	}
	if cfg.Orders.AckTimeout <= 0 {
		return errors.New("orders.ack_timeout must be > 0")
	}
	if cfg.Orders.ReconcileInterval <= 0 {
		return errors.New("orders.reconcile_interval must be > 0")
	}
	if cfg.Orders.DispatchWorkers <= 0 {
		return errors.New("orders.dispatch_workers must be > 0")
	}
	if cfg.Orders.MaxOpen < 0 {
		return errors.New("orders.max_open must be >= 0")
	}
	if cfg.MarketData.Depth <= 0 {
		return errors.New("market_data.depth must be > 0")
	}
	if err := validateStrategies(cfg.Strategies, cfg.Markets); err != nil {
		return err
	}
	if cfg.API.EnabledValue() && strings.TrimSpace(cfg.API.Address) == "" {
		return errors.New("api.address is required when the api is enabled")
	}
	if cfg.API.RequestsPerSecond < 0 {
		return errors.New("api.requests_per_second must be >= 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Profiling.Enabled && strings.TrimSpace(cfg.Profiling.ServerAddress) == "" {
		return errors.New("profiling.server_address is required when profiling is enabled")
	}
	return nil
}

func validateMarkets(markets []MarketConfig) error {
	if len(markets) == 0 {
		return errors.New("markets must not be empty")
	}
	ids := make(map[int]struct{}, len(markets))
	symbols := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		if m.ID < 0 {
			return fmt.Errorf("market %q: id must be >= 0", m.Symbol)
		}
		if m.Symbol == "" {
			return fmt.Errorf("market %d: symbol is required", m.ID)
		}
		if _, dup := ids[m.ID]; dup {
			return fmt.Errorf("market %d: duplicate id", m.ID)
		}
		if _, dup := symbols[m.Symbol]; dup {
			return fmt.Errorf("market %s: duplicate symbol", m.Symbol)
		}
		ids[m.ID] = struct{}{}
		symbols[m.Symbol] = struct{}{}
		if m.TickSize <= 0 {
			return fmt.Errorf("market %s: tick_size must be > 0", m.Symbol)
		}
		if m.MinSize <= 0 {
			return fmt.Errorf("market %s: min_size must be > 0", m.Symbol)
		}
		if m.LotSize <= 0 || m.LotSize > m.MinSize {
			return fmt.Errorf("market %s: lot_size must be > 0 and <= min_size", m.Symbol)
		}
		if m.LeverageCap <= 0 {
			return fmt.Errorf("market %s: leverage_cap must be > 0", m.Symbol)
		}
		if m.MaxPosition < m.MinSize {
			return fmt.Errorf("market %s: max_position must be >= min_size", m.Symbol)
		}
	}
	return nil
}

func validateRisk(risk RiskConfig) error {
	if risk.MaxDrawdownPct <= 0 || risk.MaxDrawdownPct > 100 {
		return errors.New("risk.max_drawdown_pct must be in (0, 100]")
	}
	if risk.DrawdownCooldown < 0 || risk.LossCooldown < 0 {
		return errors.New("risk cooldowns must be >= 0")
	}
	switch risk.CooldownScope {
	case CooldownScopeMarket, CooldownScopeAccount:
	default:
		return fmt.Errorf("risk.cooldown_scope must be %q or %q", CooldownScopeMarket, CooldownScopeAccount)
	}
	if risk.MaxConsecutiveLosses < 1 {
		return errors.New("risk.max_consecutive_losses must be > 0")
	}
	if risk.MaxDailyLossUSD < 0 {
		return errors.New("risk.max_daily_loss_usd must be >= 0")
	}
	if risk.MaxLeverage <= 0 {
		return errors.New("risk.max_leverage must be > 0")
	}
	if risk.PositionStopUSD < 0 {
		return errors.New("risk.position_stop_usd must be >= 0")
	}
	return nil
}

func validateStrategies(strategies []StrategyConfig, markets []MarketConfig) error {
	known := make(map[int]struct{}, len(markets))
	for _, m := range markets {
		known[m.ID] = struct{}{}
	}
	names := make(map[string]struct{}, len(strategies))
	for _, s := range strategies {
		if s.Kind == "" {
			return fmt.Errorf("strategy %s: kind is required", s.Name)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("strategy %s: duplicate name", s.Name)
		}
		names[s.Name] = struct{}{}
		if _, ok := known[s.Market]; !ok {
			return fmt.Errorf("strategy %s: unknown market %d", s.Name, s.Market)
		}
		switch s.Cadence {
		case CadenceInterval, CadenceOnChange:
		default:
			return fmt.Errorf("strategy %s: cadence must be %q or %q", s.Name, CadenceInterval, CadenceOnChange)
		}
		if s.Interval <= 0 {
			return fmt.Errorf("strategy %s: interval must be > 0", s.Name)
		}
		if s.Backoff <= 0 || s.MaxBackoff < s.Backoff {
			return fmt.Errorf("strategy %s: backoff must be > 0 and <= max_backoff", s.Name)
		}
	}
	return nil
}
