package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	FeedConfig          FeedConfig          `json:"feed"`
	PairsConfig         PairsConfig         `json:"pairs"`
	MonitoringConfig    MonitoringConfig    `json:"monitoring"`
	SignalsConfig       SignalsConfig       `json:"signals"`
	MarketContextConfig MarketContextConfig `json:"market_context"`
	OutcomeConfig       OutcomeConfig       `json:"outcome"`
	DashboardConfig     DashboardConfig     `json:"dashboard"`
	NotificationConfig  NotificationConfig  `json:"notification"`
	DatabaseConfig      DatabaseConfig      `json:"database"`
	RedisConfig         RedisConfig         `json:"redis"`
	LoggingConfig       LoggingConfig       `json:"logging"`
}

// FeedConfig holds upstream WebSocket feed configuration
type FeedConfig struct {
	APIKey            string  `json:"api_key"`
	URL               string  `json:"url"`
	HeartbeatSeconds  int     `json:"heartbeat_seconds"`   // Ping cadence; also the per-read deadline
	ReconnectDelaySec int     `json:"reconnect_delay_sec"` // Initial backoff, doubles up to max
	MaxReconnectDelay int     `json:"max_reconnect_delay"`
	MinTradeNotional  float64 `json:"min_trade_notional"` // Aggregated-trade channel filter (USD)
}

// PairsConfig lists subscribed symbols with priority weighting
type PairsConfig struct {
	Primary   []string `json:"primary"`
	Secondary []string `json:"secondary"`
}

// MonitoringConfig holds tier assignment and tier-scaled thresholds.
// Symbols not listed in tier1/tier2 default to tier 3.
type MonitoringConfig struct {
	Tier1Symbols []string `json:"tier1_symbols"` // Majors (BTCUSDT, ETHUSDT)
	Tier2Symbols []string `json:"tier2_symbols"` // Mid-caps

	Tier1Cascade float64 `json:"tier1_cascade"` // Cascade volume thresholds (USD)
	Tier2Cascade float64 `json:"tier2_cascade"`
	Tier3Cascade float64 `json:"tier3_cascade"`

	Tier1LargeOrder float64 `json:"tier1_large_order"` // Large-order thresholds (USD)
	Tier2LargeOrder float64 `json:"tier2_large_order"`
	Tier3LargeOrder float64 `json:"tier3_large_order"`

	Tier1Absorption float64 `json:"tier1_absorption"` // Absorption thresholds (USD)
	Tier2Absorption float64 `json:"tier2_absorption"`
	Tier3Absorption float64 `json:"tier3_absorption"`

	MaxLiquidations int `json:"max_liquidations"` // Buffer cap per symbol
	MaxTrades       int `json:"max_trades"`
	RetentionSec    int `json:"retention_sec"` // Buffer retention
	GraceSec        int `json:"grace_sec"`     // Late-arrival grace window
}

// SignalsConfig holds signal pipeline tuning
type SignalsConfig struct {
	MinConfidence     float64 `json:"min_confidence"`       // Drop below this after scoring
	MaxSignalsPerHour int     `json:"max_signals_per_hour"` // Trailing-hour accept cap
	CooldownMinutes   int     `json:"cooldown_minutes"`     // Per-symbol cooldown
	DedupWindowSec    int     `json:"dedup_window_sec"`     // Fingerprint dedup window
	CoalesceWindowMs  int     `json:"coalesce_window_ms"`   // Merger coalescing window
	AnalyzerTickSec   int     `json:"analyzer_tick_sec"`    // Periodic order-flow/event cadence
	DebounceMs        int     `json:"debounce_ms"`          // Per-symbol trade-append debounce
	WhaleMinOrders    int     `json:"whale_min_orders"`     // Dominant-side large orders for an order-flow signal
}

// MarketContextConfig holds the OI/funding context subsystem settings
type MarketContextConfig struct {
	Enabled            bool    `json:"enabled"`
	PollIntervalSec    int     `json:"poll_interval_sec"`         // REST poll cadence
	MaxSnapshots       int     `json:"max_snapshots"`             // Ring size per symbol
	FilterMode         string  `json:"filter_mode"`               // "strict", "normal", or "permissive"
	NoConfidenceAdjust bool    `json:"disable_confidence_adjust"` // Keep assessments but leave scores alone
	MaxAgeSec          int     `json:"max_age_sec"`               // Snapshot staleness bound
	FundingHi          float64 `json:"funding_hi"`                // Crowded-side funding threshold (fraction)
	FundingLo          float64 `json:"funding_lo"`                // Counter-side funding threshold (fraction)
	OIThresholdPct     float64 `json:"oi_threshold_pct"`          // ΔOI 1h threshold (fraction)
	RequestTimeout     int     `json:"request_timeout"`           // Per-call timeout (seconds)
	BaseURL            string  `json:"base_url"`
	APIKey             string  `json:"api_key"`
}

// OutcomeConfig holds signal outcome tracking settings
type OutcomeConfig struct {
	HorizonMinutes int     `json:"horizon_minutes"` // Check signal at +horizon
	WinFraction    float64 `json:"win_fraction"`    // Progress-to-target required for WIN
}

// DashboardConfig holds web dashboard configuration
type DashboardConfig struct {
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	APIToken        string   `json:"api_token"`
	CORSOrigins     []string `json:"cors_origins"`
	RateLimitPerMin int      `json:"rate_limit_per_min"`
	RecentSignals   int      `json:"recent_signals"` // Bounded recent-signal list
}

type NotificationConfig struct {
	Enabled         bool           `json:"enabled"`
	Telegram        TelegramConfig `json:"telegram"`
	QueueSize       int            `json:"queue_size"`
	DeliveryTimeout int            `json:"delivery_timeout"` // Total seconds per signal
	MaxAttempts     int            `json:"max_attempts"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional dashboard snapshot cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTLSec   int    `json:"ttl_sec"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.FeedConfig.URL == "" {
		cfg.FeedConfig.URL = "wss://open-ws.coinglass.com/ws-api"
	}
	setInt(&cfg.FeedConfig.HeartbeatSeconds, 20)
	setInt(&cfg.FeedConfig.ReconnectDelaySec, 1)
	setInt(&cfg.FeedConfig.MaxReconnectDelay, 60)

	if len(cfg.PairsConfig.Primary) == 0 {
		cfg.PairsConfig.Primary = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}

	if len(cfg.MonitoringConfig.Tier1Symbols) == 0 {
		cfg.MonitoringConfig.Tier1Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	m := &cfg.MonitoringConfig
	setFloat(&m.Tier1Cascade, 2_000_000)
	setFloat(&m.Tier2Cascade, 200_000)
	setFloat(&m.Tier3Cascade, 50_000)
	setFloat(&m.Tier1LargeOrder, 10_000)
	setFloat(&m.Tier2LargeOrder, 5_000)
	setFloat(&m.Tier3LargeOrder, 2_000)
	setFloat(&m.Tier1Absorption, 100_000)
	setFloat(&m.Tier2Absorption, 20_000)
	setFloat(&m.Tier3Absorption, 5_000)
	setInt(&m.MaxLiquidations, 1000)
	setInt(&m.MaxTrades, 500)
	setInt(&m.RetentionSec, 3600)
	setInt(&m.GraceSec, 2)

	s := &cfg.SignalsConfig
	setFloat(&s.MinConfidence, 70)
	setInt(&s.MaxSignalsPerHour, 50)
	setInt(&s.CooldownMinutes, 5)
	setInt(&s.DedupWindowSec, 300)
	setInt(&s.CoalesceWindowMs, 2000)
	setInt(&s.AnalyzerTickSec, 15)
	setInt(&s.DebounceMs, 2000)
	setInt(&s.WhaleMinOrders, 3)

	mc := &cfg.MarketContextConfig
	setInt(&mc.PollIntervalSec, 300)
	setInt(&mc.MaxSnapshots, 72)
	setInt(&mc.MaxAgeSec, 600)
	setInt(&mc.RequestTimeout, 10)
	setFloat(&mc.FundingHi, 0.0001)
	setFloat(&mc.FundingLo, 0.0001)
	setFloat(&mc.OIThresholdPct, 0.02)
	if mc.FilterMode == "" {
		mc.FilterMode = "normal"
	}
	if mc.BaseURL == "" {
		mc.BaseURL = "https://open-api-v4.coinglass.com"
	}

	setInt(&cfg.OutcomeConfig.HorizonMinutes, 15)
	setFloat(&cfg.OutcomeConfig.WinFraction, 0.5)

	d := &cfg.DashboardConfig
	setInt(&d.Port, 8080)
	if d.Host == "" {
		d.Host = "0.0.0.0"
	}
	setInt(&d.RateLimitPerMin, 30)
	setInt(&d.RecentSignals, 50)
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"http://localhost:3000"}
	}

	n := &cfg.NotificationConfig
	setInt(&n.QueueSize, 200)
	setInt(&n.DeliveryTimeout, 30)
	setInt(&n.MaxAttempts, 3)

	db := &cfg.DatabaseConfig
	if db.Host == "" {
		db.Host = "localhost"
	}
	setInt(&db.Port, 5432)
	if db.SSLMode == "" {
		db.SSLMode = "disable"
	}

	setInt(&cfg.RedisConfig.TTLSec, 5)
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.FeedConfig.APIKey = getEnvOrDefault("FEED_API_KEY", cfg.FeedConfig.APIKey)
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)

	cfg.MarketContextConfig.APIKey = getEnvOrDefault("CONTEXT_API_KEY", cfg.MarketContextConfig.APIKey)
	if cfg.MarketContextConfig.APIKey == "" {
		cfg.MarketContextConfig.APIKey = cfg.FeedConfig.APIKey
	}

	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)

	cfg.DashboardConfig.APIToken = getEnvOrDefault("DASHBOARD_API_TOKEN", cfg.DashboardConfig.APIToken)
	cfg.DashboardConfig.Port = getEnvIntOrDefault("DASHBOARD_PORT", cfg.DashboardConfig.Port)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.MarketContextConfig.FilterMode {
	case "strict", "normal", "permissive":
	default:
		return fmt.Errorf("market_context.filter_mode must be strict, normal or permissive, got %q", c.MarketContextConfig.FilterMode)
	}
	if c.SignalsConfig.MinConfidence < 0 || c.SignalsConfig.MinConfidence > 100 {
		return fmt.Errorf("signals.min_confidence must be in [0,100], got %v", c.SignalsConfig.MinConfidence)
	}
	if c.SignalsConfig.MaxSignalsPerHour <= 0 {
		return fmt.Errorf("signals.max_signals_per_hour must be positive")
	}
	if c.OutcomeConfig.WinFraction <= 0 || c.OutcomeConfig.WinFraction > 1 {
		return fmt.Errorf("outcome.win_fraction must be in (0,1], got %v", c.OutcomeConfig.WinFraction)
	}
	return nil
}

// Symbols returns the full subscription list, primary pairs first.
func (c *Config) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string{}, c.PairsConfig.Primary...), c.PairsConfig.Secondary...) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.MonitoringConfig.RetentionSec) * time.Second
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func setFloat(p *float64, def float64) {
	if *p == 0 {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}
