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
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	TopUp     TopUpConfig     `yaml:"topup"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RecvWindow        string        `yaml:"recv_window"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetryAfterDefault time.Duration `yaml:"retry_after_default"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SpotURL        string        `yaml:"spot_url"`
	LinearURL      string        `yaml:"linear_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxQuoteAge    time.Duration `yaml:"max_quote_age"`
}

const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

type RateLimitConfig struct {
	Backend              string         `yaml:"backend"`
	MaxRequestsPerSecond int            `yaml:"max_requests_per_second"`
	MaxWeightPerSecond   int            `yaml:"max_weight_per_second"`
	EndpointWeights      map[string]int `yaml:"endpoint_weights"`
	RedisKey             string         `yaml:"redis_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StrategyConfig struct {
	QuoteCoin              string        `yaml:"quote_coin"`
	Symbols                []string      `yaml:"symbols"`
	TradeAmountUSD         float64       `yaml:"trade_amount_usd"`
	Leverage               int           `yaml:"leverage"`
	MinEntrySpreadPct      float64       `yaml:"min_entry_spread_pct"`
	MinFundingRate         float64       `yaml:"min_funding_rate"`
	MinProfitPct           float64       `yaml:"min_profit_pct"`
	CommissionPct          float64       `yaml:"commission_pct"`
	CloseFRThreshold       float64       `yaml:"close_fr_threshold"`
	MaxCloseSpreadPct      float64       `yaml:"max_close_spread_pct"`
	LowFRTrackingThreshold float64       `yaml:"low_fr_tracking_threshold"`
	SoftCloseTriggerRounds int           `yaml:"soft_close_trigger_rounds"`
	ScanInterval           time.Duration `yaml:"scan_interval"`
	MaxConcurrentPositions int           `yaml:"max_concurrent_positions"`
	EntryPollInterval      time.Duration `yaml:"entry_poll_interval"`
	MaxEntryAttempts       int           `yaml:"max_entry_attempts"`
	MonitorInterval        time.Duration `yaml:"monitor_interval"`
	MaxMonitorRounds       int           `yaml:"max_monitor_rounds"`
	InitialMonitorDelay    time.Duration `yaml:"initial_monitor_delay"`
	DataRetryDelay         time.Duration `yaml:"data_retry_delay"`
	MaxWorkersOrderbook    int           `yaml:"max_workers_orderbook"`
	MaxWorkersFunding      int           `yaml:"max_workers_funding"`
	CriticalErrorCodes     []int         `yaml:"critical_error_codes"`
	QtyMismatchTolerance   float64       `yaml:"qty_mismatch_tolerance"`
}

type TopUpConfig struct {
	Enabled            *bool         `yaml:"enabled"`
	SpreadIncrementPct float64       `yaml:"spread_increment_pct"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxTotalEntries    int           `yaml:"max_total_entries"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	MaxRounds          int           `yaml:"max_rounds"`
}

func (t TopUpConfig) EnabledValue() bool {
	return t.Enabled != nil && *t.Enabled
}

type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
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
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultEndpointWeights mirrors the exchange's published per-endpoint costs.
var DefaultEndpointWeights = map[string]int{
	"/market/tickers":          1,
	"/market/orderbook":        1,
	"/market/instruments-info": 1,
	"/market/time":             1,
	"/order/create":            1,
	"/position/set-leverage":   1,
	"/account/wallet-balance":  1,
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := newConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// newConfig seeds the thresholds whose zero value is a legitimate setting, so
// they can only be defaulted before the file is decoded.
func newConfig() Config {
	return Config{Strategy: StrategyConfig{
		MinProfitPct:     -0.2,
		CloseFRThreshold: -0.001,
	}}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.bybit.com/v5"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RecvWindow == "" {
		cfg.REST.RecvWindow = "5000"
	}
	if cfg.REST.MaxRetries == 0 {
		cfg.REST.MaxRetries = 3
	}
	if cfg.REST.RetryDelay == 0 {
		cfg.REST.RetryDelay = time.Second
	}
	if cfg.REST.RetryAfterDefault == 0 {
		cfg.REST.RetryAfterDefault = 5 * time.Second
	}
	if cfg.WS.SpotURL == "" {
		cfg.WS.SpotURL = "wss://stream.bybit.com/v5/public/spot"
	}
	if cfg.WS.LinearURL == "" {
		cfg.WS.LinearURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.WS.MaxQuoteAge == 0 {
		cfg.WS.MaxQuoteAge = 15 * time.Second
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = RateLimitMemory
	}
	if cfg.RateLimit.MaxRequestsPerSecond == 0 {
		cfg.RateLimit.MaxRequestsPerSecond = 50
	}
	if cfg.RateLimit.MaxWeightPerSecond == 0 {
		cfg.RateLimit.MaxWeightPerSecond = 300
	}
	if cfg.RateLimit.EndpointWeights == nil {
		cfg.RateLimit.EndpointWeights = make(map[string]int, len(DefaultEndpointWeights))
	}
	for endpoint, weight := range DefaultEndpointWeights {
		if _, ok := cfg.RateLimit.EndpointWeights[endpoint]; !ok {
			cfg.RateLimit.EndpointWeights[endpoint] = weight
		}
	}
	if cfg.RateLimit.RedisKey == "" {
		cfg.RateLimit.RedisKey = "bybit"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/bybit-carry-bot.db"
	}
	applyStrategyDefaults(&cfg.Strategy)
	applyTopUpDefaults(&cfg.TopUp)
	if cfg.Shutdown.GracePeriod == 0 {
		cfg.Shutdown.GracePeriod = 30 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
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
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.QuoteCoin == "" {
		s.QuoteCoin = "USDT"
	}
	if s.TradeAmountUSD == 0 {
		s.TradeAmountUSD = 30
	}
	if s.Leverage == 0 {
		s.Leverage = 1
	}
	if s.MinFundingRate == 0 {
		s.MinFundingRate = 0.02
	}
	if s.CommissionPct == 0 {
		s.CommissionPct = 0.27
	}
	if s.MaxCloseSpreadPct == 0 {
		s.MaxCloseSpreadPct = 0.5
	}
	if s.LowFRTrackingThreshold == 0 {
		s.LowFRTrackingThreshold = 0.01
	}
	if s.SoftCloseTriggerRounds == 0 {
		s.SoftCloseTriggerRounds = 10
	}
	if s.ScanInterval == 0 {
		s.ScanInterval = 3 * time.Minute
	}
	if s.MaxConcurrentPositions == 0 {
		s.MaxConcurrentPositions = 1
	}
	if s.EntryPollInterval == 0 {
		s.EntryPollInterval = 5 * time.Second
	}
	if s.MaxEntryAttempts == 0 {
		s.MaxEntryAttempts = 1000
	}
	if s.MonitorInterval == 0 {
		s.MonitorInterval = 5 * time.Minute
	}
	if s.MaxMonitorRounds == 0 {
		s.MaxMonitorRounds = 1000
	}
	if s.InitialMonitorDelay == 0 {
		s.InitialMonitorDelay = 10 * time.Second
	}
	if s.DataRetryDelay == 0 {
		s.DataRetryDelay = time.Minute
	}
	if s.MaxWorkersOrderbook == 0 {
		s.MaxWorkersOrderbook = 20
	}
	if s.MaxWorkersFunding == 0 {
		s.MaxWorkersFunding = 10
	}
	if s.CriticalErrorCodes == nil {
		// delisting, symbol not found, margin mode
		s.CriticalErrorCodes = []int{30228, 10001, 110043}
	}
	if s.QtyMismatchTolerance == 0 {
		s.QtyMismatchTolerance = 0.01
	}
	for i, sym := range s.Symbols {
		s.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
}

func applyTopUpDefaults(t *TopUpConfig) {
	if t.Enabled == nil {
		enabled := true
		t.Enabled = &enabled
	}
	if t.SpreadIncrementPct == 0 {
		t.SpreadIncrementPct = 0.15
	}
	if t.Cooldown == 0 {
		t.Cooldown = 5 * time.Minute
	}
	if t.MaxTotalEntries == 0 {
		t.MaxTotalEntries = 4
	}
	if t.CheckInterval == 0 {
		t.CheckInterval = 5 * time.Minute
	}
	if t.MaxRounds == 0 {
		t.MaxRounds = 500
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.TradeAmountUSD <= 0 {
		return errors.New("strategy.trade_amount_usd must be > 0")
	}
	if s.Leverage < 1 {
		return errors.New("strategy.leverage must be >= 1")
	}
	if s.ScanInterval <= 0 || s.MonitorInterval <= 0 || s.EntryPollInterval <= 0 {
		return errors.New("strategy intervals must be > 0")
	}
	if s.InitialMonitorDelay < 0 || s.DataRetryDelay <= 0 {
		return errors.New("strategy monitor delays must be positive")
	}
	if s.MaxConcurrentPositions < 1 {
		return errors.New("strategy.max_concurrent_positions must be >= 1")
	}
	if s.MaxWorkersOrderbook < 1 || s.MaxWorkersFunding < 1 {
		return errors.New("strategy worker counts must be >= 1")
	}
	if s.MaxEntryAttempts < 1 || s.MaxMonitorRounds < 1 {
		return errors.New("strategy round limits must be >= 1")
	}
	if s.SoftCloseTriggerRounds < 1 {
		return errors.New("strategy.soft_close_trigger_rounds must be >= 1")
	}
	if s.MaxCloseSpreadPct < 0 {
		return errors.New("strategy.max_close_spread_pct must be >= 0")
	}
	if s.LowFRTrackingThreshold < s.CloseFRThreshold {
		return errors.New("strategy.low_fr_tracking_threshold must be >= close_fr_threshold")
	}
	if s.QtyMismatchTolerance < 0 {
		return errors.New("strategy.qty_mismatch_tolerance must be >= 0")
	}
	switch cfg.RateLimit.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("redis.addr is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.MaxRequestsPerSecond < 1 || cfg.RateLimit.MaxWeightPerSecond < 1 {
		return errors.New("rate_limit budgets must be >= 1")
	}
	if cfg.REST.MaxRetries < 1 {
		return errors.New("rest.max_retries must be >= 1")
	}
	if cfg.TopUp.MaxTotalEntries < 1 {
		return errors.New("topup.max_total_entries must be >= 1")
	}
	if cfg.TopUp.EnabledValue() && (cfg.TopUp.CheckInterval <= 0 || cfg.TopUp.Cooldown < 0) {
		return errors.New("topup intervals must be positive")
	}
	if cfg.Shutdown.GracePeriod < 0 {
		return errors.New("shutdown.grace_period must be >= 0")
	}
	return nil
}
