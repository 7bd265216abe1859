// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"ivsniper/logs"
)

// ScannerConfig holds the volatility ranking parameters.
type ScannerConfig struct {
	Universe           []string `yaml:"universe"`
	ExcludeSymbols     []string `yaml:"exclude_symbols"`
	IVPMinDays         int      `yaml:"ivp_min_days"`
	MinScore           float64  `yaml:"min_score"`
	MaxCandidates      int      `yaml:"max_candidates"`
	HVWindowDays       int      `yaml:"hv_window_days"`
	CandleLookbackDays int      `yaml:"candle_lookback_days"`
	EMASpan            int      `yaml:"ema_span"`
	TrendEpsilonPct    float64  `yaml:"trend_epsilon_pct"`
	WorkerCount        int      `yaml:"worker_count"`
}

// ProfileConfig holds the volume-profile parameters.
type ProfileConfig struct {
	LookbackDays       int     `yaml:"lookback_days"`
	BinWidth           float64 `yaml:"bin_width"` // 0 = auto (Freedman-Diaconis)
	ValueAreaPct       float64 `yaml:"value_area_pct"`
	HVNMultiplier      float64 `yaml:"hvn_multiplier"`
	MinADV             float64 `yaml:"min_adv"`
	MaxWallDistancePct float64 `yaml:"max_wall_distance_pct"`
}

// SpreadConfig holds the strike-selection parameters.
type SpreadConfig struct {
	WidthStrikes  int     `yaml:"width_strikes"`
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	MinExpiryDays int     `yaml:"min_expiry_days"`
}

// RiskConfig holds the pre-trade risk guard parameters.
type RiskConfig struct {
	CapitalRiskLimitPct    float64 `yaml:"capital_risk_limit_pct"`
	MinCapital             float64 `yaml:"min_capital"`
	BidAskSpreadLimitPct   float64 `yaml:"bid_ask_spread_limit_pct"`
	IndexCrashThresholdPct float64 `yaml:"index_crash_threshold_pct"`
}

// WatchdogConfig holds the open-position monitoring parameters.
type WatchdogConfig struct {
	PollIntervalMinutes  int     `yaml:"poll_interval_minutes"`
	ProfitTargetPct      float64 `yaml:"profit_target_pct"`
	StopLossMultiple     float64 `yaml:"stop_loss_multiple"`
	SquareOffTime        string  `yaml:"square_off_time"` // HH:MM, settlement-day force close
	MarketOpen           string  `yaml:"market_open"`     // HH:MM
	MarketClose          string  `yaml:"market_close"`    // HH:MM
	OpTimeoutSeconds     int     `yaml:"op_timeout_seconds"`
	MaxCloseFailures     int     `yaml:"max_close_failures"`
	LimitPriceBufferPct  float64 `yaml:"limit_price_buffer_pct"`
}

// BrokerConfig holds connectivity and retry parameters for the broker client.
type BrokerConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
}

// Config is the top-level configuration structure.
type Config struct {
	IndexSymbol  string          `yaml:"index_symbol"`
	PaperTrade   bool            `yaml:"paper_trade"`
	DatabasePath string          `yaml:"database_path"`
	LogDirectory string          `yaml:"log_directory"`
	Scanner      *ScannerConfig  `yaml:"scanner"`
	Profile      *ProfileConfig  `yaml:"profile"`
	Spread       *SpreadConfig   `yaml:"spread"`
	Risk         *RiskConfig     `yaml:"risk"`
	Watchdog     *WatchdogConfig `yaml:"watchdog"`
	Broker       *BrokerConfig   `yaml:"broker"`
	Logs         *logs.Config    `yaml:"logs"`
}

// NewConfig allocates a Config with nested structs and the few defaults that
// have a single sane value. Strategy-critical parameters must come from the
// YAML file and are enforced by Validate.
func NewConfig() *Config {
	return &Config{
		IndexSymbol: "NIFTY 50",
		PaperTrade:  true,
		Scanner: &ScannerConfig{
			IVPMinDays:         30,
			MinScore:           50,
			MaxCandidates:      5,
			HVWindowDays:       20,
			CandleLookbackDays: 365,
			EMASpan:            50,
			TrendEpsilonPct:    0.1,
			WorkerCount:        10,
		},
		Profile: &ProfileConfig{
			LookbackDays:       60,
			ValueAreaPct:       70,
			HVNMultiplier:      1.5,
			MinADV:             500000,
			MaxWallDistancePct: 10,
		},
		Spread: &SpreadConfig{
			WidthStrikes:  1,
			RiskFreeRate:  0.07,
			MinExpiryDays: 15,
		},
		Risk: &RiskConfig{
			CapitalRiskLimitPct:    10,
			BidAskSpreadLimitPct:   5,
			IndexCrashThresholdPct: 2,
		},
		Watchdog: &WatchdogConfig{
			PollIntervalMinutes: 5,
			ProfitTargetPct:     50,
			StopLossMultiple:    2.0,
			SquareOffTime:       "14:30",
			MarketOpen:          "09:15",
			MarketClose:         "15:30",
			OpTimeoutSeconds:    20,
			MaxCloseFailures:    3,
			LimitPriceBufferPct: 5,
		},
		Broker: &BrokerConfig{
			MaxRetries:         5,
			BackoffBaseSeconds: 2,
			HTTPTimeoutSeconds: 10,
		},
		Logs: &logs.Config{},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and
// validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s; the bot cannot run without one", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire
// configuration.
func (c *Config) Validate() error {
	if c.IndexSymbol == "" {
		return fmt.Errorf("critical config missing: 'index_symbol' must be specified")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("critical config missing: 'database_path' must be specified (e.g. 'data/ivsniper.db')")
	}
	if c.LogDirectory == "" {
		return fmt.Errorf("critical config missing: 'log_directory' must be specified (e.g. 'logs')")
	}

	if c.Logs == nil || c.Logs.Level == "" {
		return fmt.Errorf("critical config missing: 'logs.level' must be specified (e.g. 'info')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("critical config missing: logs max_size_mb, max_backups and max_age_days must all be positive")
	}

	s := c.Scanner
	if s == nil {
		return fmt.Errorf("critical config missing: 'scanner' block must be provided")
	}
	if s.IVPMinDays <= 0 {
		return fmt.Errorf("config error: scanner.ivp_min_days must be positive")
	}
	if s.MinScore < 0 || s.MinScore > 100 {
		return fmt.Errorf("config error: scanner.min_score must be within [0,100]")
	}
	if s.MaxCandidates <= 0 {
		return fmt.Errorf("config error: scanner.max_candidates must be positive")
	}
	if s.HVWindowDays < 1 {
		return fmt.Errorf("config error: scanner.hv_window_days must be positive")
	}
	if s.CandleLookbackDays <= s.HVWindowDays {
		return fmt.Errorf("config error: scanner.candle_lookback_days (%d) must exceed hv_window_days (%d)", s.CandleLookbackDays, s.HVWindowDays)
	}
	if s.EMASpan <= 1 {
		return fmt.Errorf("config error: scanner.ema_span must be greater than 1")
	}
	if s.TrendEpsilonPct < 0 {
		return fmt.Errorf("config error: scanner.trend_epsilon_pct cannot be negative")
	}
	if s.WorkerCount <= 0 {
		return fmt.Errorf("config error: scanner.worker_count must be positive")
	}

	p := c.Profile
	if p == nil {
		return fmt.Errorf("critical config missing: 'profile' block must be provided")
	}
	if p.LookbackDays < 10 {
		return fmt.Errorf("config error: profile.lookback_days must be at least 10")
	}
	if p.BinWidth < 0 {
		return fmt.Errorf("config error: profile.bin_width cannot be negative (0 = auto)")
	}
	if p.ValueAreaPct <= 0 || p.ValueAreaPct > 100 {
		return fmt.Errorf("config error: profile.value_area_pct must be within (0,100]")
	}
	if p.HVNMultiplier <= 0 {
		return fmt.Errorf("config error: profile.hvn_multiplier must be positive")
	}
	if p.MaxWallDistancePct <= 0 {
		return fmt.Errorf("config error: profile.max_wall_distance_pct must be positive")
	}

	sp := c.Spread
	if sp == nil {
		return fmt.Errorf("critical config missing: 'spread' block must be provided")
	}
	if sp.WidthStrikes <= 0 {
		return fmt.Errorf("config error: spread.width_strikes must be positive")
	}
	if sp.RiskFreeRate < 0 || sp.RiskFreeRate > 1 {
		return fmt.Errorf("config error: spread.risk_free_rate must be a decimal rate (e.g. 0.07)")
	}

	r := c.Risk
	if r == nil {
		return fmt.Errorf("critical config missing: 'risk' block must be provided")
	}
	if r.CapitalRiskLimitPct <= 0 || r.CapitalRiskLimitPct > 100 {
		return fmt.Errorf("config error: risk.capital_risk_limit_pct must be within (0,100]")
	}
	if r.MinCapital < 0 {
		return fmt.Errorf("config error: risk.min_capital cannot be negative")
	}
	if r.BidAskSpreadLimitPct <= 0 {
		return fmt.Errorf("config error: risk.bid_ask_spread_limit_pct must be positive")
	}
	if r.IndexCrashThresholdPct <= 0 {
		return fmt.Errorf("config error: risk.index_crash_threshold_pct must be positive")
	}

	w := c.Watchdog
	if w == nil {
		return fmt.Errorf("critical config missing: 'watchdog' block must be provided")
	}
	if w.PollIntervalMinutes <= 0 {
		return fmt.Errorf("config error: watchdog.poll_interval_minutes must be positive")
	}
	if w.ProfitTargetPct <= 0 || w.ProfitTargetPct >= 100 {
		return fmt.Errorf("config error: watchdog.profit_target_pct must be within (0,100)")
	}
	if w.StopLossMultiple <= 1 {
		return fmt.Errorf("config error: watchdog.stop_loss_multiple must be greater than 1")
	}
	for _, field := range []struct{ name, val string }{
		{"watchdog.square_off_time", w.SquareOffTime},
		{"watchdog.market_open", w.MarketOpen},
		{"watchdog.market_close", w.MarketClose},
	} {
		if err := validateClock(field.val); err != nil {
			return fmt.Errorf("config error: %s: %w", field.name, err)
		}
	}
	if w.OpTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: watchdog.op_timeout_seconds must be positive")
	}
	if w.MaxCloseFailures <= 0 {
		return fmt.Errorf("config error: watchdog.max_close_failures must be positive")
	}
	if w.LimitPriceBufferPct < 0 || w.LimitPriceBufferPct > 50 {
		return fmt.Errorf("config error: watchdog.limit_price_buffer_pct must be within [0,50]")
	}

	b := c.Broker
	if b == nil {
		return fmt.Errorf("critical config missing: 'broker' block must be provided")
	}
	if b.MaxRetries <= 0 {
		return fmt.Errorf("config error: broker.max_retries must be positive")
	}
	if b.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("config error: broker.backoff_base_seconds must be positive")
	}
	if b.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: broker.http_timeout_seconds must be positive")
	}

	return nil
}

func validateClock(v string) error {
	if len(v) != 5 || v[2] != ':' {
		return fmt.Errorf("expected HH:MM, got %q", v)
	}
	return nil
}

// EnvConfig carries broker credentials sourced from the environment,
// never from the YAML file.
type EnvConfig struct {
	APIKey      string
	APISecret   string
	AccessToken string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		APIKey:      os.Getenv("KITE_API_KEY"),
		APISecret:   os.Getenv("KITE_API_SECRET"),
		AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
	}
}
