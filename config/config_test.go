package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
index_symbol: "NIFTY 50"
paper_trade: true
database_path: "data/test.db"
log_directory: "log_output"
scanner:
  universe: ["RELIANCE", "INFY"]
logs:
  level: "info"
  max_size_mb: 10
  max_backups: 3
  max_age_days: 7
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"RELIANCE", "INFY"}, cfg.Scanner.Universe)
	assert.Equal(t, 30, cfg.Scanner.IVPMinDays)
	assert.Equal(t, 20, cfg.Scanner.HVWindowDays)
	assert.InDelta(t, 70, cfg.Profile.ValueAreaPct, 1e-9)
	assert.InDelta(t, 2.0, cfg.Watchdog.StopLossMultiple, 1e-9)
	assert.Equal(t, "14:30", cfg.Watchdog.SquareOffTime)
	assert.Equal(t, 5, cfg.Broker.MaxRetries)
	assert.True(t, cfg.PaperTrade)
}

func TestLoadConfig_OverridesFromYAML(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, minimalYAML+`
watchdog:
  poll_interval_minutes: 2
  profit_target_pct: 40
  stop_loss_multiple: 3
  square_off_time: "15:00"
  market_open: "09:15"
  market_close: "15:30"
  op_timeout_seconds: 10
  max_close_failures: 2
  limit_price_buffer_pct: 3
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Watchdog.PollIntervalMinutes)
	assert.InDelta(t, 40, cfg.Watchdog.ProfitTargetPct, 1e-9)
	assert.Equal(t, "15:00", cfg.Watchdog.SquareOffTime)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"empty index symbol", func(c *Config) { c.IndexSymbol = "" }},
		{"missing database path", func(c *Config) { c.DatabasePath = "" }},
		{"missing log level", func(c *Config) { c.Logs.Level = "" }},
		{"min score out of range", func(c *Config) { c.Scanner.MinScore = 150 }},
		{"lookback shorter than hv window", func(c *Config) { c.Scanner.CandleLookbackDays = 10 }},
		{"zero workers", func(c *Config) { c.Scanner.WorkerCount = 0 }},
		{"value area over 100", func(c *Config) { c.Profile.ValueAreaPct = 120 }},
		{"zero width strikes", func(c *Config) { c.Spread.WidthStrikes = 0 }},
		{"capital limit over 100", func(c *Config) { c.Risk.CapitalRiskLimitPct = 200 }},
		{"stop loss multiple at 1", func(c *Config) { c.Watchdog.StopLossMultiple = 1 }},
		{"profit target at 100", func(c *Config) { c.Watchdog.ProfitTargetPct = 100 }},
		{"bad square off clock", func(c *Config) { c.Watchdog.SquareOffTime = "2pm" }},
		{"zero retries", func(c *Config) { c.Broker.MaxRetries = 0 }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadConfig(writeConfig(t, minimalYAML))
			require.NoError(t, err)

			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("KITE_API_KEY", "key123")
	t.Setenv("KITE_API_SECRET", "secret456")
	t.Setenv("KITE_ACCESS_TOKEN", "token789")

	env := LoadEnvConfig()
	assert.Equal(t, "key123", env.APIKey)
	assert.Equal(t, "secret456", env.APISecret)
	assert.Equal(t, "token789", env.AccessToken)
}
