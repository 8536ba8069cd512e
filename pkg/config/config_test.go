package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierbot/pkg/config"
)

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}

const fullConfig = `
app:
  name: testbot
  env: development
  log_level: debug

exchange:
  name: coinbase
  rate_limit: 300
  timeout: 5s
  retry:
    max_attempts: 4
    initial_delay: 200ms
    max_delay: 2s
    multiplier: 1.5

storage:
  driver: sqlite
  dsn: /tmp/tierbot.db

execution:
  parallel: true
  tick_timeout: 30s

metrics:
  prometheus:
    enabled: true
    path: /metrics

server:
  http:
    port: 8080
    read_timeout: 5s
    write_timeout: 10s

assets:
  - id: BTC-USD
    rsi_period: 14
    rsi_oversold_threshold: 30
    candle_granularity: ONE_HOUR
    buy_amount: "20"
    sell_tiers:
      - profit: "0.01"
        quantity: "0.3333"
      - profit: "0.02"
        quantity: "0.3333"
      - profit: "0.03"
        terminal: true
  - id: ETH-USD
    rsi_period: 7
    rsi_oversold_threshold: 25.5
    candle_granularity: FIFTEEN_MINUTE
    buy_amount: "15.50"
    sell_tiers:
      - profit: "0.05"
        terminal: true
`

func TestLoad_FullConfig(t *testing.T) {
	path := createTempConfig(t, fullConfig)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "testbot", cfg.App.Name)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	assert.Equal(t, "coinbase", cfg.Exchange.Name)
	assert.Equal(t, 300, cfg.Exchange.RateLimit)
	assert.Equal(t, 5*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 4, cfg.Exchange.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Exchange.Retry.InitialDelay)
	assert.InDelta(t, 1.5, cfg.Exchange.Retry.Multiplier, 1e-9)

	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.NotNil(t, cfg.Execution)
	assert.True(t, cfg.Parallel())
	assert.Equal(t, 30*time.Second, cfg.Execution.TickTimeout)
	require.NotNil(t, cfg.Metrics)
	assert.True(t, cfg.Metrics.Prometheus.Enabled)
	require.NotNil(t, cfg.Server)
	assert.Equal(t, 8080, cfg.Server.HTTP.Port)

	require.Len(t, cfg.Assets, 2)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.AssetIDs())

	btc := cfg.Assets[0]
	assert.Equal(t, 14, btc.RSIPeriod)
	assert.InDelta(t, 30.0, btc.RSIOversoldThreshold, 1e-9)
	assert.Equal(t, time.Hour, btc.Granularity())
	assert.Equal(t, "20", btc.BuyAmountDecimal().String())
	require.Len(t, btc.SellTiers, 3)
	assert.True(t, btc.SellTiers[2].Terminal)

	eth := cfg.Assets[1]
	assert.Equal(t, 15*time.Minute, eth.Granularity())
	assert.Equal(t, "15.5", eth.BuyAmountDecimal().String())
}

func TestLoad_Defaults(t *testing.T) {
	path := createTempConfig(t, `
app:
  name: minimal
exchange:
  name: paper
assets:
  - id: BTC-USD
    rsi_period: 14
    rsi_oversold_threshold: 30
    candle_granularity: ONE_HOUR
    buy_amount: "10"
    sell_tiers:
      - profit: "0.02"
        terminal: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 600, cfg.Exchange.RateLimit)
	assert.Equal(t, 15*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 3, cfg.Exchange.Retry.MaxAttempts)
	assert.Nil(t, cfg.Storage)
	assert.Nil(t, cfg.Execution)
	assert.False(t, cfg.Parallel())
	assert.Nil(t, cfg.Server)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TIERBOT_APP_LOG_LEVEL", "warn")
	t.Setenv("TIERBOT_EXCHANGE_NAME", "paper")

	cfg, err := config.Load(createTempConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.App.LogLevel)
	assert.Equal(t, "paper", cfg.Exchange.Name)
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(createTempConfig(t, "app: [unclosed"))
	assert.Error(t, err)
}

func validAsset() config.AssetConfig {
	return config.AssetConfig{
		ID:                   "BTC-USD",
		RSIPeriod:            14,
		RSIOversoldThreshold: 30,
		CandleGranularity:    "ONE_HOUR",
		BuyAmount:            "20",
		SellTiers: []config.TierConfig{
			{Profit: "0.01", Quantity: "0.5"},
			{Profit: "0.02", Terminal: true},
		},
	}
}

func TestAssetConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(a *config.AssetConfig)
	}{
		{"missing id", func(a *config.AssetConfig) { a.ID = "" }},
		{"zero period", func(a *config.AssetConfig) { a.RSIPeriod = 0 }},
		{"threshold zero", func(a *config.AssetConfig) { a.RSIOversoldThreshold = 0 }},
		{"threshold hundred", func(a *config.AssetConfig) { a.RSIOversoldThreshold = 100 }},
		{"unknown granularity", func(a *config.AssetConfig) { a.CandleGranularity = "TEN_SECOND" }},
		{"bad buy amount", func(a *config.AssetConfig) { a.BuyAmount = "abc" }},
		{"zero buy amount", func(a *config.AssetConfig) { a.BuyAmount = "0" }},
		{"no tiers", func(a *config.AssetConfig) { a.SellTiers = nil }},
		{"no terminal", func(a *config.AssetConfig) { a.SellTiers[1].Terminal = false; a.SellTiers[1].Quantity = "0.5" }},
		{"two terminals", func(a *config.AssetConfig) { a.SellTiers[0].Terminal = true }},
		{"zero profit", func(a *config.AssetConfig) { a.SellTiers[0].Profit = "0" }},
		{"quantity above one", func(a *config.AssetConfig) { a.SellTiers[0].Quantity = "1.01" }},
		{"bad quantity", func(a *config.AssetConfig) { a.SellTiers[0].Quantity = "" }},
	}

	ok := validAsset()
	require.NoError(t, ok.Validate())

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := validAsset()
			tt.mutate(&a)
			assert.ErrorIs(t, a.Validate(), config.ErrInvalidAsset)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	base := func() config.Config {
		return config.Config{
			App:      config.AppConfig{Name: "bot"},
			Exchange: config.ExchangeConfig{Name: "paper"},
			Assets:   []config.AssetConfig{validAsset()},
		}
	}

	c := base()
	require.NoError(t, c.Validate())

	c = base()
	c.App.Name = ""
	assert.Error(t, c.Validate())

	c = base()
	c.Exchange.Name = "binance"
	assert.Error(t, c.Validate())

	c = base()
	c.Assets = nil
	assert.Error(t, c.Validate())

	c = base()
	c.Assets = append(c.Assets, validAsset())
	assert.ErrorIs(t, c.Validate(), config.ErrInvalidAsset)

	c = base()
	c.Storage = &config.StorageConfig{Driver: "file"}
	assert.Error(t, c.Validate())

	c = base()
	c.Storage = &config.StorageConfig{Driver: "sqlite"}
	assert.Error(t, c.Validate())

	c = base()
	c.Storage = &config.StorageConfig{Driver: "redis", Dir: "x"}
	assert.Error(t, c.Validate())

	c = base()
	c.Server = &config.ServerConfig{HTTP: config.HTTPConfig{Port: 0}}
	assert.Error(t, c.Validate())
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.AssetIDs())
	assert.True(t, cfg.IsDevelopment())
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Driver)
	require.NotNil(t, cfg.Metrics)
	assert.True(t, cfg.Metrics.Prometheus.Enabled)
	assert.True(t, cfg.Assets[0].SellTiers[2].Terminal)
	assert.Equal(t, 15*time.Minute, cfg.Assets[1].Granularity())
}
