// Package config provides configuration loading and validation for tierbot.
// It uses Viper to load YAML configuration files with support for environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrInvalidAsset is wrapped by every asset validation failure.
var ErrInvalidAsset = errors.New("invalid asset config")

// Granularities maps the supported candle granularity names to their duration.
var Granularities = map[string]time.Duration{
	"ONE_MINUTE":     time.Minute,
	"FIVE_MINUTE":    5 * time.Minute,
	"FIFTEEN_MINUTE": 15 * time.Minute,
	"THIRTY_MINUTE":  30 * time.Minute,
	"ONE_HOUR":       time.Hour,
	"TWO_HOUR":       2 * time.Hour,
	"SIX_HOUR":       6 * time.Hour,
	"ONE_DAY":        24 * time.Hour,
}

// Config is the root configuration structure for tierbot.
// Required sections: App, Exchange, Assets.
// Optional sections (nil if not specified): Storage, Execution, Metrics, Server.
type Config struct {
	// App contains application-level settings like name and environment.
	App AppConfig `mapstructure:"app"`
	// Exchange configures the exchange binding.
	Exchange ExchangeConfig `mapstructure:"exchange"`
	// Storage configures where per-asset trade state is persisted (optional).
	Storage *StorageConfig `mapstructure:"storage"`
	// Execution configures how a tick walks the assets (optional).
	Execution *ExecutionConfig `mapstructure:"execution"`
	// Metrics configures Prometheus metrics endpoint (optional).
	Metrics *MetricsConfig `mapstructure:"metrics"`
	// Server configures the HTTP status server (optional).
	Server *ServerConfig `mapstructure:"server"`
	// Assets is the ordered list of assets traded each tick.
	Assets []AssetConfig `mapstructure:"assets"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	// Name is the application name used in logs and metrics.
	Name string `mapstructure:"name"`
	// Env is the environment: "development", "staging", or "production".
	Env string `mapstructure:"env"`
	// LogLevel sets logging verbosity: "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`
	// LogFile adds a file sink next to stderr when set.
	LogFile string `mapstructure:"log_file"`
}

// ExchangeConfig contains settings for the exchange binding.
type ExchangeConfig struct {
	// Name selects the binding: "coinbase" or "paper".
	Name string `mapstructure:"name"`
	// APIBase overrides the REST endpoint.
	APIBase string `mapstructure:"api_base"`
	// RateLimit is the maximum API requests per minute.
	RateLimit int `mapstructure:"rate_limit"`
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration `mapstructure:"timeout"`
	// Retry configures retry behavior for failed read requests.
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig contains retry settings for failed operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64 `mapstructure:"multiplier"`
}

// StorageConfig contains state persistence settings.
type StorageConfig struct {
	// Driver is "file" (one JSON file per asset) or "sqlite".
	Driver string `mapstructure:"driver"`
	// Dir is the directory for the file driver.
	Dir string `mapstructure:"dir"`
	// DSN is the database path for the sqlite driver.
	DSN string `mapstructure:"dsn"`
}

// ExecutionConfig contains tick execution settings.
type ExecutionConfig struct {
	// Parallel processes assets concurrently, each under its own lock.
	Parallel bool `mapstructure:"parallel"`
	// TickTimeout bounds one asset's tick. Zero means no bound.
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	// Prometheus configures Prometheus metrics endpoint.
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics settings.
type PrometheusConfig struct {
	// Enabled determines if Prometheus metrics endpoint is active.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics (e.g., "/metrics").
	Path string `mapstructure:"path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// HTTP configures the HTTP server.
	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	// Port is the port to listen on.
	Port int `mapstructure:"port"`
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AssetConfig holds the trading parameters of one asset.
type AssetConfig struct {
	// ID is the exchange product identifier (e.g., "BTC-USD").
	ID string `mapstructure:"id"`
	// RSIPeriod is the oscillator period.
	RSIPeriod int `mapstructure:"rsi_period"`
	// RSIOversoldThreshold is the level an upward crossing of which triggers a buy.
	RSIOversoldThreshold float64 `mapstructure:"rsi_oversold_threshold"`
	// CandleGranularity is one of the Granularities keys.
	CandleGranularity string `mapstructure:"candle_granularity"`
	// BuyAmount is the quote amount spent per acquisition, as a decimal string.
	BuyAmount string `mapstructure:"buy_amount"`
	// SellTiers are the profit targets, in order.
	SellTiers []TierConfig `mapstructure:"sell_tiers"`
}

// TierConfig is one profit tier.
type TierConfig struct {
	// Profit is the gain over the buy price as a decimal string (e.g., "0.01" for 1%).
	Profit string `mapstructure:"profit"`
	// Quantity is the share of the bought quantity as a decimal string. Ignored when Terminal.
	Quantity string `mapstructure:"quantity"`
	// Terminal marks the tier that sells everything remaining.
	Terminal bool `mapstructure:"terminal"`
}

// Load reads configuration from a YAML file at the given path.
// It also supports environment variable overrides with the TIERBOT_ prefix.
// Returns an error if the file cannot be read, parsed, or fails validation.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TIERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("exchange.name", "coinbase")
	v.SetDefault("exchange.timeout", 15*time.Second)
	v.SetDefault("exchange.rate_limit", 600)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.initial_delay", time.Second)
	v.SetDefault("exchange.retry.max_delay", 10*time.Second)
	v.SetDefault("exchange.retry.multiplier", 2.0)
}

// Validate checks that the configuration is valid.
// Returns an error if required fields are missing or have invalid values.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	switch c.Exchange.Name {
	case "coinbase", "paper":
	default:
		return fmt.Errorf("exchange.name must be coinbase or paper, got %q", c.Exchange.Name)
	}

	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}

	seen := make(map[string]bool, len(c.Assets))
	for i := range c.Assets {
		a := &c.Assets[i]
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate asset %s", ErrInvalidAsset, a.ID)
		}
		seen[a.ID] = true
	}

	if c.Storage != nil {
		switch c.Storage.Driver {
		case "file":
			if c.Storage.Dir == "" {
				return fmt.Errorf("storage.dir is required for the file driver")
			}
		case "sqlite":
			if c.Storage.DSN == "" {
				return fmt.Errorf("storage.dsn is required for the sqlite driver")
			}
		default:
			return fmt.Errorf("storage.driver must be file or sqlite, got %q", c.Storage.Driver)
		}
	}

	if c.Server != nil && (c.Server.HTTP.Port <= 0 || c.Server.HTTP.Port > 65535) {
		return fmt.Errorf("server.http.port must be in 1..65535")
	}

	return nil
}

// Validate checks a single asset's parameters.
func (a *AssetConfig) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAsset)
	}
	if a.RSIPeriod <= 0 {
		return fmt.Errorf("%w: %s: rsi_period must be positive", ErrInvalidAsset, a.ID)
	}
	if a.RSIOversoldThreshold <= 0 || a.RSIOversoldThreshold >= 100 {
		return fmt.Errorf("%w: %s: rsi_oversold_threshold must be between 0 and 100", ErrInvalidAsset, a.ID)
	}
	if _, ok := Granularities[a.CandleGranularity]; !ok {
		return fmt.Errorf("%w: %s: unknown candle_granularity %q", ErrInvalidAsset, a.ID, a.CandleGranularity)
	}

	amount, err := decimal.NewFromString(a.BuyAmount)
	if err != nil {
		return fmt.Errorf("%w: %s: parse buy_amount: %v", ErrInvalidAsset, a.ID, err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s: buy_amount must be positive", ErrInvalidAsset, a.ID)
	}

	if len(a.SellTiers) == 0 {
		return fmt.Errorf("%w: %s: sell_tiers must not be empty", ErrInvalidAsset, a.ID)
	}

	terminals := 0
	for i, t := range a.SellTiers {
		profit, err := decimal.NewFromString(t.Profit)
		if err != nil {
			return fmt.Errorf("%w: %s: tier %d: parse profit: %v", ErrInvalidAsset, a.ID, i+1, err)
		}
		if !profit.IsPositive() {
			return fmt.Errorf("%w: %s: tier %d: profit must be positive", ErrInvalidAsset, a.ID, i+1)
		}
		if t.Terminal {
			terminals++
			continue
		}
		qty, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return fmt.Errorf("%w: %s: tier %d: parse quantity: %v", ErrInvalidAsset, a.ID, i+1, err)
		}
		if !qty.IsPositive() || qty.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: %s: tier %d: quantity must be in (0,1]", ErrInvalidAsset, a.ID, i+1)
		}
	}
	if terminals != 1 {
		return fmt.Errorf("%w: %s: exactly one terminal tier is required, found %d", ErrInvalidAsset, a.ID, terminals)
	}

	return nil
}

// BuyAmountDecimal returns the parsed buy amount. Call Validate first.
func (a *AssetConfig) BuyAmountDecimal() decimal.Decimal {
	amount, _ := decimal.NewFromString(a.BuyAmount)
	return amount
}

// Granularity returns the candle duration. Call Validate first.
func (a *AssetConfig) Granularity() time.Duration {
	return Granularities[a.CandleGranularity]
}

// IsDevelopment returns true if the environment is "development".
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the environment is "production".
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Parallel reports whether assets are processed concurrently.
func (c *Config) Parallel() bool {
	return c.Execution != nil && c.Execution.Parallel
}

// AssetIDs returns the configured asset identifiers in order.
func (c *Config) AssetIDs() []string {
	ids := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		ids = append(ids, a.ID)
	}
	return ids
}
