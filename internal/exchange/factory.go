package exchange

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"tierbot/internal/exchange/coinbase"
	"tierbot/internal/exchange/paper"
	"tierbot/pkg/config"
)

// Ensure adapters implement Exchange interface
var _ Exchange = (*coinbase.Adapter)(nil)
var _ Exchange = (*paper.Exchange)(nil)

// NewExchange creates an exchange adapter from configuration.
// It reads API credentials from environment variables:
// - COINBASE_API_KEY_NAME, COINBASE_API_PRIVATE_KEY
//
// The "paper" exchange and dryRun both simulate orders in memory while
// reading products and candles from Coinbase.
func NewExchange(cfg *config.ExchangeConfig, dryRun bool, logger *zap.Logger) (Exchange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Name {
	case "coinbase", "paper":
	default:
		return nil, fmt.Errorf("unknown exchange: %s", cfg.Name)
	}

	adapter, err := newCoinbaseAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Name == "paper" || dryRun {
		logger.Info("exchange created", zap.String("exchange", "paper"), zap.String("market_data", adapter.Name()))
		return paper.New(paper.Config{Market: adapter, Logger: logger.Named("paper")}), nil
	}

	if !adapter.Client().Authenticated() {
		return nil, fmt.Errorf("%w: COINBASE_API_KEY_NAME and COINBASE_API_PRIVATE_KEY are required", ErrUnauthorized)
	}

	logger.Info("exchange created", zap.String("exchange", adapter.Name()))
	return adapter, nil
}

// newCoinbaseAdapter creates a Coinbase adapter from configuration.
func newCoinbaseAdapter(cfg *config.ExchangeConfig, logger *zap.Logger) (*coinbase.Adapter, error) {
	adapter, err := coinbase.NewAdapter(coinbase.Config{
		KeyName:       os.Getenv("COINBASE_API_KEY_NAME"),
		PrivateKeyPEM: os.Getenv("COINBASE_API_PRIVATE_KEY"),
		BaseURL:       cfg.APIBase,
		RateLimit:     cfg.RateLimit,
		Timeout:       cfg.Timeout,
		Retry: coinbase.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		Logger: logger.Named("coinbase"),
	})
	if err != nil {
		return nil, fmt.Errorf("create exchange coinbase: %w", err)
	}
	return adapter, nil
}
