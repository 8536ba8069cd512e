// Package storage persists per-asset trade state.
// Each asset has exactly one record; a missing record means Idle.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tierbot/internal/domain"
	"tierbot/pkg/config"
)

// Sentinel errors for storage operations.
var (
	// ErrCorruptState is returned when a stored record cannot be decoded or breaks the state invariants.
	ErrCorruptState = errors.New("corrupt trade state")
	// ErrInvalidAssetID is returned for ids that cannot name a record.
	ErrInvalidAssetID = errors.New("invalid asset id")
)

// DefaultDir is the file store directory used when no storage section is configured.
const DefaultDir = "data"

// Store loads and saves trade state. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored state, or Idle when no record exists.
	Load(ctx context.Context, assetID string) (domain.TradeState, error)
	// Save replaces the stored record atomically.
	Save(ctx context.Context, assetID string, state domain.TradeState) error
	// Close releases resources.
	Close() error
}

// Open creates the store selected by configuration. A nil config selects a file store in DefaultDir.
func Open(cfg *config.StorageConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		return NewFileStore(DefaultDir, logger)
	}

	switch cfg.Driver {
	case "file", "":
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultDir
		}
		return NewFileStore(dir, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func validateAssetID(assetID string) error {
	if assetID == "" || strings.ContainsAny(assetID, `/\`) || strings.Contains(assetID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidAssetID, assetID)
	}
	return nil
}

// encode renders the on-disk record.
func encode(state domain.TradeState) ([]byte, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(state, "", "  ")
}

// decode parses a stored record and checks it describes exactly one phase.
func decode(assetID string, raw []byte) (domain.TradeState, error) {
	var state domain.TradeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.TradeState{}, fmt.Errorf("%w: %s: %v", ErrCorruptState, assetID, err)
	}
	if err := state.Validate(); err != nil {
		return domain.TradeState{}, fmt.Errorf("%w: %s: %v", ErrCorruptState, assetID, err)
	}
	if state.PendingBuy != nil && state.PendingBuy.OrderID == "" {
		return domain.TradeState{}, fmt.Errorf("%w: %s: open_buy_order without order_id", ErrCorruptState, assetID)
	}
	if state.Position != nil {
		if state.Position.BuyOrderID == "" {
			return domain.TradeState{}, fmt.Errorf("%w: %s: filled_buy_trade without buy_order_id", ErrCorruptState, assetID)
		}
		if state.Position.SellOrders == nil {
			state.Position.SellOrders = []domain.SellOrderRecord{}
		}
	}
	return state, nil
}
