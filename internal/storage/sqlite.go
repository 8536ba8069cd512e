package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"tierbot/internal/domain"
)

// SQLiteStore keeps every asset's record in one trade_state table.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database with WAL mode enabled and creates the table.
func NewSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trade_state (
			asset_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create trade_state table: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Load reads the asset's record. A missing row is Idle.
func (s *SQLiteStore) Load(ctx context.Context, assetID string) (domain.TradeState, error) {
	if err := validateAssetID(assetID); err != nil {
		return domain.TradeState{}, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM trade_state WHERE asset_id = ?", assetID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Idle(), nil
	}
	if err != nil {
		return domain.TradeState{}, fmt.Errorf("query trade state %s: %w", assetID, err)
	}

	state, err := decode(assetID, []byte(payload))
	if err != nil {
		s.logger.Error("unreadable trade state", zap.String("asset", assetID), zap.Error(err))
		return domain.TradeState{}, err
	}
	return state, nil
}

// Save upserts the record inside a transaction.
func (s *SQLiteStore) Save(ctx context.Context, assetID string, state domain.TradeState) error {
	if err := validateAssetID(assetID); err != nil {
		return err
	}

	raw, err := encode(state)
	if err != nil {
		return fmt.Errorf("encode trade state %s: %w", assetID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO trade_state (asset_id, payload, updated_at) VALUES (?, ?, ?) ON CONFLICT(asset_id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at",
		assetID, string(raw), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert trade state %s: %w", assetID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade state %s: %w", assetID, err)
	}

	s.logger.Debug("trade state saved", zap.String("asset", assetID), zap.String("phase", string(state.Phase())))
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
