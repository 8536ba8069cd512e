package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"tierbot/internal/domain"
)

// FileStore keeps one JSON file per asset, named <asset>_trade_state.json.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the record file for an asset.
func (s *FileStore) Path(assetID string) string {
	return filepath.Join(s.dir, assetID+"_trade_state.json")
}

func (s *FileStore) lock(assetID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[assetID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[assetID] = l
	}
	return l
}

// Load reads the asset's record. A missing file is Idle.
func (s *FileStore) Load(ctx context.Context, assetID string) (domain.TradeState, error) {
	if err := validateAssetID(assetID); err != nil {
		return domain.TradeState{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.TradeState{}, err
	}

	l := s.lock(assetID)
	l.Lock()
	defer l.Unlock()

	raw, err := os.ReadFile(s.Path(assetID))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Idle(), nil
	}
	if err != nil {
		return domain.TradeState{}, fmt.Errorf("read trade state %s: %w", assetID, err)
	}

	state, err := decode(assetID, raw)
	if err != nil {
		s.logger.Error("unreadable trade state", zap.String("asset", assetID), zap.String("path", s.Path(assetID)), zap.Error(err))
		return domain.TradeState{}, err
	}
	return state, nil
}

// Save writes the record to a temp file in the same directory and renames it into place.
func (s *FileStore) Save(ctx context.Context, assetID string, state domain.TradeState) error {
	if err := validateAssetID(assetID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := encode(state)
	if err != nil {
		return fmt.Errorf("encode trade state %s: %w", assetID, err)
	}

	l := s.lock(assetID)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, assetID+"_trade_state.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write trade state %s: %w", assetID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync trade state %s: %w", assetID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close trade state %s: %w", assetID, err)
	}
	if err := os.Rename(tmpName, s.Path(assetID)); err != nil {
		return fmt.Errorf("replace trade state %s: %w", assetID, err)
	}

	s.logger.Debug("trade state saved", zap.String("asset", assetID), zap.String("phase", string(state.Phase())))
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
