package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"tierbot/pkg/config"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		app       config.AppConfig
		wantErr   bool
		wantDebug bool
	}{
		{name: "production info", app: config.AppConfig{Name: "tierbot", Env: "production", LogLevel: "info"}},
		{name: "development debug", app: config.AppConfig{Name: "tierbot", Env: "development", LogLevel: "debug"}, wantDebug: true},
		{name: "bad level", app: config.AppConfig{Name: "tierbot", LogLevel: "chatty"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := newLogger(&tt.app)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDebug, logger.Core().Enabled(zapcore.DebugLevel))
		})
	}
}

func TestNewLogger_FileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tierbot.log")
	logger, err := newLogger(&config.AppConfig{Name: "tierbot", LogLevel: "info", LogFile: path})
	require.NoError(t, err)

	logger.Info("hello")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello"`)
	assert.Contains(t, string(raw), `"app":"tierbot"`)
}
