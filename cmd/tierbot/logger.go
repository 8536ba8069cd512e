package main

import (
	"fmt"

	"go.uber.org/zap"

	"tierbot/pkg/config"
)

// newLogger builds a development logger for "development" and a JSON production
// logger otherwise. LogFile adds a second sink next to stderr.
func newLogger(app *config.AppConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if app.Env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}

	if app.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(app.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = level
	}

	if app.LogFile != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, app.LogFile)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("app", app.Name)), nil
}
