// Package logging builds the process zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// atomicLevel is shared by every logger New builds so the level can be
// changed at runtime through Level().
var atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// New builds a JSON production logger, or a console logger in development
// mode. level is a zap level name such as "debug" or "warn".
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	atomicLevel.SetLevel(lvl)

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atomicLevel
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build(zap.AddCaller())
}

// Level returns the shared level. zap.AtomicLevel serves GET/PUT over HTTP.
func Level() zap.AtomicLevel {
	return atomicLevel
}
