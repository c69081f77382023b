// Package logger builds the zap loggers used by the server and dashctl.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for level ("debug", "info", "warn", "error") and
// format ("json" or "console"). An empty format picks console for debug
// and json otherwise.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	if format == "" {
		format = "json"
		if lvl == zapcore.DebugLevel {
			format = "console"
		}
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}
