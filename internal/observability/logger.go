// Package observability owns logger construction. Two profiles exist: a
// human-oriented CLI logger (console encoder, stderr) and a structured JSON
// logger for machine consumption. The cmd layer initializes CLILogger once
// and hands child loggers down; library packages never reach for a global.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command output paths. It is
// usable before InitCLILogger runs (info level, console encoding) so early
// failures are never silent.
var CLILogger = mustLogger("info", false)

// InitCLILogger reconfigures the package logger from the resolved config.
// structured switches the encoding from console to JSON.
func InitCLILogger(level string, structured bool) {
	logger, err := NewLogger(level, structured)
	if err != nil {
		CLILogger.Warn("invalid log level, keeping previous logger",
			zap.String("level", level), zap.Error(err))
		return
	}
	CLILogger = logger
}

// NewLogger builds a logger for injection into library packages.
func NewLogger(level string, structured bool) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if !structured {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	return cfg.Build()
}

// Sync flushes buffered log entries. Safe to call on process exit; sync
// errors on stderr are expected on some platforms and ignored.
func Sync() {
	_ = CLILogger.Sync()
}

func mustLogger(level string, structured bool) *zap.Logger {
	logger, err := NewLogger(level, structured)
	if err != nil {
		panic(err)
	}
	return logger
}
