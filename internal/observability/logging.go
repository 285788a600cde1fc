// Package observability owns process-wide logging for the CLI.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger. It is a nop until InitCLILogger runs,
// so library code can log unconditionally.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for console output on stderr.
//
// level accepts the usual zap names (debug, info, warn, error); anything
// unparseable falls back to info. verbose forces debug regardless of
// level.
func InitCLILogger(level string, verbose bool) {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return
	}
	CLILogger = logger
}

// Sync flushes buffered log entries. Safe to call on a nop logger.
func Sync() {
	_ = CLILogger.Sync()
}
