// Package observability owns the CLI logger and operator-facing status output.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger used by commands.
//
// It starts as a no-op logger so packages can log before InitCLILogger runs
// (for example from tests).
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for the named binary.
//
// Output goes to stderr so stdout stays reserved for report sections and
// machine-readable results.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(name, level)
}

// SetLevel rebuilds CLILogger with the given level name (debug, info, warn, error).
// Unknown names fall back to info.
func SetLevel(name, levelName string) {
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		level = zapcore.InfoLevel
	}
	CLILogger = newLogger(name, level)
}

func newLogger(name string, level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core).Named(name)
}
