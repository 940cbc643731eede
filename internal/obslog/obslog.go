// Package obslog provides the broker's structured logging (SPEC_FULL.md
// §4.11): a system-wide logger writing JSON lines to logs/system.log.
// No per-request logs/<id>.log file is opened or written. The logger wraps
// go.uber.org/zap (the structured logger the retrieved pack reaches for,
// see jordigilh-kubernaut's zap.NewProductionConfig usage) configured
// over an append-mode file, the same discipline internal/audit.Log uses
// for its own append-only writes, minus the hash chaining — these are
// operational logs, not a tamper-evident ledger.
package obslog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger at the given level writing JSON lines
// to path, opened O_APPEND so concurrent processes (or a restarted
// broker) never truncate history.
func New(path string, level string) (*zap.SugaredLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("obslog: open %s: %w", path, err)
	}

	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(f),
		lvl,
	)
	return zap.New(core).Sugar(), nil
}

// Discard returns a logger that drops everything, for tests and
// components that received no Logger configuration.
func Discard() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
