// Package logging builds the zap loggers shared by the CLI, the runner and
// the dashboard.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing to w at the given level ("debug", "info",
// "warn", "error"; anything else means info) in "console" or "json" format.
// It does not replace zap's global logger.
func New(levelStr, formatStr string, w io.Writer) *zap.Logger {
	level := zapcore.InfoLevel
	switch levelStr {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if formatStr == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	return zap.New(core)
}

// Stderr is New writing to os.Stderr.
func Stderr(levelStr, formatStr string) *zap.Logger {
	return New(levelStr, formatStr, os.Stderr)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ValidLevel reports whether s names a supported level.
func ValidLevel(s string) error {
	switch s {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", s)
}
