// Package logging owns the process-wide structured logger.
//
// Components obtain a child logger with Named and log with typed zap fields.
// Until Init runs, every logger is a no-op, so library code and tests never
// need to set anything up.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Debug lowers the level to debug.
	Debug bool
	// File, when set, receives JSON log lines instead of stderr.
	File string
	// Development switches to the human-readable console encoder.
	Development bool
}

var (
	logger   = zap.NewNop()
	loggerMu sync.RWMutex
)

// Init builds the global logger. Calling it again replaces the previous
// logger after syncing it.
func Init(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if opts.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		cfg.OutputPaths = []string{opts.File}
		cfg.ErrorOutputPaths = []string{opts.File}
	}

	l, err := cfg.Build(zap.Fields(zap.Int("pid", os.Getpid())))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	_ = prev.Sync()
	return l, nil
}

// Set installs an already-built logger. Tests use it with zaptest or
// observer cores.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// L returns the global logger.
func L() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Named returns a child of the global logger tagged with a component name.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries. Safe to call when not initialized.
func Sync() {
	_ = L().Sync()
}
