// Package logging builds the zap logger shared by every autospawn component.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jbweber/autospawn/internal/config"
)

// New returns a logger that writes to stderr and/or the configured file.
// The returned cleanup flushes buffered entries and closes the file.
func New(cfg config.LoggingConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoder, err := newEncoder(cfg.Encoding)
	if err != nil {
		return nil, nil, err
	}

	var cores []zapcore.Core
	var file *os.File
	if cfg.ConsoleEnabled() {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}
	if cfg.File != "" {
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(file), level))
	}
	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("no log output configured")
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, cleanup, nil
}

func newEncoder(encoding string) (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder

	switch encoding {
	case "", "console":
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	case "json":
		return zapcore.NewJSONEncoder(ec), nil
	default:
		return nil, fmt.Errorf("unsupported log encoding %q", encoding)
	}
}
