// Package logging provides structured logger construction for graphd.
//
// In stdio mode stdout carries the MCP protocol, so the logger must be
// forced onto stderr; New takes an explicit sink choice for this reason.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink selects where log output is written.
type Sink int

const (
	// SinkStdout writes logs to standard output (HTTP mode).
	SinkStdout Sink = iota
	// SinkStderr writes logs to standard error (stdio mode, where stdout
	// carries the protocol stream).
	SinkStderr
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
}

// New creates a zap logger from config.
func New(cfg Config, sink Sink) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	out := os.Stdout
	if sink == SinkStderr {
		out = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(out), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) (zapcore.Encoder, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "console":
		return zapcore.NewConsoleEncoder(encoderCfg), nil
	case "json", "":
		return zapcore.NewJSONEncoder(encoderCfg), nil
	default:
		return nil, fmt.Errorf("format must be 'json' or 'console', got %q", format)
	}
}
