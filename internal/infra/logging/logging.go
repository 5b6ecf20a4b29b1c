// Package logging builds the zap logger shared by strategos binaries.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger.
type Options struct {
	Level       string
	Format      string
	Environment string
}

// ParseLevel maps a textual level onto a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	text := strings.ToLower(strings.TrimSpace(level))
	if text == "" {
		return zapcore.InfoLevel, nil
	}
	if err := lvl.UnmarshalText([]byte(text)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: invalid level %q", level)
	}
	return lvl, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// New builds a production logger writing to stdout.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig = encoderConfig()
	cfg.OutputPaths = []string{"stdout"}
	if strings.EqualFold(opts.Format, "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	if env := strings.TrimSpace(opts.Environment); env != "" {
		logger = logger.With(zap.String("environment", env))
	}
	return logger, nil
}

// NewWriter builds a JSON logger writing to w, for tools and tests.
func NewWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), level)
	return zap.New(core)
}
