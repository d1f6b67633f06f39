// Package log builds zap loggers from a small yaml-friendly config, the way
// every component in this module expects to receive one at construction.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger configuration. Left zero-valued, New produces an
// info-level zap production (JSON) logger writing to stderr.
type Config struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // "stdout", "stderr", or a file path.

	// Disable silences the logger entirely, discarding all output. Used by
	// per-torrent loggers in tests and other high-volume, low-value logs.
	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
	return c
}

// New creates a *zap.Logger from config. Extra fields are attached to every
// subsequent log line, mirroring the teacher's log.New(config, extraFields).
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	if config.Disable {
		return NewNop(), nil
	}

	config = config.applyDefaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("level: %s", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{config.Output}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build: %s", err)
	}

	for k, v := range fields {
		logger = logger.With(zap.Any(k, v))
	}
	return logger, nil
}

// NewNop returns a logger which discards all output, useful for tests that
// construct real components but don't care about their log lines.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
