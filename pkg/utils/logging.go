package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig controls the process logger.
type LoggerConfig struct {
	Level    string          `yaml:"level"`
	Format   string          `yaml:"format"` // console or json
	File     string          `yaml:"file"`
	Rotation *RotationConfig `yaml:"rotation"`
	Output   io.Writer       `yaml:"-"`
}

// DefaultLoggerConfig returns console logging at info level on stderr.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:  "info",
		Format: "console",
	}
}

// NewLogger builds the root zerolog logger. The returned closer releases the
// log file when one is configured and is a no-op otherwise.
func NewLogger(cfg LoggerConfig) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.File != "" {
		rc := RotationConfig{Filename: cfg.File}
		if cfg.Rotation != nil {
			rc = *cfg.Rotation
			rc.Filename = cfg.File
		}
		rotator, err := NewLogRotator(&rc)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = rotator, rotator
	}

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.File != ""}
	case "json":
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLogLevel parses a level name; empty means info.
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

// Component returns a sub-logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
