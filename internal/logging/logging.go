// Package logging builds the process slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Structured log keys shared across packages.
const (
	FieldTable      = "table"
	FieldRecordID   = "record_id"
	FieldOp         = "op"
	FieldAttempt    = "attempt"
	FieldError      = "error"
	FieldDurationMS = "duration_ms"
)

// Config selects level, format and destination.
type Config struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`

	// File enables rotated file output instead of stderr.
	File       string `mapstructure:"file" json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"maxSizeMb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"maxBackups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"maxAgeDays" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig logs text at info to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", MaxSizeMB: 20, MaxBackups: 3, MaxAgeDays: 14}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to w, or to a rotated file when cfg.File is
// set. The returned closer releases the file; it is a no-op otherwise.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
