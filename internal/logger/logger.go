package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for server output mirror files.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes optional on-disk mirrors of server output.
// When Dir is set, each server's stdout/stderr is copied to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log in addition to the
// in-memory ring buffer. Rotation follows lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Writers returns rotating io.WriteClosers for a server's stdout and stderr
// mirrors, or nils when no Dir is configured.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	mk := func(stream string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.%s.log", name, stream)),
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return mk("stdout"), mk("stderr"), nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the supervisor's own slog logger. Level accepts
// debug|info|warn|error (case-insensitive); anything else means info.
func New(level string, color bool) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if color {
		return slog.New(NewColorTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
