// Package logging holds the process-wide diagnostic logger. Diagnostics are
// discarded until Init is called, and Init takes effect only once.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ErrAlreadyInitialized is returned by every Init call after the first.
var ErrAlreadyInitialized = errors.New("logging already initialized")

// Options configures the process logger.
type Options struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "json" or "text"
	// Output is "stderr" (default), "stdout" or a file path.
	Output     string `mapstructure:"output" yaml:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

var (
	once    sync.Once
	current atomic.Pointer[slog.Logger]
	closer  io.Closer
)

func init() {
	current.Store(slog.New(slog.DiscardHandler))
}

// Logger returns the process logger.
func Logger() *slog.Logger {
	return current.Load()
}

// Or returns l, or the process logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger()
}

// Init installs the process logger. Only the first call has any effect; an
// invalid first call still consumes it.
func Init(opts Options) error {
	err := ErrAlreadyInitialized
	once.Do(func() {
		var l *slog.Logger
		l, err = build(opts)
		if err != nil {
			return
		}
		current.Store(l)
		slog.SetDefault(l)
	})
	return err
}

// Close flushes and closes a rotating log file opened by Init.
func Close() error {
	if closer == nil {
		return nil
	}
	return closer.Close()
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

func build(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch opts.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		lj := &lumberjack.Logger{
			Filename:   opts.Output,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		closer = lj
		w = lj
	}

	return New(w, level, opts.Format)
}

// New builds a logger writing to w. It does not touch the process logger.
func New(w io.Writer, level slog.Level, format string) (*slog.Logger, error) {
	ho := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, ho)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
