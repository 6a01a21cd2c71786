// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

type Options struct {
	Level  string
	Format string
	// File switches output to a rotating log file.
	File    string
	MaxSize int // megabytes
	MaxAge  int // days
}

// ParseLevel maps debug, info, warn and error to slog levels.
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
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewHandler builds a text or JSON handler writing to w.
func NewHandler(w io.Writer, opts Options) (slog.Handler, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	ho := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.NewTextHandler(w, ho), nil
	case "json":
		return slog.NewJSONHandler(w, ho), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// Setup installs the default logger. The returned function closes the log
// file, if any.
func Setup(opts Options) (func() error, error) {
	var w io.Writer = os.Stderr
	closer := func() error { return nil }
	if opts.File != "" {
		l := &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  opts.MaxSize,
			MaxAge:   opts.MaxAge,
		}
		w = l
		closer = l.Close
	}

	h, err := NewHandler(w, opts)
	if err != nil {
		return closer, err
	}
	slog.SetDefault(slog.New(h))
	if opts.File != "" {
		fmt.Fprintf(os.Stderr, "Sending log messages to: %s\n", opts.File)
	}
	return closer, nil
}
