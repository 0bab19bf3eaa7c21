// Package logging configures Conductor's process-wide slog logger:
// level parsing, a simple/verbose/custom text format choice, optional
// ANSI coloring on a terminal, and an optional log-file destination —
// generalized from the teacher's package-prefix log filter (dropped,
// since Conductor has no third-party-vs-own-package distinction to
// make) to the same CLI-flag-driven level/format/file setup.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a level name to a slog.Level, defaulting unknown
// values to Info rather than erroring, since a typo'd level flag
// shouldn't prevent the process from starting.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenLogFile opens or creates a log file for append, returning a
// cleanup func to close it.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, func() { file.Close() }, nil
}

// Init builds and installs the process-wide slog logger. format is
// "simple" (level + message + attrs), "verbose" (adds a timestamp), or
// anything else (falls back to slog's default text encoding).
func Init(level slog.Level, output *os.File, format string) *slog.Logger {
	useColor := isTerminal(output)
	simple := format == "simple" || format == ""
	verbose := format == "verbose"

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String(slog.LevelKey, "WARN")
			}
			return a
		},
	}

	var handler slog.Handler = slog.NewTextHandler(output, opts)
	switch {
	case simple && useColor:
		handler = &textHandler{writer: output, level: level, verbose: false, color: true}
	case verbose && useColor:
		handler = &textHandler{writer: output, level: level, verbose: true, color: true}
	case simple && !useColor:
		handler = &textHandler{writer: output, level: level, verbose: false, color: false}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

// textHandler renders "LEVEL message key=value ..." lines, optionally
// colored and optionally time-prefixed, for terminals and log files
// that don't need slog's full structured encoding.
type textHandler struct {
	writer  io.Writer
	level   slog.Level
	verbose bool
	color   bool
	attrs   []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder
	if h.verbose && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(record.Level.String())
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	writeAttr := func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(writeAttr)
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *textHandler) WithGroup(_ string) slog.Handler { return h }
