package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Custom levels. NOTICE sits between DEBUG and INFO and is used for
// per-entry progress lines that are too noisy for the default level.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var defaultLogger atomic.Pointer[slog.Logger]
var quietMode atomic.Bool // Use an atomic bool for safe concurrent reads.

// level is shared by every handler we create so SetLevel takes effect immediately.
var level = new(slog.LevelVar)

// replaceLevelNames renders our custom NOTICE level by name instead of "DEBUG+2".
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelNames,
	})))
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, INFO level logs are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

// SetLevel changes the minimum level written by the global logger.
// WARN and above always reach stderr regardless of the configured level.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config or flag value to a level. Unknown values fall back to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func init() {
	level.Set(LevelInfo)

	// Handler for info-level logs (and below) to stdout
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelNames,
	})

	// Handler for warning/error-level logs to stderr
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})

	defaultLogger.Store(slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	}))
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Load().Debug(msg, args...)
}

// Notice logs a per-entry progress message.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}
