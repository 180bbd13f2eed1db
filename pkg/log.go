package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Component tags log records with the layer that emitted them.
type Component string

// Components of the mass-storage stack.
const (
	ComponentDevice  Component = "device"
	ComponentHAL     Component = "hal"
	ComponentBOT     Component = "bot"
	ComponentSCSI    Component = "scsi"
	ComponentStorage Component = "storage"
	ComponentBufQ    Component = "bufq"
	ComponentHost    Component = "host"
)

// LogFormat selects the handler [SetLogFormat] installs.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	level   = new(slog.LevelVar) // shared by every handler installed here
	current atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelWarn)
	SetLogFormat(os.Stderr, LogFormatText)
}

// SetLogLevel sets the minimum level logged. It applies to loggers
// installed by [SetLogFormat], not to ones passed to [SetLogger].
func SetLogLevel(l slog.Level) { level.Set(l) }

// LogLevel returns the minimum level logged.
func LogLevel() slog.Level { return level.Level() }

// SetLogger replaces the logger every package writes to.
func SetLogger(l *slog.Logger) { current.Store(l) }

// SetLogFormat installs a text or JSON logger writing to w (os.Stderr
// when nil).
func SetLogFormat(w io.Writer, format LogFormat) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	current.Store(slog.New(h))
}

// Logger returns the current logger with component attached.
func Logger(component Component) *slog.Logger {
	return current.Load().With("component", string(component))
}

func logAt(l slog.Level, component Component, msg string, args []any) {
	lg := current.Load()
	ctx := context.Background()
	if !lg.Enabled(ctx, l) {
		return
	}
	lg.Log(ctx, l, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs at debug level. Per-transfer events use this level only.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs at info level.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs at warn level.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs at error level.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
