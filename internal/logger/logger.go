package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

type attrsKeyT struct{}

var attrsKey attrsKeyT

// contextHandler adds attributes stored in the context by WithAttrs to every
// record. A key the record already carries is not added again.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok && len(a) > 0 {
		present := make(map[string]bool, r.NumAttrs()+len(a))
		r.Attrs(func(attr slog.Attr) bool {
			present[attr.Key] = true
			return true
		})
		for _, attr := range a {
			if present[attr.Key] {
				continue
			}
			present[attr.Key] = true
			r.AddAttrs(attr)
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel converts a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes the logger with the given log level
func Init(level string) {
	InitWriter(os.Stderr, level)
}

// InitWriter initializes the logger writing JSON records to w
func InitWriter(w io.Writer, level string) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	l := slog.New(contextHandler{Handler: slog.NewJSONHandler(w, opts)})
	logger.Store(l)

	// Set the global logger
	slog.SetDefault(l)
}

// Get returns the logger instance
func Get() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	// Initialize with default level if not already initialized
	l := slog.New(contextHandler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
	if logger.CompareAndSwap(nil, l) {
		slog.SetDefault(l)
	}
	return logger.Load()
}

// WithAttrs returns a context carrying attrs, which are added to every record
// logged with that context
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(attrsKey).([]slog.Attr)
	a := make([]slog.Attr, 0, len(prev)+len(attrs))
	a = append(a, prev...)
	a = append(a, attrs...)
	return context.WithValue(ctx, attrsKey, a)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
