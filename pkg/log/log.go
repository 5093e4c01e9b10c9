package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string such as "debug" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Field is a single structured key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Str creates a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 creates a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool creates a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur creates a duration field rendered in milliseconds.
func Dur(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.Milliseconds()}
}

// Err creates an error field under the conventional "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component tags log entries with the emitting component name.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Logger is the structured logging facade used across the codebase.
// Implementations are safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that attaches the given fields to every entry.
	With(fields ...Field) Logger

	// SetLevel sets the minimum level emitted by this logger and all
	// loggers derived from it.
	SetLevel(level Level)
}

// Option configures a logger at construction time.
type Option func(*options)

type options struct {
	level  Level
	format string
	out    io.Writer
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) Option { return func(o *options) { o.level = level } }

// WithFormat selects the output encoding: "text" (default) or "json".
func WithFormat(format string) Option { return func(o *options) { o.format = format } }

// WithWriter directs output to w instead of stderr.
func WithWriter(w io.Writer) Option { return func(o *options) { o.out = w } }

type baseLogger struct {
	sl    *slog.Logger
	level *slog.LevelVar
}

// NewLogger builds a Logger backed by a stdlib slog handler.
func NewLogger(opts ...Option) Logger {
	o := options{level: InfoLevel, format: "text", out: os.Stderr}
	for _, apply := range opts {
		apply(&o)
	}
	lv := new(slog.LevelVar)
	lv.Set(o.level.slog())
	hopts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if strings.EqualFold(o.format, "json") {
		h = slog.NewJSONHandler(o.out, hopts)
	} else {
		h = slog.NewTextHandler(o.out, hopts)
	}
	return &baseLogger{sl: slog.New(h), level: lv}
}

// NewNop returns a Logger that discards everything. Useful as a default in
// constructors that accept an optional Logger.
func NewNop() Logger {
	return NewLogger(WithWriter(io.Discard), WithLevel(ErrorLevel))
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.sl.Debug(msg, attrs(fields)...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.sl.Info(msg, attrs(fields)...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.sl.Warn(msg, attrs(fields)...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.sl.Error(msg, attrs(fields)...) }

func (l *baseLogger) With(fields ...Field) Logger {
	return &baseLogger{sl: l.sl.With(attrs(fields)...), level: l.level}
}

func (l *baseLogger) SetLevel(level Level) { l.level.Set(level.slog()) }
