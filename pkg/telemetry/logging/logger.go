package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"mercator-hq/conduit/pkg/config"
)

// LogFormat names a handler. json and text are the slog handlers; console
// is the text handler without timestamps, for terminals and journald.
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatText    LogFormat = "text"
	FormatConsole LogFormat = "console"
)

// Logger is a *slog.Logger with credential redaction and a level that can
// be changed at runtime. A nil *Logger discards everything.
type Logger struct {
	slog     *slog.Logger
	redactor *Redactor

	// level is shared by every logger derived through With.
	level *slog.LevelVar
}

// Config selects the handler of a Logger. Writer defaults to os.Stdout.
type Config struct {
	Level     string
	Format    string
	AddSource bool
	Redact    bool
	Writer    io.Writer
}

// FromConfig converts the telemetry section of the configuration.
func FromConfig(cfg config.LoggingConfig) Config {
	return Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		AddSource: cfg.AddSource,
		Redact:    cfg.Redact,
	}
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid log format: %w", err)
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}

	lv := new(slog.LevelVar)
	lv.Set(level)
	opts := &slog.HandlerOptions{Level: lv, AddSource: cfg.AddSource}

	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatText:
		h = slog.NewTextHandler(w, opts)
	case FormatConsole:
		opts.ReplaceAttr = dropTime
		h = slog.NewTextHandler(w, opts)
	}

	l := &Logger{slog: slog.New(h), level: lv}
	if cfg.Redact {
		l.redactor = NewRedactor()
	}
	return l, nil
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// FromSlog wraps an existing slog logger. Redaction is off and SetLevel
// has no effect; the handler keeps its own level.
func FromSlog(s *slog.Logger) *Logger {
	if s == nil {
		s = slog.Default()
	}
	return &Logger{slog: s}
}

// Default wraps slog.Default.
func Default() *Logger {
	return FromSlog(slog.Default())
}

// Discard returns a logger that drops everything, for tests.
func Discard() *Logger {
	return FromSlog(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4})))
}

// Slog returns the underlying slog logger for packages that take one.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l.slog
}

// SetLevel changes the minimum level of l and every logger derived from
// it. It is used on configuration reload.
func (l *Logger) SetLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	if l.level != nil {
		l.level.Set(lvl)
	}
	return nil
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, append(extractContextFields(ctx), args...)...)
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, append(extractContextFields(ctx), args...)...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, append(extractContextFields(ctx), args...)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, append(extractContextFields(ctx), args...)...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	// Fast path: if level is disabled, return immediately
	if !l.slog.Enabled(ctx, level) {
		return
	}
	if l.redactor != nil {
		args = l.redactor.RedactArgs(args...)
	}
	l.slog.Log(ctx, level, msg, args...)
}

// With creates a new logger with additional fields.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	if l.redactor != nil {
		args = l.redactor.RedactArgs(args...)
	}
	return &Logger{slog: l.slog.With(args...), redactor: l.redactor, level: l.level}
}

// WithContext creates a new logger with context values.
// It binds the request, backend and address fields and the span IDs.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	args := extractContextFields(ctx)
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

// parseLevel accepts the slog level names in any case, with an optional
// offset ("debug", "WARN", "info+2"), plus "warning". Empty means info.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
	return lvl, nil
}

func parseFormat(s string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(s)); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText, FormatConsole:
		return f, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format: %s", s)
	}
}
