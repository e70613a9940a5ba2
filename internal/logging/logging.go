package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// Convenience helpers for common field types.
func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field          { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field        { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field                { return Field{Key: key, Value: value} }

// Err records err under the "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is a small structured logging interface that can be backed by slog or
// other structured loggers.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls basic logger behaviour.
type Config struct {
	Level     string    // debug, info, warn, error
	Format    string    // json or text
	AddSource bool      // include source locations
	Output    io.Writer // defaults to stdout
}

// New constructs a Logger backed by slog with the provided config.
func New(cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return &slogger{l: slog.New(handler)}
}

// ConfigFromEnv reads LOG_LEVEL and LOG_FORMAT, leaving unset values to the
// text handler at info level.
func ConfigFromEnv() Config {
	return Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	}
}

// NewFromEnv constructs a logger from ConfigFromEnv writing to stderr. It is
// for reporting failures that happen before the full configuration loads.
func NewFromEnv() Logger {
	cfg := ConfigFromEnv()
	cfg.Output = os.Stderr
	return New(cfg)
}

// Noop returns a logger that drops all logs.
func Noop() Logger { return noopLogger{} }

type slogger struct {
	l *slog.Logger
}

func (s *slogger) With(fields ...Field) Logger {
	return &slogger{l: s.l.With(toArgs(fields...)...)}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelDebug, msg, toAttrs(fields...)...)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelInfo, msg, toAttrs(fields...)...)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelWarn, msg, toAttrs(fields...)...)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelError, msg, toAttrs(fields...)...)
}

type noopLogger struct{}

func (noopLogger) With(fields ...Field) Logger             { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

func toAttrs(fields ...Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func toArgs(fields ...Field) []any {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return args
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
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

// ---- Request-scoped helpers ----

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	loggerKey    ctxKey = "logger"
)

// EnsureRequestID attaches a request_id to the context if absent and returns
// the updated context plus the ID.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return ContextWithRequestID(ctx, id), id
}

// ContextWithRequestID stores request_id in context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts request_id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestLogger ensures a request_id exists, and returns the updated
// context alongside a logger annotated with that ID.
func WithRequestLogger(ctx context.Context, base Logger) (context.Context, Logger) {
	if base == nil {
		base = Noop()
	}
	ctx, id := EnsureRequestID(ctx)
	return ctx, base.With(String("request_id", id))
}

// ContextWithLogger stores a logger on the context.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	if l == nil {
		l = Noop()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromContext fetches a logger from context if present; otherwise it
// returns fallback.
func LoggerFromContext(ctx context.Context, fallback Logger) Logger {
	if ctx != nil {
		if v, ok := ctx.Value(loggerKey).(Logger); ok {
			return v
		}
	}
	if fallback == nil {
		return Noop()
	}
	return fallback
}
