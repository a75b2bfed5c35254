package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger is a structured logger with context-first methods, a level that can
// be raised after construction and redaction of credentials that tend to leak
// through storage DSNs and provider endpoints.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	logger.Info(ctx, "experiment activated", "experiment", "FROG", "group", "1")
type Logger struct {
	logger  *slog.Logger
	level   *slog.LevelVar
	redacts []*regexp.Regexp
}

// levelHandler filters records against its own level so loggers that share
// an output can still have independent levels.
type levelHandler struct {
	slog.Handler
	level slog.Leveler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	AddSource bool

	// RedactPatterns are extra regular expressions whose matches are replaced
	// with [REDACTED].
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey carries the inbound HTTP request id.
	RequestIDKey ContextKey = "request_id"

	// VisitorIDKey carries the visitor whose preferences are in use.
	VisitorIDKey ContextKey = "visitor_id"
)

// DefaultRedactPatterns covers passwords in connection strings and bearer
// tokens sent to assignment backends.
var DefaultRedactPatterns = []string{
	`(?i)(password|passwd|pwd|secret)[\s:=]+["']?([^\s"'&]{4,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(postgres(?:ql)?|redis|rediss)://([^:/@\s]+):([^@\s]+)@`,
}

// NewLogger creates a logger. An empty or unknown level means info.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	level := new(slog.LevelVar)
	level.Set(LogLevelFromString(config.Level))

	// The inner handler accepts everything; levelHandler does the filtering.
	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: config.AddSource,
	}

	var inner slog.Handler
	if strings.EqualFold(config.Format, "text") {
		inner = slog.NewTextHandler(config.Output, opts)
	} else {
		inner = slog.NewJSONHandler(config.Output, opts)
	}
	handler := &levelHandler{Handler: inner, level: level}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		level:   level,
		redacts: redacts,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLogger(LogConfig{Output: io.Discard, Level: "error"})
}

// Debug logs a debug-level message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message. Errors passed as args are redacted like
// any other string.
//
// Example:
//
//	logger.Error(ctx, "assignment failed", "experiment", id, "error", err)
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]any, 0, len(args)+4)
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if id, ok := ctx.Value(VisitorIDKey).(string); ok && id != "" {
		attrs = append(attrs, "visitor_id", id)
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, l.redactString(msg), attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithFields returns a logger that adds args to every record. The level is
// shared with the parent.
//
//	managerLogger := logger.WithFields("component", "manager")
func (l *Logger) WithFields(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		logger:  l.logger.With(args...),
		level:   l.level,
		redacts: l.redacts,
	}
}

// WithOwnLevel returns a logger with the same fields and output but a level
// of its own, starting at the current level. EnableDebug on the result does
// not affect the parent.
func (l *Logger) WithOwnLevel() *Logger {
	if l == nil {
		return nil
	}
	level := new(slog.LevelVar)
	level.Set(l.level.Level())

	inner := l.logger.Handler()
	if lh, ok := inner.(*levelHandler); ok {
		inner = lh.Handler
	}
	return &Logger{
		logger:  slog.New(&levelHandler{Handler: inner, level: level}),
		level:   level,
		redacts: l.redacts,
	}
}

// EnableDebug lowers the minimum level to debug for this logger and every
// logger derived from it.
func (l *Logger) EnableDebug() {
	if l == nil {
		return
	}
	l.level.Set(slog.LevelDebug)
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level string) {
	if l == nil {
		return
	}
	l.level.Set(LogLevelFromString(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Slog exposes the underlying slog logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddVisitorID adds a visitor ID to the context.
func AddVisitorID(ctx context.Context, visitorID string) context.Context {
	return context.WithValue(ctx, VisitorIDKey, visitorID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
