// Package logger provides the structured slog logger used by the videoflow
// binaries, with helpers for request, workflow instance and activity scoping.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// InstanceIDKey is the context key for workflow instance IDs.
	InstanceIDKey contextKey = "instance_id"
)

// Logger wraps slog.Logger with scoping helpers for requests, workflow
// instances and activity tasks.
type Logger struct {
	*slog.Logger
}

// Config selects level (debug, info, warn, error), format (json or text)
// and destination. Output defaults to stdout; ServiceName, when set, is
// attached to every record as "service".
type Config struct {
	Level       string
	Format      string
	Output      io.Writer
	AddSource   bool
	ServiceName string
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	if cfg.ServiceName != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", cfg.ServiceName),
		})
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

// WithRequestID returns a new logger with the request ID attached.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("request_id", requestID)),
	}
}

// WithInstanceID returns a new logger scoped to a workflow instance.
func (l *Logger) WithInstanceID(instanceID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("instance_id", instanceID)),
	}
}

// WithActivity returns a new logger scoped to one activity task.
func (l *Logger) WithActivity(activity string, taskID int) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("activity", activity),
			slog.Int("task_id", taskID),
		),
	}
}

// WithComponent returns a new logger with the component name attached.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", component)),
	}
}

// WithError returns a new logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(slog.String("error", err.Error())),
	}
}

// WithFields returns a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(attrs...),
	}
}

// ReplaySafe returns a logger that drops every record while replaying
// reports true. Workflow code logs through it so that re-deriving state from
// history does not repeat output.
func (l *Logger) ReplaySafe(replaying func() bool) *Logger {
	return &Logger{
		Logger: slog.New(&replayHandler{next: l.Logger.Handler(), replaying: replaying}),
	}
}

// FromContext extracts logger context values and returns an enriched logger.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	result := l
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
		result = result.WithRequestID(reqID)
	}
	if id, ok := ctx.Value(InstanceIDKey).(string); ok && id != "" {
		result = result.WithInstanceID(id)
	}
	return result
}

// LogFatal logs a fatal error and exits.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithInstanceID adds a workflow instance ID to the context.
func ContextWithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

// replayHandler suppresses records while the owning workflow replays history.
type replayHandler struct {
	next      slog.Handler
	replaying func() bool
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.replaying() {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.replaying() {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{next: h.next.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{next: h.next.WithGroup(name), replaying: h.replaying}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
