// Package logging provides structured logging for the sidecar supervisor.
//
// It wraps log/slog with:
// - Configurable level, text or JSON format, and optional log file
// - Supervisor instance correlation carried through context
// - Component-scoped loggers
//
// Example usage:
//
//	logger, err := logging.NewLogger(cfg.Logging)
//	logger.Info("Sidecar started", "pid", pid, "executable", path)
//
//	ctx = logging.WithInstanceID(ctx, instanceID)
//	logger.InfoContext(ctx, "Relay finished")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bebsworthy/sidecar/internal/config"
)

// InstanceIDKey is the context key for supervisor instance IDs
type InstanceIDKey struct{}

// Logger wraps slog.Logger with supervisor-specific helpers
type Logger struct {
	*slog.Logger
	config config.LoggingConfig
	writer io.Writer
}

// NewLogger creates a new structured logger with the given configuration
func NewLogger(cfg config.LoggingConfig) (*Logger, error) {
	writer, err := createLogWriter(cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	logger, err := NewLoggerWithWriter(cfg, writer)
	if err != nil {
		if closer, ok := writer.(io.Closer); ok && writer != os.Stderr {
			_ = closer.Close()
		}
		return nil, err
	}
	return logger, nil
}

// NewLoggerWithWriter creates a logger that writes to w, ignoring cfg.OutputFile
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Verbose,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return &Logger{
		Logger: slog.New(&InstanceHandler{Handler: handler}),
		config: cfg,
		writer: w,
	}, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// createLogWriter creates the appropriate writer for log output
func createLogWriter(outputFile string) (io.Writer, error) {
	if outputFile == "" {
		return os.Stderr, nil
	}

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", outputFile, err)
	}

	return file, nil
}

// InstanceHandler stamps the supervisor instance ID carried by the context
type InstanceHandler struct {
	slog.Handler
}

// Handle adds instance_id when present in ctx
func (h *InstanceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := GetInstanceID(ctx); id != "" {
		r.AddAttrs(slog.String("instance_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes
func (h *InstanceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &InstanceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group
func (h *InstanceHandler) WithGroup(name string) slog.Handler {
	return &InstanceHandler{Handler: h.Handler.WithGroup(name)}
}

// WithInstanceID adds a supervisor instance ID to the context
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDKey{}, id)
}

// GetInstanceID retrieves the supervisor instance ID from the context
func GetInstanceID(ctx context.Context) string {
	if id, ok := ctx.Value(InstanceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Component returns a logger scoped to a component of the supervisor
func (l *Logger) Component(component string, attrs ...any) *Logger {
	args := append([]any{slog.String("component", component)}, attrs...)
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		writer: l.writer,
	}
}

// NewSupervisorLogger scopes l to the supervisor of the named sidecar
func NewSupervisorLogger(l *Logger, sidecar string) *Logger {
	return l.Component("supervisor", slog.String("sidecar", sidecar))
}

// NewRelayLogger scopes l to the output relay of the named sidecar
func NewRelayLogger(l *Logger, sidecar string) *Logger {
	return l.Component("relay", slog.String("source", sidecar))
}

// LogError logs an error with its type and any structured details it carries
func (l *Logger) LogError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}
	if structured, ok := err.(interface{ LogAttrs() []slog.Attr }); ok {
		allAttrs = append(allAttrs, structured.LogAttrs()...)
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, msg, allAttrs...)
}

// Writer returns the destination the logger writes to
func (l *Logger) Writer() io.Writer {
	return l.writer
}

// Close closes any file resources used by the logger
func (l *Logger) Close() error {
	if l.writer == os.Stderr || l.writer == os.Stdout {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetDefault makes logger the process-wide slog default
func SetDefault(logger *Logger) {
	if logger != nil {
		slog.SetDefault(logger.Logger)
	}
}

// Discard returns a logger that drops everything, for tests and quiet callers
func Discard() *Logger {
	logger, _ := NewLoggerWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)
	return logger
}
