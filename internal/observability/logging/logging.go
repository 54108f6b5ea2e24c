// Package logging configures the process-wide structured logger and a
// bounded in-memory tail of recent entries surfaced by the /logs command.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"bitriver-submerger/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	handler := newHandler(cfg, writer)
	return slog.New(handler)
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l := slog.LevelDebug
		return &l
	case "warn", "warning":
		l := slog.LevelWarn
		return &l
	case "error":
		l := slog.LevelError
		return &l
	case "info", "":
		fallthrough
	default:
		l := slog.LevelInfo
		return &l
	}
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	loggerKey    contextKey = "logger"
)

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, trimmed)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok && value != ""
}

// ContextWithSessionID adds the provided session principal ID to the context
// when it is non-empty.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, trimmed)
}

// SessionIDFromContext extracts the session principal ID previously stored
// on the context.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(sessionIDKey).(string)
	return value, ok && value != ""
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext returns a logger annotated with request and session IDs held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if sessionID, ok := SessionIDFromContext(ctx); ok {
		logger = logger.With("session_id", sessionID)
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger returns middleware that logs HTTP requests using the provided
// configuration. It captures method, path, status, duration, and optionally the
// remote address alongside any additional fields supplied by the caller.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			requestLogger := WithContext(r.Context(), baseLogger)
			if requestLogger == nil {
				return
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"duration_ms", duration.Milliseconds(),
			}

			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}

			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
			}

			requestLogger.Info("request completed", attrs...)
		})
	}
}

// TailBuffer is a fixed-capacity ring buffer of recent log lines, wrapped
// around any slog.Handler so the /logs command can serve a recent tail
// without standing up a separate log aggregator.
type TailBuffer struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	next     int
	filled   bool
}

// NewTailBuffer constructs a TailBuffer holding at most capacity lines.
// capacity <= 0 defaults to 200.
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &TailBuffer{lines: make([]string, capacity), capacity: capacity}
}

func (b *TailBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.filled = true
	}
}

// Tail returns up to n of the most recently appended lines, oldest first. A
// non-positive n returns everything buffered.
func (b *TailBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []string
	if b.filled {
		ordered = append(ordered, b.lines[b.next:]...)
		ordered = append(ordered, b.lines[:b.next]...)
	} else {
		ordered = append(ordered, b.lines[:b.next]...)
	}
	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

// TailHandler wraps a slog.Handler, writing every formatted record into a
// TailBuffer in addition to delegating to the wrapped handler.
type TailHandler struct {
	slog.Handler
	buffer *TailBuffer
}

// NewTailHandler wraps handler so every record it emits is also captured in
// buffer.
func NewTailHandler(handler slog.Handler, buffer *TailBuffer) *TailHandler {
	return &TailHandler{Handler: handler, buffer: buffer}
}

// Handle formats the record as a single line and appends it to the tail
// buffer before delegating to the wrapped handler.
func (h *TailHandler) Handle(ctx context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Time.UTC().Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(record.Level.String())
	b.WriteString(" ")
	b.WriteString(record.Message)
	record.Attrs(func(attr slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(attr.Key)
		b.WriteString("=")
		b.WriteString(attr.Value.String())
		return true
	})
	h.buffer.append(b.String())
	return h.Handler.Handle(ctx, record)
}

// WithAttrs preserves the tail-capturing behavior across derived loggers.
func (h *TailHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TailHandler{Handler: h.Handler.WithAttrs(attrs), buffer: h.buffer}
}

// WithGroup preserves the tail-capturing behavior across derived loggers.
func (h *TailHandler) WithGroup(name string) slog.Handler {
	return &TailHandler{Handler: h.Handler.WithGroup(name), buffer: h.buffer}
}
