package web

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig configures the security access log.
type AccessLogConfig struct {
	// Path of the log file. Empty disables access logging.
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Access log event names.
const (
	EventPublish             = "publish"
	EventPublishUnauthorized = "publish_unauthorized"
	EventPublishRejected     = "publish_rejected"
	EventRateLimited         = "rate_limited"
	EventUnauthorized        = "unauthorized"
	EventForbidden           = "forbidden"
	EventHandshakeFailed     = "handshake_failed"
)

// AccessLogger writes security-relevant events as JSON lines to a rotated
// file: publish calls, refused requests and failed WebSocket handshakes.
// A nil *AccessLogger is a valid no-op.
type AccessLogger struct {
	file   io.WriteCloser
	logger *slog.Logger

	mu       sync.RWMutex
	clientIP func(*http.Request) string
}

// NewAccessLogger returns nil when config.Path is empty.
func NewAccessLogger(config AccessLogConfig) *AccessLogger {
	if config.Path == "" {
		return nil
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 10
	}
	if config.MaxBackups < 0 {
		config.MaxBackups = 1
	}
	file := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
	}
	return newAccessLogger(file)
}

func newAccessLogger(w io.WriteCloser) *AccessLogger {
	return &AccessLogger{
		file:     w,
		logger:   slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})),
		clientIP: func(r *http.Request) string { return hostOnly(r.RemoteAddr) },
	}
}

// SetClientIPFunc sets how the client address is resolved, e.g. through a
// TrustedProxyChecker.
func (a *AccessLogger) SetClientIPFunc(fn func(*http.Request) string) {
	if a == nil || fn == nil {
		return
	}
	a.mu.Lock()
	a.clientIP = fn
	a.mu.Unlock()
}

func (a *AccessLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.file.Close()
}

// Event records one event for the client behind r. status and duration are
// omitted when zero.
func (a *AccessLogger) Event(r *http.Request, event string, status int, duration time.Duration, attrs ...slog.Attr) {
	if a == nil {
		return
	}
	a.mu.RLock()
	clientIP := a.clientIP(r)
	a.mu.RUnlock()

	all := []slog.Attr{
		slog.String("event", event),
		slog.String("client_ip", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("user_agent", r.UserAgent()),
	}
	if status != 0 {
		all = append(all, slog.Int("status", status))
	}
	if duration > 0 {
		all = append(all, slog.Int64("duration_ms", duration.Milliseconds()))
	}
	all = append(all, attrs...)
	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", all...)
}

// Handshake records a WebSocket handshake closed with code before the
// connection was admitted.
func (a *AccessLogger) Handshake(r *http.Request, connectionID string, code int, reason string) {
	a.Event(r, EventHandshakeFailed, 0, 0,
		slog.String("connection_id", connectionID),
		slog.Int("close_code", code),
		slog.String("reason", reason),
	)
}

// accessLogResponseWriter records the status and size of a response. It
// keeps Hijack working for WebSocket upgrades.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
	hijacked     bool
}

func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *accessLogResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

func (w *accessLogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware logs publish calls and refused requests. Everything else,
// upgraded connections included, passes through unlogged.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &accessLogResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if wrapped.hijacked {
			return
		}
		if event := classifyRequest(r, wrapped.statusCode); event != "" {
			a.Event(r, event, wrapped.statusCode, time.Since(start), slog.Int64("bytes", wrapped.bytesWritten))
		}
	})
}

// classifyRequest names the access log event for a finished request, or ""
// when it is not logged.
func classifyRequest(r *http.Request, statusCode int) string {
	if r.URL.Path == PathPublish && r.Method == http.MethodPost {
		switch {
		case statusCode < 300:
			return EventPublish
		case statusCode == http.StatusUnauthorized:
			return EventPublishUnauthorized
		case statusCode == http.StatusTooManyRequests:
			return EventRateLimited
		default:
			return EventPublishRejected
		}
	}
	switch statusCode {
	case http.StatusUnauthorized:
		return EventUnauthorized
	case http.StatusForbidden:
		return EventForbidden
	case http.StatusTooManyRequests:
		return EventRateLimited
	}
	return ""
}
