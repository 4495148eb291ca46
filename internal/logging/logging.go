// Package logging configures the process-wide slog logger and hands out
// per-component child loggers that can be filtered at runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogConfig enables a rotated log file next to stderr.
type FileLogConfig struct {
	// Path of the log file. Empty disables file logging.
	Path string
	// MaxSizeMB defaults to 10.
	MaxSizeMB int
	// MaxBackups defaults to 3 when negative.
	MaxBackups int
	Compress   bool
}

// Config selects the level, format and destinations of the process logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level   string
	FileLog *FileLogConfig
	JSON    bool
	// Components limits output to the named components. Empty logs all.
	Components []string
}

// state is everything Initialize replaces.
type state struct {
	mu     sync.Mutex
	logger *slog.Logger
	file   io.Closer
}

var (
	current state
	level   slog.LevelVar

	// components is nil when every component is logged.
	components atomic.Pointer[map[string]struct{}]
)

// Initialize installs the process logger and makes it slog's default. It
// closes the file opened by a previous call.
func Initialize(cfg Config) error {
	SetLevel(cfg.Level)
	SetComponents(cfg.Components)

	out, file := openOutput(cfg.FileLog)
	logger := slog.New(newHandler(out, cfg.JSON))

	current.mu.Lock()
	previous := current.file
	current.logger, current.file = logger, file
	current.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	slog.SetDefault(logger)
	return nil
}

func openOutput(fc *FileLogConfig) (io.Writer, io.Closer) {
	if fc == nil || fc.Path == "" {
		return os.Stderr, nil
	}
	rotated := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		Compress:   fc.Compress,
	}
	if rotated.MaxSize <= 0 {
		rotated.MaxSize = 10
	}
	if rotated.MaxBackups < 0 {
		rotated.MaxBackups = 3
	}
	return io.MultiWriter(os.Stderr, rotated), rotated
}

func newHandler(w io.Writer, json bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: &level}
	if json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Get returns the process logger, or slog.Default before Initialize.
func Get() *slog.Logger {
	current.mu.Lock()
	defer current.mu.Unlock()
	if current.logger == nil {
		return slog.Default()
	}
	return current.logger
}

// Close releases the log file, if any.
func Close() error {
	current.mu.Lock()
	file := current.file
	current.file = nil
	current.mu.Unlock()

	if file == nil {
		return nil
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to slog. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetLevel changes the level of every logger handed out so far.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

func Level() slog.Level {
	return level.Level()
}

// SetComponents replaces the component filter. An empty list logs all.
func SetComponents(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		components.Store(nil)
		return
	}
	components.Store(&set)
}

func componentEnabled(name string) bool {
	set := components.Load()
	if set == nil {
		return true
	}
	_, ok := (*set)[name]
	return ok
}

// componentFilterHandler drops records of a component left out of the
// filter. The filter is checked on every record so SetComponents applies to
// loggers created earlier.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return componentEnabled(h.component) && h.inner.Enabled(ctx, l)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !componentEnabled(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a child of the process logger tagged with
// component=name.
func WithComponent(name string) *slog.Logger {
	inner := Get().Handler().WithAttrs([]slog.Attr{slog.String("component", name)})
	return slog.New(&componentFilterHandler{inner: inner, component: name})
}

func Registry() *slog.Logger  { return WithComponent("registry") }
func Handshake() *slog.Logger { return WithComponent("handshake") }
func Router() *slog.Logger    { return WithComponent("router") }
func Bridge() *slog.Logger    { return WithComponent("bridge") }
func Delivery() *slog.Logger  { return WithComponent("delivery") }
func Auth() *slog.Logger      { return WithComponent("auth") }
func Store() *slog.Logger     { return WithComponent("store") }
func Web() *slog.Logger       { return WithComponent("web") }
func Shutdown() *slog.Logger  { return WithComponent("shutdown") }
func Hook() *slog.Logger      { return WithComponent("hook") }

// WithConnection tags base with the connection and, once known, the user.
// A nil base yields nil.
func WithConnection(base *slog.Logger, connectionID, userID string) *slog.Logger {
	if base == nil {
		return nil
	}
	l := base.With("connection_id", connectionID)
	if userID != "" {
		l = l.With("user_id", userID)
	}
	return l
}
