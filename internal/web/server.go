package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/wsrelay/internal/defense"
	"github.com/inercia/wsrelay/internal/logging"
	"github.com/inercia/wsrelay/internal/relay"
)

// Endpoint paths.
const (
	PathWebSocket = "/ws"
	PathPublish   = "/api/publish"
	PathHealth    = "/api/health"
	PathStats     = "/api/stats"
)

// Config holds the web server configuration.
type Config struct {
	// Listen is the address used by ListenAndServe.
	Listen string

	WebSocket      WebSocketSecurityConfig
	Security       SecurityConfig
	TrustedProxies []string

	// Inbound frames are handled on a shared pool, sharded by connection.
	InboundWorkers   int
	InboundQueueSize int
	// InboundRate is the per-connection frame rate. Zero disables the limit.
	InboundRate  float64
	InboundBurst int
	// InboundHandler receives frames the server does not interpret. Defaults
	// to logging them.
	InboundHandler relay.InboundHandler

	// PublishToken enables POST /api/publish and protects /api/stats.
	// Empty disables the publish endpoint and leaves stats open.
	PublishToken     string
	PublishRateLimit RateLimitConfig

	// AccessLog is the security access log. An empty path disables it.
	AccessLog AccessLogConfig

	// RequestTimeout bounds plain HTTP requests.
	RequestTimeout time.Duration

	// Defense, when enabled, sees every request and handshake outcome. The
	// caller owns it and wraps the listener with it.
	Defense *defense.ScannerDefense
}

// StatsProvider adds a named section to /api/stats.
type StatsProvider func() any

// Server is the wsrelay HTTP server.
type Server struct {
	config     Config
	hub        *relay.Hub
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time

	wsConfig       WebSocketSecurityConfig
	upgrader       websocket.Upgrader
	tracker        *ConnectionTracker
	proxies        *TrustedProxyChecker
	inbound        *relay.InboundPool
	inboundHandler relay.InboundHandler
	publishLimiter *GeneralRateLimiter
	accessLogger   *AccessLogger
	// recordDefense receives handshake and request outcomes when the
	// scanner defense is enabled.
	recordDefense func(ip string, req defense.RequestInfo)

	// baseCtx outlives requests; connection handshakes use it so a hijacked
	// request context does not cut validation short.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	statsMu        sync.RWMutex
	statsProviders map[string]StatsProvider

	shutdown     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates the server for hub. The hub is started by the caller.
func NewServer(hub *relay.Hub, config Config) (*Server, error) {
	if hub == nil {
		return nil, errors.New("web server requires a hub")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	logger := logging.Web()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:         config,
		hub:            hub,
		logger:         logger,
		startedAt:      time.Now(),
		wsConfig:       config.WebSocket.withDefaults(),
		tracker:        NewConnectionTracker(config.WebSocket.MaxConnectionsPerIP),
		proxies:        NewTrustedProxyChecker(config.TrustedProxies),
		inbound:        relay.NewInboundPool(config.InboundWorkers, config.InboundQueueSize),
		inboundHandler: config.InboundHandler,
		accessLogger:   NewAccessLogger(config.AccessLog),
		recordDefense:  config.Defense.RecordRequest,
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		statsProviders: make(map[string]StatsProvider),
	}
	if s.inboundHandler == nil {
		s.inboundHandler = relay.LogInboundHandler(logging.WithComponent("inbound"))
	}
	s.upgrader = newUpgrader(s.wsConfig, func(origin, host string, allowed bool, reason string) {
		if !allowed {
			logger.Warn("WebSocket origin rejected", "origin", origin, "host", host, "reason", reason)
		}
	})
	s.accessLogger.SetClientIPFunc(s.proxies.ClientIP)
	if config.Defense.Enabled() {
		s.statsProviders["defense"] = func() any { return config.Defense.Stats() }
	}

	mux := http.NewServeMux()
	mux.HandleFunc(PathWebSocket, s.handleWebSocket)
	mux.HandleFunc(PathHealth, s.handleHealthCheck)
	mux.HandleFunc(PathStats, s.handleStats)
	if config.PublishToken != "" {
		rl := config.PublishRateLimit
		if rl.RequestsPerSecond == 0 && rl.BurstSize == 0 {
			rl = DefaultRateLimitConfig()
		}
		s.publishLimiter = NewGeneralRateLimiter(rl)
		s.statsProviders["publish_limiter"] = func() any { return s.publishLimiter.Stats() }
		mux.Handle(PathPublish, s.publishLimiter.Middleware(s.proxies.ClientIP, http.HandlerFunc(s.handlePublish)))
	} else {
		logger.Info("Publish API disabled: no publish token configured")
	}

	var handler http.Handler = mux
	handler = s.loggingMiddleware(handler)
	handler = s.accessLogger.Middleware(handler)
	handler = s.defenseMiddleware(handler)
	handler = requestSizeLimitMiddleware(maxRequestBody)(handler)
	handler = requestTimeoutMiddleware(config.RequestTimeout)(handler)
	handler = securityHeadersMiddleware(config.Security)(handler)
	handler = hideServerInfoMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s, nil
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Serving", "addr", listener.Addr().String())
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on Config.Listen and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ln)
}

// Handler returns the HTTP handler for the server.
// This is useful for testing with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the delivery core served by s.
func (s *Server) Hub() *relay.Hub {
	return s.hub
}

// AddStatsProvider adds a section to /api/stats, e.g. persister counters.
func (s *Server) AddStatsProvider(name string, provider StatsProvider) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.statsProviders[name] = provider
}

// IsShutdown reports whether Shutdown has started.
func (s *Server) IsShutdown() bool {
	return s.shutdown.Load()
}

// Shutdown stops accepting requests, closes every connection through its
// worker with 1001, then stops the inbound pool. It is safe to call more
// than once; later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdown.Store(true)
		var errs []error

		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.hub.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
		s.cancelBase()
		if err := s.inbound.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("inbound pool: %w", err))
		}
		if s.publishLimiter != nil {
			s.publishLimiter.Close()
		}
		if err := s.accessLogger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("access log: %w", err))
		}

		s.shutdownErr = errors.Join(errs...)
		s.logger.Info("Web server stopped", "error", s.shutdownErr)
	})
	return s.shutdownErr
}

// handleHealthCheck is intentionally unauthenticated for load balancers.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unhealthy",
			"reason":  "server_shutting_down",
			"message": "Server is shutting down",
		})
		return
	}
	writeJSONOK(w, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": s.hub.Registry().Len(),
	})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	relay.Stats
	Isolation     relay.IsolationReport `json:"isolation"`
	Sockets       int                   `json:"sockets"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Extra         map[string]any        `json:"extra,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.config.PublishToken != "" && !s.publishAuthorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="wsrelay"`)
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	resp := StatsResponse{
		Stats:         s.hub.Stats(),
		Isolation:     s.hub.Validator().Report(),
		Sockets:       s.tracker.TotalConnections(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	s.statsMu.RLock()
	if len(s.statsProviders) > 0 {
		resp.Extra = make(map[string]any, len(s.statsProviders))
		for name, provider := range s.statsProviders {
			resp.Extra[name] = provider()
		}
	}
	s.statsMu.RUnlock()

	writeJSONOK(w, resp)
}

// loggingMiddleware logs HTTP requests at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &accessLogResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", s.proxies.ClientIP(r),
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"user_agent", r.UserAgent(),
		)
	})
}
