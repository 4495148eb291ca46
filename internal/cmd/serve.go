package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/config"
	"github.com/inercia/wsrelay/internal/defense"
	"github.com/inercia/wsrelay/internal/hooks"
	"github.com/inercia/wsrelay/internal/logging"
	"github.com/inercia/wsrelay/internal/msghooks"
	"github.com/inercia/wsrelay/internal/relay"
	"github.com/inercia/wsrelay/internal/store"
	"github.com/inercia/wsrelay/internal/web"
)

const (
	shutdownTimeout = 15 * time.Second
	seedTimeout     = 2 * time.Second
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket relay server",
	Long: `Run the relay until SIGINT or SIGTERM, then close every connection
with 1001 after flushing its queue.

Example:
  wsrelay serve                          # Listen on server.listen
  wsrelay serve --listen 0.0.0.0:8089    # Override the listen address
  wsrelay serve --config ./wsrelay.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.Get()

	validator, err := buildValidator(cmd.Context(), cfg.Auth)
	if err != nil {
		return err
	}

	var limiter *auth.FailureLimiter
	if cfg.Auth.MaxFailures > 0 {
		limiter = auth.NewFailureLimiter(cfg.Auth.MaxFailures, cfg.Auth.FailureWindow, cfg.Auth.LockoutDuration)
	}

	eventStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}

	opts := relay.Options{
		Validator:         validator,
		Limiter:           limiter,
		Handshake:         cfg.RelayHandshake(),
		FanoutConcurrency: cfg.Delivery.FanoutConcurrency,
		IdleTimeout:       cfg.Delivery.IdleTimeout,
		ReapInterval:      cfg.Delivery.ReapInterval,
		OnViolation: func(v relay.Violation) {
			logger.Error("Isolation violation", "violation", v.String())
		},
	}
	var persister *store.Persister
	if eventStore != nil {
		persister = store.NewPersister(eventStore, cfg.Store.BufferSize)
		opts.Seed = store.SeedFunc(eventStore, seedTimeout)
		opts.Sink = persister
	}

	hub, err := relay.NewHub(opts)
	if err != nil {
		return err
	}
	hub.Start()

	scanner, err := defense.New(cfg.Defense, logging.WithComponent("defense"))
	if err != nil {
		return err
	}
	wc := webConfig(cfg)
	wc.Defense = scanner
	if cfg.Inbound.HooksDir != "" {
		mh := msghooks.NewManager(cfg.Inbound.HooksDir, hub.Bridge(), logging.WithComponent("msghooks"))
		if err := mh.Load(); err != nil {
			return err
		}
		wc.InboundHandler = mh
	}

	srv, err := web.NewServer(hub, wc)
	if err != nil {
		return err
	}
	if persister != nil {
		srv.AddStatsProvider("persister", func() any { return persister.Stats() })
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	addr := ln.Addr().String()
	ln = scanner.Listener(ln)

	sm := hooks.NewShutdownManager()
	sm.SetHooks(hooks.StartUp(cfg.Hooks.Up, addr), cfg.Hooks.Down, addr)

	// Connections are closed before the persister drains, so every envelope
	// published during shutdown reaches the store.
	sm.AddCleanup(func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Server shutdown incomplete", "error", err)
		}
	})
	if persister != nil {
		sm.AddCleanup(func(reason string) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := persister.Close(ctx); err != nil {
				logger.Warn("Persister did not drain", "error", err, "stats", persister.Stats())
			}
			if err := eventStore.Close(); err != nil {
				logger.Warn("Failed to close event store", "error", err)
			}
		})
	}
	sm.AddCleanup(func(string) { _ = scanner.Close() })
	if limiter != nil {
		sm.AddCleanup(func(string) { limiter.Close() })
	}
	if watcher := watchConfig(cfgPath, logger); watcher != nil {
		sm.AddCleanup(func(string) { _ = watcher.Close() })
	}
	sm.Start()

	logger.Info("wsrelay listening",
		"addr", addr,
		"auth_mode", cfg.Auth.Mode,
		"store", cfg.Store.Driver,
		"publish_api", cfg.Publish.ResolvedToken() != "",
		"defense", scanner.Enabled(),
	)

	if err := srv.Serve(ln); err != nil {
		sm.Shutdown("serve error")
		return fmt.Errorf("server error: %w", err)
	}
	<-sm.Done()
	return nil
}

// buildValidator returns the credential validator for the configured mode,
// wrapped with the required permission check when one is set.
func buildValidator(ctx context.Context, ac config.AuthConfig) (auth.Validator, error) {
	var v auth.Validator
	switch ac.Mode {
	case config.AuthModeJWT:
		jv, err := auth.NewJWTValidator(ac.Secret(), ac.Issuer)
		if err != nil {
			return nil, err
		}
		v = jv
	case config.AuthModeOIDC:
		if ctx == nil {
			ctx = context.Background()
		}
		ov, err := auth.NewOIDCValidator(ctx, ac.Issuer, ac.ClientID)
		if err != nil {
			return nil, err
		}
		v = ov
	case config.AuthModeStatic:
		v = auth.NewStaticValidator(ac.StaticIdentities())
	default:
		return nil, fmt.Errorf("unknown auth mode %q", ac.Mode)
	}
	if ac.RequiredPermission != "" {
		v = auth.RequirePermission(v, ac.RequiredPermission)
	}
	return v, nil
}

// openStore returns nil for the none driver.
func openStore(sc config.StoreConfig) (store.EventStore, error) {
	switch sc.Driver {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	}
	path, err := sc.ResolvedPath()
	if err != nil {
		return nil, err
	}
	switch sc.Driver {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreFile:
		s, err := store.NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

// webConfig maps the configuration onto the web server.
func webConfig(c *config.Config) web.Config {
	wc := web.Config{
		Listen: c.Server.Listen,
		WebSocket: web.WebSocketSecurityConfig{
			AllowedOrigins:      c.Server.AllowedOrigins,
			MaxMessageSize:      c.Server.MaxMessageSize,
			MaxConnectionsPerIP: c.Server.MaxConnectionsPerIP,
			PongWait:            c.Server.PongWait,
			WriteWait:           c.Server.WriteWait,
		},
		Security:         web.SecurityConfig{EnableHSTS: c.Server.EnableHSTS},
		TrustedProxies:   c.Server.TrustedProxies,
		InboundWorkers:   c.Inbound.Workers,
		InboundQueueSize: c.Inbound.QueueSize,
		InboundRate:      c.Inbound.RatePerSecond,
		InboundBurst:     c.Inbound.Burst,
		PublishToken:     c.Publish.ResolvedToken(),
		PublishRateLimit: web.RateLimitConfig{
			RequestsPerSecond: c.Publish.RequestsPerSecond,
			BurstSize:         c.Publish.Burst,
		},
	}
	if c.Logging.AccessLog != "" {
		wc.AccessLog = web.AccessLogConfig{
			Path:       c.Logging.AccessLog,
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
		}
	}
	return wc
}

// watchConfig re-applies the log level and components when the config file
// changes. Other settings need a restart. It returns nil when the file does
// not exist.
func watchConfig(path string, logger *slog.Logger) *config.Watcher {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	w, err := config.NewWatcher(path, logging.WithComponent("config"))
	if err != nil {
		logger.Warn("Config watcher disabled", "path", path, "error", err)
		return nil
	}
	w.Subscribe(config.SubscriberFunc(func(ev config.ChangeEvent) {
		if ev.Err != nil {
			logger.Warn("Ignoring invalid config change", "path", ev.Path, "error", ev.Err)
			return
		}
		lc := loggingConfig(ev.Config.Logging)
		logging.SetLevel(lc.Level)
		logging.SetComponents(lc.Components)
		logger.Info("Configuration reloaded", "level", lc.Level)
	}))
	w.Start()
	return w
}
