// Package config loads, validates and watches the wsrelay YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/wsrelay/internal/appdir"
	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/defense"
	"github.com/inercia/wsrelay/internal/logging"
	"github.com/inercia/wsrelay/internal/relay"
	"github.com/inercia/wsrelay/internal/secrets"
)

// ConfigEnv overrides the config file location.
const ConfigEnv = "WSRELAY_CONFIG"

// Auth modes.
const (
	AuthModeJWT    = "jwt"
	AuthModeOIDC   = "oidc"
	AuthModeStatic = "static"
)

// Store drivers.
const (
	StoreNone   = "none"
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	// StoreMemory keeps events for the life of the process. Sequences
	// restart at 1 after a restart.
	StoreMemory = "memory"
)

// ServerConfig configures the HTTP listener and WebSocket transport.
type ServerConfig struct {
	// Listen is the host:port to bind (default: 127.0.0.1:8089).
	Listen string `yaml:"listen"`
	// AllowedOrigins lists extra Origin values accepted on upgrade. Same-origin
	// and non-browser clients (no Origin header) are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxMessageSize bounds one inbound frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// MaxConnectionsPerIP bounds concurrent WebSocket connections per client IP.
	// Zero disables the limit.
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	PingPeriod          time.Duration `yaml:"ping_period"`
	PongWait            time.Duration `yaml:"pong_wait"`
	WriteWait           time.Duration `yaml:"write_wait"`
	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
	// EnableHSTS adds Strict-Transport-Security; only set it behind HTTPS.
	EnableHSTS bool `yaml:"enable_hsts"`
}

// HandshakeConfig holds the per-stage handshake timeouts.
type HandshakeConfig struct {
	AcceptTimeout    time.Duration `yaml:"accept_timeout"`
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

// DeliveryConfig configures per-connection queues and fan-out.
type DeliveryConfig struct {
	QueueCapacity     int                  `yaml:"queue_capacity"`
	OverflowPolicy    relay.OverflowPolicy `yaml:"overflow_policy"`
	IdleTimeout       time.Duration        `yaml:"idle_timeout"`
	ReapInterval      time.Duration        `yaml:"reap_interval"`
	FanoutConcurrency int                  `yaml:"fanout_concurrency"`
}

// InboundConfig configures the shared inbound worker pool and the
// per-connection frame rate limit.
type InboundConfig struct {
	Workers       int     `yaml:"workers"`
	QueueSize     int     `yaml:"queue_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// HooksDir holds message hook definitions run for inbound frames. Empty
	// only logs inbound frames.
	HooksDir string `yaml:"hooks_dir"`
}

// StaticToken maps one static bearer token to an identity.
type StaticToken struct {
	User        string   `yaml:"user"`
	Permissions []string `yaml:"permissions"`
}

// AuthConfig selects and configures the credential validator.
type AuthConfig struct {
	Mode string `yaml:"mode"`
	// JWTSecret is the HS256 secret. Prefer JWTSecretEnv outside development.
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	// Keychain reads the secret from the OS credential store when neither
	// the environment nor jwt_secret provides one.
	Keychain bool `yaml:"keychain"`
	// Issuer is the expected iss claim (jwt) or the provider URL (oidc).
	Issuer             string                 `yaml:"issuer"`
	ClientID           string                 `yaml:"client_id"`
	Tokens             map[string]StaticToken `yaml:"tokens"`
	RequiredPermission string                 `yaml:"required_permission"`
	MaxFailures        int                    `yaml:"max_failures"`
	FailureWindow      time.Duration          `yaml:"failure_window"`
	LockoutDuration    time.Duration          `yaml:"lockout_duration"`
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the database file (sqlite) or base directory (file). Empty uses
	// the data directory default.
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`
}

// PublishConfig configures the HTTP publish API.
type PublishConfig struct {
	// Token is the bearer token required by POST /api/publish. An empty token
	// (after resolving TokenEnv) disables the endpoint.
	Token             string  `yaml:"token"`
	TokenEnv          string  `yaml:"token_env"`
	Keychain          bool    `yaml:"keychain"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Compress   bool     `yaml:"compress"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
	// AccessLog is a file for security-relevant HTTP events. Empty disables it.
	AccessLog string `yaml:"access_log"`
}

// Hook is a shell command run at a lifecycle point. ${LISTEN} and ${PORT}
// expand to the bound address and port.
type Hook struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// HooksConfig holds the lifecycle hooks. Up starts once the listener is bound
// and is stopped at shutdown; Down runs to completion during shutdown.
type HooksConfig struct {
	Up   Hook `yaml:"up"`
	Down Hook `yaml:"down"`
}

// Config is the complete wsrelay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Publish   PublishConfig   `yaml:"publish"`
	Logging   LoggingConfig   `yaml:"logging"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Defense   defense.Config  `yaml:"defense"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:              "127.0.0.1:8089",
			MaxMessageSize:      64 * 1024,
			MaxConnectionsPerIP: 32,
			PingPeriod:          30 * time.Second,
			PongWait:            60 * time.Second,
			WriteWait:           10 * time.Second,
		},
		Handshake: HandshakeConfig{
			AcceptTimeout:    relay.DefaultAcceptTimeout,
			AuthTimeout:      relay.DefaultAuthTimeout,
			AdmissionTimeout: relay.DefaultAdmissionTimeout,
		},
		Delivery: DeliveryConfig{
			QueueCapacity:     relay.DefaultQueueCapacity,
			OverflowPolicy:    relay.RejectNewest,
			IdleTimeout:       60 * time.Second,
			ReapInterval:      10 * time.Second,
			FanoutConcurrency: relay.DefaultFanoutConcurrency,
		},
		Inbound: InboundConfig{
			Workers:       8,
			QueueSize:     64,
			RatePerSecond: 20,
			Burst:         40,
		},
		Auth: AuthConfig{
			Mode:            AuthModeJWT,
			JWTSecretEnv:    "WSRELAY_JWT_SECRET",
			Issuer:          "wsrelay",
			MaxFailures:     5,
			FailureWindow:   time.Minute,
			LockoutDuration: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:     StoreNone,
			BufferSize: 1024,
		},
		Publish: PublishConfig{
			TokenEnv:          "WSRELAY_PUBLISH_TOKEN",
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Defense: defense.DefaultConfig(),
	}
}

// DefaultPath returns $WSRELAY_CONFIG, or config.yaml in the data directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(ConfigEnv); p != "" {
		return p, nil
	}
	return appdir.ConfigPath()
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML over Default and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		bad("server.listen %q: %v", c.Server.Listen, err)
	}
	if c.Server.MaxMessageSize <= 0 {
		bad("server.max_message_size must be positive")
	}
	if c.Server.MaxConnectionsPerIP < 0 {
		bad("server.max_connections_per_ip must not be negative")
	}
	if c.Server.PingPeriod <= 0 || c.Server.PongWait <= c.Server.PingPeriod {
		bad("server.pong_wait (%s) must be greater than server.ping_period (%s)", c.Server.PongWait, c.Server.PingPeriod)
	}
	if c.Server.WriteWait <= 0 {
		bad("server.write_wait must be positive")
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			bad("server.trusted_proxies: %q is not an IP or CIDR", p)
		}
	}

	if c.Handshake.AcceptTimeout <= 0 || c.Handshake.AuthTimeout <= 0 || c.Handshake.AdmissionTimeout <= 0 {
		bad("handshake timeouts must be positive")
	}

	if c.Delivery.QueueCapacity <= 0 {
		bad("delivery.queue_capacity must be positive")
	}
	switch c.Delivery.OverflowPolicy {
	case relay.RejectNewest, relay.DropOldest:
	default:
		bad("delivery.overflow_policy %q: must be %s or %s", c.Delivery.OverflowPolicy, relay.RejectNewest, relay.DropOldest)
	}
	if c.Delivery.IdleTimeout < 0 {
		bad("delivery.idle_timeout must not be negative")
	}
	if c.Delivery.IdleTimeout > 0 && c.Delivery.ReapInterval <= 0 {
		bad("delivery.reap_interval must be positive when idle_timeout is set")
	}
	if c.Delivery.FanoutConcurrency <= 0 {
		bad("delivery.fanout_concurrency must be positive")
	}

	if c.Inbound.Workers <= 0 || c.Inbound.QueueSize <= 0 {
		bad("inbound.workers and inbound.queue_size must be positive")
	}
	if c.Inbound.RatePerSecond < 0 || c.Inbound.Burst < 0 {
		bad("inbound rate limits must not be negative")
	}

	switch c.Auth.Mode {
	case AuthModeJWT:
		if n := len(c.Auth.Secret()); n < auth.MinSecretLength {
			bad("auth: jwt mode needs a secret of at least %d bytes (jwt_secret or $%s), got %d", auth.MinSecretLength, c.Auth.JWTSecretEnv, n)
		}
	case AuthModeOIDC:
		if c.Auth.Issuer == "" || c.Auth.ClientID == "" {
			bad("auth: oidc mode needs issuer and client_id")
		}
	case AuthModeStatic:
		if len(c.Auth.Tokens) == 0 {
			bad("auth: static mode needs at least one token")
		}
		for tok, id := range c.Auth.Tokens {
			if tok == "" || id.User == "" {
				bad("auth: static tokens need a token and a user")
				break
			}
		}
	default:
		bad("auth.mode %q: must be %s, %s or %s", c.Auth.Mode, AuthModeJWT, AuthModeOIDC, AuthModeStatic)
	}
	if c.Auth.MaxFailures > 0 && (c.Auth.FailureWindow <= 0 || c.Auth.LockoutDuration <= 0) {
		bad("auth.failure_window and auth.lockout_duration must be positive when max_failures is set")
	}

	switch c.Store.Driver {
	case StoreNone, StoreSQLite, StoreFile, StoreMemory:
	default:
		bad("store.driver %q: must be %s, %s, %s or %s", c.Store.Driver, StoreNone, StoreSQLite, StoreFile, StoreMemory)
	}
	if c.Store.BufferSize < 0 {
		bad("store.buffer_size must not be negative")
	}

	if c.Publish.RequestsPerSecond < 0 || c.Publish.Burst < 0 {
		bad("publish rate limits must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		bad("logging.level %q: must be debug, info, warn or error", c.Logging.Level)
	}

	if err := c.Defense.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Secret returns the JWT secret from the environment variable named by
// JWTSecretEnv, the inline value, or the keychain, in that order.
func (a AuthConfig) Secret() []byte {
	if a.JWTSecretEnv != "" {
		if v := os.Getenv(a.JWTSecretEnv); v != "" {
			return []byte(v)
		}
	}
	if a.JWTSecret == "" && a.Keychain {
		return []byte(keychainValue(secrets.AccountJWTSecret))
	}
	return []byte(a.JWTSecret)
}

// keychainValue returns the stored credential, or "" when it is missing or
// the platform has no credential store.
func keychainValue(account string) string {
	v, err := secrets.Get(account)
	if err != nil {
		return ""
	}
	return v
}

// StaticIdentities converts Tokens for auth.NewStaticValidator.
func (a AuthConfig) StaticIdentities() map[string]auth.Identity {
	out := make(map[string]auth.Identity, len(a.Tokens))
	for tok, id := range a.Tokens {
		out[tok] = auth.Identity{UserID: id.User, Permissions: append([]string(nil), id.Permissions...)}
	}
	return out
}

// ResolvedToken returns the publish token from TokenEnv, the inline value,
// or the keychain, in that order.
func (p PublishConfig) ResolvedToken() string {
	if p.TokenEnv != "" {
		if v := os.Getenv(p.TokenEnv); v != "" {
			return v
		}
	}
	if p.Token == "" && p.Keychain {
		return keychainValue(secrets.AccountPublishToken)
	}
	return p.Token
}

// ResolvedPath returns Path or the data directory default for the driver.
func (s StoreConfig) ResolvedPath() (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	switch s.Driver {
	case StoreSQLite:
		return appdir.DatabasePath()
	case StoreFile:
		return appdir.EventsDir()
	}
	return "", nil
}

// ToLogging converts the section into a logging.Config.
func (l LoggingConfig) ToLogging() logging.Config {
	cfg := logging.Config{
		Level:      l.Level,
		JSON:       l.JSON,
		Components: l.Components,
	}
	if l.File != "" {
		cfg.FileLog = &logging.FileLogConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			Compress:   l.Compress,
		}
	}
	return cfg
}

// RelayWorker converts delivery and server settings for relay workers.
func (c *Config) RelayWorker() relay.WorkerConfig {
	return relay.WorkerConfig{
		QueueCapacity: c.Delivery.QueueCapacity,
		Policy:        c.Delivery.OverflowPolicy,
		PingPeriod:    c.Server.PingPeriod,
	}
}

// RelayHandshake converts handshake settings for relay.Handshaker.
func (c *Config) RelayHandshake() relay.HandshakeConfig {
	return relay.HandshakeConfig{
		AcceptTimeout:    c.Handshake.AcceptTimeout,
		AuthTimeout:      c.Handshake.AuthTimeout,
		AdmissionTimeout: c.Handshake.AdmissionTimeout,
		Worker:           c.RelayWorker(),
	}
}
