package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	embeddedconfig "github.com/inercia/wsrelay/config"
	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/client"
	"github.com/inercia/wsrelay/internal/config"
	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestEmbeddedDefaultConfigParses(t *testing.T) {
	t.Setenv("WSRELAY_JWT_SECRET", testSecret)

	cfg, err := config.Parse(embeddedconfig.DefaultConfigYAML)
	require.NoError(t, err)

	def := config.Default()
	assert.Equal(t, def.Server.Listen, cfg.Server.Listen)
	assert.Equal(t, def.Delivery, cfg.Delivery)
	assert.Equal(t, def.Handshake, cfg.Handshake)
	assert.Equal(t, def.Inbound, cfg.Inbound)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, writeDefaultConfig(path, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, embeddedconfig.DefaultConfigYAML, data)

	assert.Error(t, writeDefaultConfig(path, false), "existing file needs --force")
	assert.NoError(t, writeDefaultConfig(path, true))
}

func TestBuildValidator(t *testing.T) {
	ctx := context.Background()

	t.Run("static", func(t *testing.T) {
		v, err := buildValidator(ctx, config.AuthConfig{
			Mode:   config.AuthModeStatic,
			Tokens: map[string]config.StaticToken{"tok": {User: "alice"}},
		})
		require.NoError(t, err)
		id, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, "alice", id.UserID)
	})

	t.Run("jwt with required permission", func(t *testing.T) {
		ac := config.AuthConfig{
			Mode:               config.AuthModeJWT,
			JWTSecret:          testSecret,
			Issuer:             "wsrelay",
			RequiredPermission: "events:read",
		}
		v, err := buildValidator(ctx, ac)
		require.NoError(t, err)

		granted, err := mintToken(ac, "alice", []string{"events:read"}, time.Hour)
		require.NoError(t, err)
		id, err := v.Validate(ctx, granted)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.UserID)

		denied, err := mintToken(ac, "bob", nil, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(ctx, denied)
		assert.True(t, errors.Is(err, auth.ErrMissingPermission), "err = %v", err)
	})

	t.Run("jwt short secret", func(t *testing.T) {
		_, err := buildValidator(ctx, config.AuthConfig{Mode: config.AuthModeJWT, JWTSecret: "short"})
		assert.Error(t, err)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := buildValidator(ctx, config.AuthConfig{Mode: "ldap"})
		assert.Error(t, err)
	})
}

func TestMintToken_Validation(t *testing.T) {
	ac := config.AuthConfig{JWTSecret: testSecret}

	_, err := mintToken(ac, "", nil, time.Hour)
	assert.Error(t, err)
	_, err = mintToken(ac, "alice", nil, 0)
	assert.Error(t, err)
	_, err = mintToken(config.AuthConfig{JWTSecret: "short"}, "alice", nil, time.Hour)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.StoreConfig{Driver: config.StoreNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = openStore(config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, s.Close())

	s, err = openStore(config.StoreConfig{Driver: config.StoreFile, Path: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, s.Close())

	s, err = openStore(config.StoreConfig{Driver: config.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)
	assert.NoError(t, s.Close())
}

func TestWebConfig(t *testing.T) {
	t.Setenv("WSRELAY_PUBLISH_TOKEN", "from-env")

	c := config.Default()
	c.Server.AllowedOrigins = []string{"https://app.example.com"}
	c.Server.TrustedProxies = []string{"10.0.0.0/8"}
	c.Server.EnableHSTS = true
	c.Logging.AccessLog = "/var/log/wsrelay/access.log"

	wc := webConfig(c)
	assert.Equal(t, c.Server.Listen, wc.Listen)
	assert.Equal(t, c.Server.AllowedOrigins, wc.WebSocket.AllowedOrigins)
	assert.Equal(t, c.Server.PongWait, wc.WebSocket.PongWait)
	assert.Equal(t, c.Server.TrustedProxies, wc.TrustedProxies)
	assert.True(t, wc.Security.EnableHSTS)
	assert.Equal(t, c.Inbound.Workers, wc.InboundWorkers)
	assert.Equal(t, c.Inbound.RatePerSecond, wc.InboundRate)
	assert.Equal(t, "from-env", wc.PublishToken)
	assert.Equal(t, c.Publish.RequestsPerSecond, wc.PublishRateLimit.RequestsPerSecond)
	assert.Equal(t, "/var/log/wsrelay/access.log", wc.AccessLog.Path)
}

func TestLoggingConfig_FlagPriority(t *testing.T) {
	defer func() { logLevel, debug, logFile, logComponents = "", false, "", "" }()

	lc := config.LoggingConfig{Level: "warn", Components: []string{"web"}}

	assert.Equal(t, "warn", loggingConfig(lc).Level)

	debug = true
	assert.Equal(t, "debug", loggingConfig(lc).Level)

	logLevel = "error"
	logComponents = "handshake, bridge,"
	logFile = filepath.Join(t.TempDir(), "wsrelay.log")
	out := loggingConfig(lc)
	assert.Equal(t, "error", out.Level)
	assert.Equal(t, []string{"handshake", "bridge"}, out.Components)
	require.NotNil(t, out.FileLog)
	assert.Equal(t, logFile, out.FileLog.Path)
}

func TestPrintEnvelope(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := events.NewEnvelope(events.Meta{UserID: "alice", ThreadID: "t1", Sequence: 4, CreatedAt: created},
		events.AgentThinkingPayload{Thought: "hmm"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printEnvelope(&buf, env, false))
	assert.Equal(t, `2026-03-01T12:00:00Z alice/t1 #4 agent_thinking {"thought":"hmm"}`+"\n", buf.String())

	buf.Reset()
	require.NoError(t, printEnvelope(&buf, env, true))
	decoded, err := events.Decode(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), decoded.Sequence())

	note, err := events.NewEnvelope(events.Meta{UserID: "alice", Sequence: 1, CreatedAt: created},
		events.NotificationPayload{Title: "hi"})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, printEnvelope(&buf, note, false))
	assert.True(t, strings.Contains(buf.String(), " alice/- #1 notification "), buf.String())
}

func TestDescribeGap(t *testing.T) {
	key := events.Key{UserID: "alice", ThreadID: "t1"}
	assert.Equal(t, "gap on alice/t1: missed 2 event(s) between #3 and #6",
		describeGap(client.Gap{Key: key, Last: 3, Got: 6}))
	assert.Equal(t, "out of order on alice/t1: got #2 after #3",
		describeGap(client.Gap{Key: key, Last: 3, Got: 2}))
}

func TestSecretValue(t *testing.T) {
	v, err := secretValue(strings.NewReader("  from-stdin  \nsecond line\n"), false)
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", v)

	v, err = secretValue(strings.NewReader("no-newline"), false)
	require.NoError(t, err)
	assert.Equal(t, "no-newline", v)

	_, err = secretValue(strings.NewReader("\n"), false)
	assert.Error(t, err)

	a, err := secretValue(nil, true)
	require.NoError(t, err)
	b, err := secretValue(nil, true)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), auth.MinSecretLength)
}

func TestSecretAccount_Unknown(t *testing.T) {
	_, err := secretAccount("oidc")
	assert.ErrorContains(t, err, "unknown credential")
}
