package web

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSecurityConfig holds transport limits for WebSocket connections.
type WebSocketSecurityConfig struct {
	// AllowedOrigins lists browser origins accepted besides same-origin
	// requests, as full origins or bare host[:port]. "*" accepts all.
	AllowedOrigins []string

	// MaxMessageSize bounds one inbound frame in bytes. Default 64KB.
	MaxMessageSize int64

	// MaxConnectionsPerIP bounds concurrent sockets per client IP. Zero
	// disables the limit.
	MaxConnectionsPerIP int

	// PongWait is the read deadline, extended by every frame and pong.
	PongWait time.Duration
	// WriteWait bounds one frame write.
	WriteWait time.Duration
}

func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		MaxMessageSize:      64 << 10,
		MaxConnectionsPerIP: 32,
		PongWait:            time.Minute,
		WriteWait:           10 * time.Second,
	}
}

func (c WebSocketSecurityConfig) withDefaults() WebSocketSecurityConfig {
	d := DefaultWebSocketSecurityConfig()
	c.MaxMessageSize = orDefault(c.MaxMessageSize, d.MaxMessageSize)
	c.PongWait = orDefault(c.PongWait, d.PongWait)
	c.WriteWait = orDefault(c.WriteWait, d.WriteWait)
	return c
}

func orDefault[T int64 | time.Duration](v, d T) T {
	if v <= 0 {
		return d
	}
	return v
}

// ConnectionTracker counts open sockets per client IP and in total.
type ConnectionTracker struct {
	mu       sync.Mutex
	perIP    map[string]int
	total    int
	maxPerIP int
}

// NewConnectionTracker creates a tracker. maxPerIP <= 0 means unlimited.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{perIP: make(map[string]int), maxPerIP: maxPerIP}
}

// TryAdd takes a slot for ip. It returns false when ip is at its limit.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.maxPerIP > 0 && ct.perIP[ip] >= ct.maxPerIP {
		return false
	}
	ct.perIP[ip]++
	ct.total++
	return true
}

// Remove gives back a slot taken by TryAdd. Unknown IPs are ignored.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	n, ok := ct.perIP[ip]
	if !ok {
		return
	}
	ct.total--
	if n <= 1 {
		delete(ct.perIP, ip)
		return
	}
	ct.perIP[ip] = n - 1
}

func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.perIP[ip]
}

func (ct *ConnectionTracker) TotalConnections() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.total
}

// OriginCheckLogger receives the outcome of every origin check.
type OriginCheckLogger func(origin, host string, allowed bool, reason string)

// originPolicy decides which browser origins may open a socket. Requests
// without an Origin header come from non-browser clients and pass.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == "*" {
			p.any = true
		}
		p.allowed[strings.ToLower(o)] = struct{}{}
	}
	return p
}

func (p *originPolicy) listed(s string) bool {
	_, ok := p.allowed[strings.ToLower(s)]
	return ok
}

func (p *originPolicy) check(r *http.Request) (bool, string) {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return true, "no origin header"
	case p.any:
		return true, "all origins allowed"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false, "unparseable origin"
	}
	if p.listed(origin) || p.listed(u.Host) {
		return true, "origin in allowlist"
	}
	if sameOrigin(r.Host, u) {
		return true, "same origin"
	}
	return false, "cross origin"
}

// createOriginChecker adapts an origin allowlist to websocket.Upgrader's
// CheckOrigin, reporting each decision to logger when one is given.
func createOriginChecker(allowedOrigins []string, logger ...OriginCheckLogger) func(*http.Request) bool {
	policy := newOriginPolicy(allowedOrigins)
	return func(r *http.Request) bool {
		ok, reason := policy.check(r)
		for _, log := range logger {
			if log != nil {
				log(r.Header.Get("Origin"), r.Host, ok, reason)
			}
		}
		return ok
	}
}

var defaultPorts = map[string]string{"http": "80", "ws": "80", "https": "443", "wss": "443"}

// sameOrigin compares host names and, when requestHost carries a port, the
// ports. Reverse proxies often strip the port from Host.
func sameOrigin(requestHost string, origin *url.URL) bool {
	reqName, reqPort := splitHostPort(requestHost)
	name, port := splitHostPort(origin.Host)
	if !strings.EqualFold(reqName, name) {
		return false
	}
	if reqPort == "" {
		return true
	}
	if port == "" {
		port = defaultPorts[strings.ToLower(origin.Scheme)]
	}
	return reqPort == port
}

func splitHostPort(hostport string) (host, port string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}

const wsBufferSize = 4 << 10

func newUpgrader(config WebSocketSecurityConfig, logger OriginCheckLogger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      createOriginChecker(config.AllowedOrigins, logger),
	}
}

// configureWebSocketConn applies the read limit and the pong-driven read
// deadline. Pongs extend the deadline but are not client activity.
func configureWebSocketConn(conn *websocket.Conn, config WebSocketSecurityConfig) {
	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.PongWait))
	})
}
