package web

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// SecurityConfig holds HTTP hardening options.
type SecurityConfig struct {
	// EnableHSTS sets Strict-Transport-Security. Only enable it behind TLS.
	EnableHSTS bool
	// HSTSMaxAge is in seconds. Default one year.
	HSTSMaxAge int
}

const defaultHSTSMaxAge = 365 * 24 * 60 * 60

func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{HSTSMaxAge: defaultHSTSMaxAge}
}

// DefaultRequestTimeout bounds plain HTTP requests.
const DefaultRequestTimeout = 30 * time.Second

// responseHeaders go on every response. The server only speaks JSON and
// WebSocket, so the CSP forbids everything.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Cache-Control", "no-store"},
}

func securityHeadersMiddleware(config SecurityConfig) func(http.Handler) http.Handler {
	var hsts string
	if config.EnableHSTS {
		maxAge := config.HSTSMaxAge
		if maxAge <= 0 {
			maxAge = defaultHSTSMaxAge
		}
		hsts = "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range responseHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestSizeLimitMiddleware caps the body of requests that carry one.
func requestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hideServerInfoResponseWriter drops server identification headers set by
// any handler below it.
type hideServerInfoResponseWriter struct {
	http.ResponseWriter
	cleaned bool
}

func (w *hideServerInfoResponseWriter) clean() {
	if w.cleaned {
		return
	}
	w.cleaned = true
	w.Header().Del("Server")
	w.Header().Del("X-Powered-By")
}

func (w *hideServerInfoResponseWriter) WriteHeader(statusCode int) {
	w.clean()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *hideServerInfoResponseWriter) Write(b []byte) (int, error) {
	w.clean()
	return w.ResponseWriter.Write(b)
}

var errNotHijacker = errors.New("response writer does not support hijacking")

// Hijack lets the WebSocket upgrader take over the connection.
func (w *hideServerInfoResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	return hj.Hijack()
}

func hideServerInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&hideServerInfoResponseWriter{ResponseWriter: w}, r)
	})
}

const timeoutBody = `{"error":"timeout","message":"request timeout"}`

// requestTimeoutMiddleware bounds plain requests. Upgrades are long-lived and
// bypass it.
func requestTimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		bounded := http.TimeoutHandler(next, timeout, timeoutBody)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			bounded.ServeHTTP(w, r)
		})
	}
}
