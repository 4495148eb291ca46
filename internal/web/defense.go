package web

import (
	"net/http"
	"time"

	"github.com/inercia/wsrelay/internal/defense"
)

// defenseMiddleware feeds finished plain HTTP requests to the scanner
// defense. Upgraded WebSocket connections are recorded by the handshake,
// once their outcome is known.
func (s *Server) defenseMiddleware(next http.Handler) http.Handler {
	if !s.config.Defense.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &accessLogResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if wrapped.hijacked {
			return
		}
		s.recordRequest(r, wrapped.statusCode)
	})
}

// recordRequest reports one request outcome for the client behind r.
func (s *Server) recordRequest(r *http.Request, status int) {
	if !s.config.Defense.Enabled() {
		return
	}
	s.recordDefense(s.proxies.ClientIP(r), defense.RequestInfo{
		Path:       r.URL.Path,
		Method:     r.Method,
		StatusCode: status,
		UserAgent:  r.UserAgent(),
		Timestamp:  time.Now(),
	})
}
