package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// bufferCloser collects access log output in memory.
type bufferCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

// entries decodes every JSON line written so far.
func (b *bufferCloser) entries(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("access log line is not JSON: %q", line)
		}
		out = append(out, m)
	}
	return out
}

func TestNewAccessLogger_Disabled(t *testing.T) {
	if logger := NewAccessLogger(AccessLogConfig{Path: ""}); logger != nil {
		t.Error("Expected nil logger when path is empty")
	}
}

func TestAccessLogger_File(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "access.log")
	logger := NewAccessLogger(AccessLogConfig{Path: logPath})
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	req := httptest.NewRequest(http.MethodPost, PathPublish, nil)
	logger.Event(req, EventPublish, http.StatusOK, 15*time.Millisecond)
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("not JSON: %q", content)
	}
	if entry["event"] != EventPublish || entry["path"] != PathPublish || entry["duration_ms"] != float64(15) {
		t.Errorf("entry = %v", entry)
	}
}

func TestAccessLogger_NilIsNoop(t *testing.T) {
	var logger *AccessLogger
	req := httptest.NewRequest("GET", "/", nil)
	logger.Event(req, EventForbidden, 403, 0)
	logger.Handshake(req, "c1", 4401, "bad token")
	logger.SetClientIPFunc(func(*http.Request) string { return "" })
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}

	called := false
	handler := logger.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Error("nil logger middleware must pass requests through")
	}
}

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		want   string
	}{
		{"POST", PathPublish, 200, EventPublish},
		{"POST", PathPublish, 401, EventPublishUnauthorized},
		{"POST", PathPublish, 429, EventRateLimited},
		{"POST", PathPublish, 400, EventPublishRejected},
		{"GET", PathWebSocket, 429, EventRateLimited},
		{"GET", PathWebSocket, 403, EventForbidden},
		{"GET", PathStats, 401, EventUnauthorized},
		{"GET", PathHealth, 200, ""},
		{"GET", PathStats, 200, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path+http.StatusText(tt.status), func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if got := classifyRequest(req, tt.status); got != tt.want {
				t.Errorf("classifyRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccessLogger_Middleware(t *testing.T) {
	out := &bufferCloser{}
	logger := newAccessLogger(out)
	logger.SetClientIPFunc(func(*http.Request) string { return "203.0.113.9" })

	status := http.StatusOK
	handler := logger.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"unauthorized"}`))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", PathHealth, nil))
	status = http.StatusUnauthorized
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", PathPublish, nil))

	entries := out.entries(t)
	if len(entries) != 1 {
		t.Fatalf("expected one logged request, got %d", len(entries))
	}
	e := entries[0]
	if e["client_ip"] != "203.0.113.9" || e["event"] != EventPublishUnauthorized || e["status"] != float64(401) {
		t.Errorf("entry = %v", e)
	}
	if e["bytes"] != float64(len(`{"error":"unauthorized"}`)) {
		t.Errorf("bytes = %v", e["bytes"])
	}

	if err := logger.Close(); err != nil || !out.closed {
		t.Errorf("Close() = %v, closed = %v", err, out.closed)
	}
}

func TestAccessLogger_Handshake(t *testing.T) {
	out := &bufferCloser{}
	logger := newAccessLogger(out)

	req := httptest.NewRequest("GET", PathWebSocket, nil)
	req.RemoteAddr = "198.51.100.4:5000"
	logger.Handshake(req, "conn-1", 4401, "invalid token")

	entries := out.entries(t)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e["event"] != EventHandshakeFailed || e["client_ip"] != "198.51.100.4" ||
		e["close_code"] != float64(4401) || e["connection_id"] != "conn-1" {
		t.Errorf("entry = %v", e)
	}
	if _, ok := e["status"]; ok {
		t.Error("handshake entries carry no HTTP status")
	}
}

func TestAccessLogResponseWriter_ImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &accessLogResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	w.Write([]byte("hello"))
	if w.statusCode != http.StatusOK || w.bytesWritten != 5 {
		t.Errorf("status=%d bytes=%d", w.statusCode, w.bytesWritten)
	}
}
