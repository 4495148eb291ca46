package web

import (
	"net/http/httptest"
	"sync"
	"testing"
)

func TestOriginChecker_SameOrigin(t *testing.T) {
	checker := createOriginChecker(nil)

	tests := []struct {
		name      string
		host      string
		origin    string
		wantAllow bool
	}{
		{"same origin http", "localhost:8080", "http://localhost:8080", true},
		{"same origin https no port", "example.com", "https://example.com", true},
		{"different host", "localhost:8080", "http://evil.com", false},
		{"no origin header", "localhost:8080", "", true},
		{"different port", "localhost:8080", "http://localhost:9090", false},
		{"subdomain", "example.com", "http://evil.example.com", false},
		{"default port matches", "example.com:443", "https://example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := checker(req); got != tt.wantAllow {
				t.Errorf("checker() = %v, want %v", got, tt.wantAllow)
			}
		})
	}
}

func TestOriginChecker_AllowList(t *testing.T) {
	var logged []string
	checker := createOriginChecker([]string{"https://trusted.com", "partner.example:8443"},
		func(origin, host string, allowed bool, reason string) { logged = append(logged, reason) })

	tests := []struct {
		origin    string
		wantAllow bool
	}{
		{"https://trusted.com", true},
		{"HTTPS://TRUSTED.COM", true},
		{"https://partner.example:8443", true},
		{"https://untrusted.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Host = "relay.internal:8089"
		req.Header.Set("Origin", tt.origin)
		if got := checker(req); got != tt.wantAllow {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.wantAllow)
		}
	}
	if len(logged) != len(tests) {
		t.Errorf("logger called %d times, want %d", len(logged), len(tests))
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	checker := createOriginChecker([]string{"*"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !checker(req) {
		t.Error("wildcard should allow every origin")
	}
}

func TestConnectionTracker(t *testing.T) {
	ct := NewConnectionTracker(2)

	if !ct.TryAdd("10.0.0.1") || !ct.TryAdd("10.0.0.1") {
		t.Fatal("first two connections should be allowed")
	}
	if ct.TryAdd("10.0.0.1") {
		t.Error("third connection should be refused")
	}
	if !ct.TryAdd("10.0.0.2") {
		t.Error("other IP should be allowed")
	}
	if ct.TotalConnections() != 3 {
		t.Errorf("TotalConnections() = %d, want 3", ct.TotalConnections())
	}

	ct.Remove("10.0.0.1")
	if ct.Count("10.0.0.1") != 1 {
		t.Errorf("Count() = %d, want 1", ct.Count("10.0.0.1"))
	}
	if !ct.TryAdd("10.0.0.1") {
		t.Error("slot should be free after Remove")
	}

	ct.Remove("10.0.0.9")
	if ct.Count("10.0.0.9") != 0 {
		t.Error("removing an unknown IP must not go negative")
	}
}

func TestConnectionTracker_Unlimited(t *testing.T) {
	ct := NewConnectionTracker(0)
	for i := 0; i < 100; i++ {
		if !ct.TryAdd("10.0.0.1") {
			t.Fatalf("connection %d refused with no limit", i)
		}
	}
}

func TestConnectionTracker_Concurrent(t *testing.T) {
	ct := NewConnectionTracker(50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ct.TryAdd("10.0.0.1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}
