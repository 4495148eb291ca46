package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRateLimiter(t *testing.T, rps float64, burst int) *GeneralRateLimiter {
	t.Helper()
	rl := NewGeneralRateLimiter(RateLimitConfig{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
		EntryTTL:          time.Hour,
	})
	t.Cleanup(rl.Close)
	return rl
}

func TestGeneralRateLimiter_Allow(t *testing.T) {
	rl := testRateLimiter(t, 0.001, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("192.168.1.1") {
			t.Errorf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("192.168.1.1") {
		t.Error("4th request should be denied")
	}
	if !rl.Allow("192.168.1.2") {
		t.Error("other key has its own bucket")
	}
}

func TestGeneralRateLimiter_Unlimited(t *testing.T) {
	rl := testRateLimiter(t, 0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d denied with no limit", i)
		}
	}
}

func TestGeneralRateLimiter_Cleanup(t *testing.T) {
	rl := testRateLimiter(t, 1, 1)
	rl.Allow("a")
	rl.Allow("b")
	if rl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rl.Len())
	}
	rl.cleanup(time.Now().Add(2 * time.Hour))
	if rl.Len() != 0 {
		t.Errorf("Len() = %d after cleanup, want 0", rl.Len())
	}
}

func TestGeneralRateLimiter_Middleware(t *testing.T) {
	rl := testRateLimiter(t, 0.001, 1)
	handler := rl.Middleware(func(*http.Request) string { return "fixed" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After header")
	}
}

func TestGeneralRateLimiter_CloseTwice(t *testing.T) {
	rl := NewGeneralRateLimiter(DefaultRateLimitConfig())
	rl.Close()
	rl.Close()
}

func TestGeneralRateLimiter_Stats(t *testing.T) {
	rl := testRateLimiter(t, 0.001, 1)
	rl.Allow("a")
	rl.Allow("a")
	rl.Allow("b")
	if got := rl.Stats(); got.Keys != 2 || got.Rejected != 1 {
		t.Errorf("Stats() = %+v, want 2 keys and 1 rejection", got)
	}
}
