package auth

import (
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, max int, window, lockout time.Duration) (*FailureLimiter, *time.Time) {
	t.Helper()
	l := NewFailureLimiter(max, window, lockout)
	t.Cleanup(l.Close)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	return l, &now
}

func TestFailureLimiter_LocksOutAfterMaxFailures(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute, 10*time.Minute)

	for i := 0; i < 2; i++ {
		if l.RecordFailure("10.0.0.1") {
			t.Fatalf("locked out after %d failures", i+1)
		}
	}
	if !l.RecordFailure("10.0.0.1") {
		t.Fatal("expected lockout on third failure")
	}

	blocked, remaining := l.IsBlocked("10.0.0.1")
	if !blocked || remaining != 10*time.Minute {
		t.Errorf("IsBlocked = %v, %v; want true, 10m", blocked, remaining)
	}
	if blocked, _ := l.IsBlocked("10.0.0.2"); blocked {
		t.Error("other address must not be blocked")
	}
}

func TestFailureLimiter_WindowExpires(t *testing.T) {
	l, now := newTestLimiter(t, 2, time.Minute, time.Hour)

	l.RecordFailure("addr")
	*now = now.Add(2 * time.Minute)
	if l.RecordFailure("addr") {
		t.Error("failure outside the window should not count")
	}
}

func TestFailureLimiter_LockoutExpires(t *testing.T) {
	l, now := newTestLimiter(t, 1, time.Minute, 5*time.Minute)

	l.RecordFailure("addr")
	*now = now.Add(6 * time.Minute)
	if blocked, _ := l.IsBlocked("addr"); blocked {
		t.Error("lockout should have expired")
	}
}

func TestFailureLimiter_SuccessResets(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute, time.Hour)

	l.RecordFailure("addr")
	l.RecordSuccess("addr")
	if l.RecordFailure("addr") {
		t.Error("success should reset the failure count")
	}
}

func TestFailureLimiter_Cleanup(t *testing.T) {
	l, now := newTestLimiter(t, 5, time.Minute, time.Minute)

	l.RecordFailure("addr")
	*now = now.Add(2 * time.Minute)
	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) != 0 {
		t.Errorf("expected stale record to be removed, have %d", len(l.records))
	}
}
