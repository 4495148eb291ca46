package auth

import (
	"sync"
	"time"
)

const (
	defaultMaxFailures     = 5                // Max failures before lockout
	defaultFailureWindow   = 5 * time.Minute  // Window to count failures
	defaultLockoutDuration = 15 * time.Minute // How long to lock out after max failures

	limiterCleanupInterval = 1 * time.Minute
)

// failureRecord tracks handshake authentication failures for one client address.
type failureRecord struct {
	failures    []time.Time
	lockedUntil time.Time
}

// FailureLimiter locks out client addresses that fail authentication too often.
// It is safe for concurrent use.
type FailureLimiter struct {
	mu              sync.Mutex
	records         map[string]*failureRecord
	maxFailures     int
	failureWindow   time.Duration
	lockoutDuration time.Duration

	// For testing: allows injecting a custom time source
	nowFunc func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewFailureLimiter creates a limiter. Non-positive arguments take defaults.
func NewFailureLimiter(maxFailures int, failureWindow, lockoutDuration time.Duration) *FailureLimiter {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	if failureWindow <= 0 {
		failureWindow = defaultFailureWindow
	}
	if lockoutDuration <= 0 {
		lockoutDuration = defaultLockoutDuration
	}
	l := &FailureLimiter{
		records:         make(map[string]*failureRecord),
		maxFailures:     maxFailures,
		failureWindow:   failureWindow,
		lockoutDuration: lockoutDuration,
		nowFunc:         time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Close stops the cleanup goroutine.
func (l *FailureLimiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCleanup)
		<-l.cleanupDone
	})
}

// IsBlocked reports whether addr is locked out and for how much longer.
func (l *FailureLimiter) IsBlocked(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[addr]
	if !ok {
		return false, 0
	}
	now := l.nowFunc()
	if !record.lockedUntil.IsZero() && now.Before(record.lockedUntil) {
		return true, record.lockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure counts a failed attempt. It returns true when addr just became
// (or already was) locked out.
func (l *FailureLimiter) RecordFailure(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	record, ok := l.records[addr]
	if !ok {
		record = &failureRecord{failures: make([]time.Time, 0, l.maxFailures)}
		l.records[addr] = record
	}

	if !record.lockedUntil.IsZero() && now.Before(record.lockedUntil) {
		record.lockedUntil = now.Add(l.lockoutDuration)
		return true
	}

	cutoff := now.Add(-l.failureWindow)
	kept := record.failures[:0]
	for _, ts := range record.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	record.failures = append(kept, now)

	if len(record.failures) >= l.maxFailures {
		record.lockedUntil = now.Add(l.lockoutDuration)
		record.failures = record.failures[:0]
		return true
	}
	return false
}

// RecordSuccess clears the failure history of addr.
func (l *FailureLimiter) RecordSuccess(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, addr)
}

func (l *FailureLimiter) cleanupLoop() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *FailureLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	cutoff := now.Add(-l.failureWindow)
	for addr, record := range l.records {
		if now.Before(record.lockedUntil) {
			continue
		}
		recent := false
		for _, ts := range record.failures {
			if ts.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent {
			delete(l.records, addr)
		}
	}
}
