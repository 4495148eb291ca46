package defense

import (
	"sync"
	"time"
)

// maxRecent bounds the per-IP timestamps kept for the rate check.
const maxRecent = 512

// RequestInfo describes one finished request or handshake.
type RequestInfo struct {
	Path       string
	Method     string
	StatusCode int
	UserAgent  string
	Timestamp  time.Time
}

// IPStats is the per-IP view used to decide on blocks.
type IPStats struct {
	FirstSeen      time.Time
	LastSeen       time.Time
	TotalRequests  int
	ErrorRequests  int
	SuspiciousHits int
	ScannerAgent   bool
	recent         []time.Time
}

// ErrorRate is the share of 4xx/5xx responses.
func (s IPStats) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.ErrorRequests) / float64(s.TotalRequests)
}

// IPMetrics tracks IPStats per address.
// It is safe for concurrent use.
type IPMetrics struct {
	mu    sync.Mutex
	stats map[string]*IPStats
}

func NewIPMetrics() *IPMetrics {
	return &IPMetrics{stats: make(map[string]*IPStats)}
}

// Record adds req to ip's stats and returns a copy of the result.
func (m *IPMetrics) Record(ip string, req RequestInfo) IPStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[ip]
	if !ok {
		s = &IPStats{FirstSeen: req.Timestamp}
		m.stats[ip] = s
	}
	s.LastSeen = req.Timestamp
	s.TotalRequests++
	if req.StatusCode >= 400 {
		s.ErrorRequests++
	}
	if IsSuspiciousPath(req.Path) {
		s.SuspiciousHits++
	}
	if IsScannerUserAgent(req.UserAgent) {
		s.ScannerAgent = true
	}
	if len(s.recent) >= maxRecent {
		s.recent = s.recent[1:]
	}
	s.recent = append(s.recent, req.Timestamp)

	out := *s
	out.recent = append([]time.Time(nil), s.recent...)
	return out
}

// Get returns a copy of ip's stats.
func (m *IPMetrics) Get(ip string) (IPStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[ip]
	if !ok {
		return IPStats{}, false
	}
	out := *s
	out.recent = append([]time.Time(nil), s.recent...)
	return out, true
}

// Forget drops ip's stats, e.g. after it has been blocked.
func (m *IPMetrics) Forget(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, ip)
}

// Len returns the number of tracked addresses.
func (m *IPMetrics) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stats)
}

// Cleanup removes addresses not seen since cutoff.
func (m *IPMetrics) Cleanup(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for ip, s := range m.stats {
		if s.LastSeen.Before(cutoff) {
			delete(m.stats, ip)
			removed++
		}
	}
	return removed
}

// Block reasons.
const (
	ReasonRateLimit      = "rate_limit_exceeded"
	ReasonErrorRate      = "high_error_rate"
	ReasonSuspiciousPath = "suspicious_paths"
	ReasonScannerAgent   = "scanner_user_agent"
)

// shouldBlock decides on s at time now.
func shouldBlock(s IPStats, cfg Config, now time.Time) (bool, string) {
	if s.ScannerAgent {
		return true, ReasonScannerAgent
	}

	windowStart := now.Add(-cfg.RateWindow)
	recent := 0
	for _, ts := range s.recent {
		if ts.After(windowStart) {
			recent++
		}
	}
	if recent > cfg.RateLimit {
		return true, ReasonRateLimit
	}

	if s.TotalRequests >= cfg.MinRequests && s.ErrorRate() >= cfg.ErrorRateThreshold {
		return true, ReasonErrorRate
	}
	if cfg.SuspiciousPathThreshold > 0 && s.SuspiciousHits >= cfg.SuspiciousPathThreshold {
		return true, ReasonSuspiciousPath
	}
	return false, ""
}
