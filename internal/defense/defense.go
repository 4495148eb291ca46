package defense

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	cleanupInterval   = 5 * time.Minute
	metricsCleanupAge = time.Hour
)

// Stats is the defense section of /api/stats.
type Stats struct {
	Enabled  bool   `json:"enabled"`
	Blocked  int    `json:"blocked"`
	Rejected uint64 `json:"rejected"`
	Tracked  int    `json:"tracked"`
}

// ScannerDefense watches finished requests and blocks abusive client IPs.
// A disabled ScannerDefense is a no-op.
type ScannerDefense struct {
	config    Config
	blocklist *Blocklist
	metrics   *IPMetrics
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	rejected uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// New creates a ScannerDefense, loading the persisted blocklist when
// configured. A load failure is logged and otherwise ignored.
func New(config Config, logger *slog.Logger) (*ScannerDefense, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &ScannerDefense{
		config:    config,
		blocklist: NewBlocklist(config.Allowlist),
		metrics:   NewIPMetrics(),
		logger:    logger,
		nowFunc:   time.Now,
		stopCh:    make(chan struct{}),
	}
	if !config.Enabled {
		return d, nil
	}

	if config.PersistPath != "" {
		if err := d.blocklist.Load(config.PersistPath); err != nil {
			logger.Warn("Failed to load blocklist", "path", config.PersistPath, "error", err)
		} else {
			logger.Info("Blocklist loaded", "entries", d.blocklist.Count(), "path", config.PersistPath)
		}
	}

	d.wg.Add(1)
	go d.cleanupLoop()
	return d, nil
}

// Enabled reports whether defense is active.
func (d *ScannerDefense) Enabled() bool {
	return d != nil && d.config.Enabled
}

// IsBlocked reports whether ip ("ip" or "ip:port") is blocked. It is called
// for every accepted connection.
func (d *ScannerDefense) IsBlocked(ip string) bool {
	if !d.Enabled() {
		return false
	}
	return d.blocklist.Contains(ip)
}

// BlockReason returns why ip is blocked, or "".
func (d *ScannerDefense) BlockReason(ip string) string {
	if !d.Enabled() {
		return ""
	}
	return d.blocklist.Reason(ip)
}

// RecordRequest feeds a finished request from ip into the detector.
func (d *ScannerDefense) RecordRequest(ip string, req RequestInfo) {
	if !d.Enabled() {
		return
	}
	addr, ok := parseIP(ip)
	if !ok || d.blocklist.allowed(addr) {
		return
	}
	ip = addr.String()
	if req.Timestamp.IsZero() {
		req.Timestamp = d.nowFunc()
	}
	stats := d.metrics.Record(ip, req)
	if block, reason := shouldBlock(stats, d.config, d.nowFunc()); block {
		d.block(ip, reason, stats)
	}
}

func (d *ScannerDefense) block(ip, reason string, stats IPStats) {
	now := d.nowFunc()
	d.blocklist.Add(BlockEntry{
		IP:           ip,
		BlockedAt:    now,
		ExpiresAt:    now.Add(d.config.BlockDuration),
		Reason:       reason,
		RequestCount: stats.TotalRequests,
	})
	d.metrics.Forget(ip)

	d.logger.Warn("IP blocked",
		"ip", ip,
		"reason", reason,
		"block_duration", d.config.BlockDuration,
		"request_count", stats.TotalRequests,
		"error_rate", stats.ErrorRate(),
	)
	d.persist()
}

// Unblock removes ip from the blocklist.
func (d *ScannerDefense) Unblock(ip string) {
	if !d.Enabled() {
		return
	}
	d.blocklist.Remove(ip)
	d.persist()
}

func (d *ScannerDefense) persist() {
	if d.config.PersistPath == "" {
		return
	}
	if err := d.blocklist.Save(d.config.PersistPath); err != nil {
		d.logger.Warn("Failed to save blocklist", "path", d.config.PersistPath, "error", err)
	}
}

func (d *ScannerDefense) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCh:
			return
		}
	}
}

func (d *ScannerDefense) cleanup() {
	if removed := d.blocklist.CleanExpired(); removed > 0 {
		d.logger.Debug("Expired blocks removed", "removed", removed)
		d.persist()
	}
	if removed := d.metrics.Cleanup(d.nowFunc().Add(-metricsCleanupAge)); removed > 0 {
		d.logger.Debug("Stale IP metrics removed", "removed", removed)
	}
}

// recordRejected counts a connection dropped at accept.
func (d *ScannerDefense) recordRejected() {
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
}

// Stats returns the current counters.
func (d *ScannerDefense) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	d.mu.Lock()
	rejected := d.rejected
	d.mu.Unlock()

	return Stats{
		Enabled:  d.config.Enabled,
		Blocked:  d.blocklist.Count(),
		Rejected: rejected,
		Tracked:  d.metrics.Len(),
	}
}

// Close stops the cleanup goroutine and saves the blocklist. It is safe to
// call more than once.
func (d *ScannerDefense) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	if d.config.Enabled {
		d.persist()
		d.logger.Info("Scanner defense stopped", "blocked_ips", d.blocklist.Count())
	}
	return nil
}

// FilteredListener drops connections from blocked IPs before they reach the
// HTTP server.
type FilteredListener struct {
	net.Listener
	defense *ScannerDefense
	logger  *slog.Logger
}

// Listener wraps l. With defense disabled l is returned unchanged.
func (d *ScannerDefense) Listener(l net.Listener) net.Listener {
	if !d.Enabled() {
		return l
	}
	return &FilteredListener{Listener: l, defense: d, logger: d.logger}
}

// Accept returns the next connection from an address that is not blocked.
func (l *FilteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ip := RemoteIP(conn.RemoteAddr())
		if !l.defense.IsBlocked(ip) {
			return conn, nil
		}
		_ = conn.Close()
		l.defense.recordRejected()
		l.logger.Debug("Connection rejected", "ip", ip, "reason", l.defense.BlockReason(ip))
	}
}

// RemoteIP returns the normalized IP of addr without the port.
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ip, ok := parseIP(addr.String()); ok {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
