// Package defense blocks client IPs that scan or hammer the relay. Blocked
// addresses are dropped at accept time, before any TLS or HTTP work.
package defense

import (
	"fmt"
	"net/netip"
	"time"
)

// Config configures scanner defense. It is disabled unless Enabled is set.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// RateLimit is the number of requests per RateWindow above which an IP is
	// blocked. WebSocket upgrades count as one request each.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`

	// ErrorRateThreshold (0.0-1.0) blocks an IP whose share of 4xx/5xx
	// responses reaches it, once MinRequests have been seen. Rejected
	// handshakes count as errors.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	MinRequests        int     `yaml:"min_requests"`

	// SuspiciousPathThreshold blocks after this many hits on scanner paths.
	SuspiciousPathThreshold int `yaml:"suspicious_path_threshold"`

	BlockDuration time.Duration `yaml:"block_duration"`

	// Allowlist holds IPs and CIDRs that are never blocked.
	Allowlist []string `yaml:"allowlist"`

	// PersistPath keeps the blocklist across restarts. Empty disables it.
	PersistPath string `yaml:"persist_path"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 false,
		RateLimit:               300,
		RateWindow:              time.Minute,
		ErrorRateThreshold:      0.9,
		MinRequests:             10,
		SuspiciousPathThreshold: 5,
		BlockDuration:           24 * time.Hour,
		Allowlist:               []string{"127.0.0.0/8", "::1/128"},
	}
}

// Validate checks an enabled config.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("defense: rate_limit and rate_window must be positive")
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("defense: error_rate_threshold must be in (0, 1]")
	}
	if c.BlockDuration <= 0 {
		return fmt.Errorf("defense: block_duration must be positive")
	}
	for _, entry := range c.Allowlist {
		if _, err := parsePrefix(entry); err != nil {
			return fmt.Errorf("defense: allowlist: %w", err)
		}
	}
	return nil
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q is not an IP or CIDR", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
