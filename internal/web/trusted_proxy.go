package web

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxyChecker resolves the client IP of a request, honouring
// X-Forwarded-For and X-Real-IP only when the direct peer is a trusted proxy.
type TrustedProxyChecker struct {
	prefixes []netip.Prefix
}

// NewTrustedProxyChecker parses a list of IPs and CIDR ranges. Invalid
// entries are skipped.
func NewTrustedProxyChecker(trustedProxies []string) *TrustedProxyChecker {
	tpc := &TrustedProxyChecker{}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil {
				tpc.prefixes = append(tpc.prefixes, p.Masked())
			}
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			tpc.prefixes = append(tpc.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return tpc
}

// IsTrusted reports whether addr ("ip" or "ip:port") is a trusted proxy.
func (tpc *TrustedProxyChecker) IsTrusted(addr string) bool {
	ip, ok := parseIP(addr)
	if !ok {
		return false
	}
	for _, p := range tpc.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the client IP without port.
func (tpc *TrustedProxyChecker) ClientIP(r *http.Request) string {
	direct := hostOnly(r.RemoteAddr)
	if len(tpc.prefixes) == 0 || !tpc.IsTrusted(r.RemoteAddr) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return direct
}

func parseIP(addr string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(hostOnly(addr))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
