package defense

import (
	"errors"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/inercia/wsrelay/internal/fileutil"
)

// BlockEntry is one blocked address.
type BlockEntry struct {
	IP           string    `json:"ip"`
	BlockedAt    time.Time `json:"blocked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Reason       string    `json:"reason"`
	RequestCount int       `json:"request_count"`
}

// Blocklist holds blocked addresses with expiry. Allowlisted addresses are
// never reported as blocked.
// It is safe for concurrent use.
type Blocklist struct {
	mu        sync.RWMutex
	entries   map[netip.Addr]*BlockEntry
	allowlist []netip.Prefix
	nowFunc   func() time.Time
}

// NewBlocklist creates a blocklist. Invalid allowlist entries are skipped.
func NewBlocklist(allowlist []string) *Blocklist {
	b := &Blocklist{
		entries: make(map[netip.Addr]*BlockEntry),
		nowFunc: time.Now,
	}
	for _, s := range allowlist {
		if p, err := parsePrefix(s); err == nil {
			b.allowlist = append(b.allowlist, p)
		}
	}
	return b
}

// parseIP normalizes "ip" or "ip:port".
func parseIP(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (b *Blocklist) allowed(addr netip.Addr) bool {
	for _, p := range b.allowlist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowlisted reports whether ip is on the allowlist.
func (b *Blocklist) IsAllowlisted(ip string) bool {
	addr, ok := parseIP(ip)
	return ok && b.allowed(addr)
}

// lookup returns the live entry for ip.
func (b *Blocklist) lookup(ip string) *BlockEntry {
	addr, ok := parseIP(ip)
	if !ok || b.allowed(addr) {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry := b.entries[addr]
	if entry == nil || !b.nowFunc().Before(entry.ExpiresAt) {
		return nil
	}
	return entry
}

// Contains reports whether ip is blocked and the block has not expired.
func (b *Blocklist) Contains(ip string) bool {
	return b.lookup(ip) != nil
}

// Reason returns why ip is blocked, or "".
func (b *Blocklist) Reason(ip string) string {
	if e := b.lookup(ip); e != nil {
		return e.Reason
	}
	return ""
}

// Add blocks entry.IP, replacing any previous entry.
func (b *Blocklist) Add(entry BlockEntry) {
	addr, ok := parseIP(entry.IP)
	if !ok {
		return
	}
	entry.IP = addr.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[addr] = &entry
}

// Remove unblocks ip.
func (b *Blocklist) Remove(ip string) {
	addr, ok := parseIP(ip)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, addr)
}

// CleanExpired drops expired entries and returns how many were removed.
func (b *Blocklist) CleanExpired() int {
	now := b.nowFunc()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for addr, e := range b.entries {
		if !now.Before(e.ExpiresAt) {
			delete(b.entries, addr)
			removed++
		}
	}
	return removed
}

// Entries returns a copy of all entries, ordered by IP.
func (b *Blocklist) Entries() []BlockEntry {
	b.mu.RLock()
	out := make([]BlockEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Count returns the number of entries, including expired ones not yet
// cleaned.
func (b *Blocklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Load merges the unexpired entries stored at path. A missing file is not an
// error.
func (b *Blocklist) Load(path string) error {
	var entries []BlockEntry
	if err := fileutil.ReadJSON(path, &entries); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	now := b.nowFunc()
	for _, e := range entries {
		if now.Before(e.ExpiresAt) {
			b.Add(e)
		}
	}
	return nil
}

// Save writes the blocklist to path atomically.
func (b *Blocklist) Save(path string) error {
	return fileutil.WriteJSONAtomic(path, b.Entries(), 0o644)
}
