// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package blocklist keeps a TTL'd set of denied source IPs. Sources are
// promoted here from quarantine so repeat offenders stay rejected after
// their quarantine lapses.
package blocklist

import (
	"sort"
	"sync"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/logging"
)

// Entry is one blocked source.
type Entry struct {
	IP      string `json:"ip"`
	Reason  string `json:"reason"`
	Since   int64  `json:"since"`   // milliseconds
	Expires int64  `json:"expires"` // milliseconds
}

// List is a TTL'd IP denylist. Expired entries are dropped lazily on lookup
// and in bulk by Sweep. Safe for concurrent use.
type List struct {
	mu      sync.Mutex
	clk     clock.Clock
	logger  *logging.Logger
	entries map[string]Entry
	ttl     int64
	enabled bool
}

// New creates a blocklist. A nil clock uses the system clock.
func New(cfg config.Blocklist, clk clock.Clock) *List {
	if clk == nil {
		clk = clock.Real()
	}
	return &List{
		clk:     clk,
		logger:  logging.WithComponent("blocklist"),
		entries: make(map[string]Entry),
		ttl:     cfg.TTL,
		enabled: cfg.Enabled,
	}
}

// Enabled reports whether the blocklist is consulted at all.
func (l *List) Enabled() bool {
	return l.enabled
}

// Add blocks an IP for the configured TTL. Re-adding refreshes the expiry.
func (l *List) Add(ip, reason string) {
	if !l.enabled {
		return
	}
	now := l.clk.Now().UnixMilli()

	l.mu.Lock()
	l.entries[ip] = Entry{
		IP:      ip,
		Reason:  reason,
		Since:   now,
		Expires: now + l.ttl,
	}
	l.mu.Unlock()

	l.logger.Warn("ip blocked", "ip", ip, "reason", reason, "ttl_ms", l.ttl)
}

// Contains reports whether ip is currently blocked.
func (l *List) Contains(ip string) bool {
	if !l.enabled {
		return false
	}
	now := l.clk.Now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		return false
	}
	if now >= e.Expires {
		delete(l.entries, ip)
		return false
	}
	return true
}

// Remove unblocks an IP. Returns false when it was not blocked.
func (l *List) Remove(ip string) bool {
	l.mu.Lock()
	_, ok := l.entries[ip]
	delete(l.entries, ip)
	l.mu.Unlock()

	if ok {
		l.logger.Info("ip unblocked", "ip", ip)
	}
	return ok
}

// Entries returns the live entries sorted by IP.
func (l *List) Entries() []Entry {
	now := l.clk.Now().UnixMilli()

	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for ip, e := range l.entries {
		if now >= e.Expires {
			delete(l.entries, ip)
			continue
		}
		out = append(out, e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Len returns the number of live entries.
func (l *List) Len() int {
	return len(l.Entries())
}

// Sweep drops expired entries.
func (l *List) Sweep() {
	now := l.clk.Now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if now >= e.Expires {
			delete(l.entries, ip)
		}
	}
}
