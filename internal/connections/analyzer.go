// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package connections tracks per-source request analytics above the packet
// layer: request rates, transfer volumes and long-horizon abuse patterns.
package connections

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/logging"
)

const (
	// Per-IP record history bound, FIFO.
	maxHistoryPerIP = 1000

	// Suspicious activity ring bound.
	maxActivities = 100

	// Thresholds checked on every logged request, over the last minute.
	rapidRequestThreshold = 10
	repeatedTypeThreshold = 5
	recentWindowMS        = 60000

	// Single-transfer volume that flags a large download.
	largeDownloadBytes = 100 * 1024 * 1024

	// Sweep-time analysis over the last five minutes.
	analysisWindowMS = 300000
	ddosThreshold    = 20
	exfilBytes       = 500 * 1024 * 1024

	// Records older than this are dropped by the sweep.
	retentionMS   = 24 * 60 * 60 * 1000
	sweepInterval = 30 * time.Second
)

// Activity types.
const (
	ActivityRapidRequests  = "rapid_requests"
	ActivityUnusualPattern = "unusual_pattern"
	ActivityLargeDownload  = "large_download"
)

// Record is one logged request or connection.
type Record struct {
	ID               string `json:"id"`
	IP               string `json:"ip"`
	Timestamp        int64  `json:"timestamp"` // milliseconds
	Type             string `json:"type"`
	Resource         string `json:"resource,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	BytesTransferred int64  `json:"bytesTransferred"`
	Duration         int64  `json:"duration,omitempty"` // milliseconds, 0 while open
}

// Activity is one flagged suspicious behavior.
type Activity struct {
	IP        string `json:"ip"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Details   string `json:"details"`
	Severity  string `json:"severity"`
}

// Metrics is a point-in-time summary of the analyzer.
type Metrics struct {
	TotalConnections          int            `json:"totalConnections"`
	ActiveConnections         int            `json:"activeConnections"`
	ConnectionsByType         map[string]int `json:"connectionsByType"`
	AverageConnectionDuration float64        `json:"averageConnectionDuration"`
	TotalBytesTransferred     int64          `json:"totalBytesTransferred"`
	UniqueIPs                 int            `json:"uniqueIPs"`
	SuspiciousActivity        []Activity     `json:"suspiciousActivity"`
}

// Analyzer keeps bounded per-IP request history and running aggregates, so
// Metrics never walks the full history. Safe for concurrent use.
type Analyzer struct {
	mu      sync.Mutex
	clk     clock.Clock
	logger  *logging.Logger
	conns   map[string][]*Record
	index   map[string]*Record
	active  map[string]struct{}
	ring    []Activity
	rapid   map[string]bool // edge trigger per IP
	callbks []func(Activity)

	// running aggregates
	total       int
	byType      map[string]int
	totalBytes  int64
	completed   int
	durationSum int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAnalyzer creates a connection analyzer. A nil clock uses the system
// clock. The periodic sweep starts with Start.
func NewAnalyzer(clk clock.Clock) *Analyzer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Analyzer{
		clk:    clk,
		logger: logging.WithComponent("connections"),
		conns:  make(map[string][]*Record),
		index:  make(map[string]*Record),
		active: make(map[string]struct{}),
		rapid:  make(map[string]bool),
		byType: make(map[string]int),
		stopCh: make(chan struct{}),
	}
}

// OnSuspicious registers a callback invoked for every flagged activity.
// Callbacks run synchronously and must not call back into the analyzer.
func (a *Analyzer) OnSuspicious(fn func(Activity)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbks = append(a.callbks, fn)
}

// Log records one request and returns its connection ID. The ID is stable
// for later UpdateBytes and CloseConnection calls.
func (a *Analyzer) Log(ip, typ, resource, userAgent string) string {
	now := a.clk.Now().UnixMilli()
	rec := &Record{
		ID:        uuid.NewString(),
		IP:        ip,
		Timestamp: now,
		Type:      typ,
		Resource:  resource,
		UserAgent: userAgent,
	}

	a.mu.Lock()
	a.conns[ip] = append(a.conns[ip], rec)
	a.index[rec.ID] = rec
	a.active[rec.ID] = struct{}{}
	a.total++
	a.byType[typ]++
	if len(a.conns[ip]) > maxHistoryPerIP {
		a.evictLocked(a.conns[ip][0])
		a.conns[ip] = a.conns[ip][1:]
	}
	activities := a.checkSuspiciousLocked(ip, rec, now)
	a.mu.Unlock()

	a.emit(activities)
	return rec.ID
}

// evictLocked removes one record's contribution to the aggregates and index.
func (a *Analyzer) evictLocked(rec *Record) {
	delete(a.index, rec.ID)
	delete(a.active, rec.ID)
	a.total--
	if a.byType[rec.Type]--; a.byType[rec.Type] == 0 {
		delete(a.byType, rec.Type)
	}
	a.totalBytes -= rec.BytesTransferred
	if rec.Duration > 0 {
		a.completed--
		a.durationSum -= rec.Duration
	}
}

// checkSuspiciousLocked evaluates the per-request thresholds. The rapid
// request flag is edge triggered: it fires once when the rate crosses the
// threshold and rearms only after the rate drops back below it.
func (a *Analyzer) checkSuspiciousLocked(ip string, rec *Record, now int64) []Activity {
	recent := 0
	sameType := 0
	for _, c := range a.conns[ip] {
		if now-c.Timestamp < recentWindowMS {
			recent++
			if c.Type == rec.Type {
				sameType++
			}
		}
	}

	var out []Activity
	if recent >= rapidRequestThreshold {
		if !a.rapid[ip] {
			a.rapid[ip] = true
			out = append(out, a.flagLocked(ip, ActivityRapidRequests,
				fmt.Sprintf("%d requests in the last minute", recent), "high", now))
		}
	} else {
		a.rapid[ip] = false
	}

	if rec.Type == "file_download" && sameType > repeatedTypeThreshold {
		out = append(out, a.flagLocked(ip, ActivityUnusualPattern,
			fmt.Sprintf("repeated %s requests", rec.Type), "medium", now))
	}
	return out
}

func (a *Analyzer) flagLocked(ip, typ, details, severity string, now int64) Activity {
	act := Activity{
		IP:        ip,
		Type:      typ,
		Timestamp: now,
		Details:   details,
		Severity:  severity,
	}
	a.ring = append(a.ring, act)
	if len(a.ring) > maxActivities {
		a.ring = a.ring[len(a.ring)-maxActivities:]
	}
	return act
}

func (a *Analyzer) emit(activities []Activity) {
	for _, act := range activities {
		a.logger.Warn("suspicious activity",
			"ip", act.IP,
			"type", act.Type,
			"details", act.Details,
			"severity", act.Severity)
		a.mu.Lock()
		callbks := a.callbks
		a.mu.Unlock()
		for _, fn := range callbks {
			fn(act)
		}
	}
}

// UpdateBytes sets the transfer volume of a connection. Returns false for
// unknown IDs. Transfers above the large-download threshold are flagged.
func (a *Analyzer) UpdateBytes(id string, bytes int64) bool {
	now := a.clk.Now().UnixMilli()

	a.mu.Lock()
	rec, ok := a.index[id]
	if !ok {
		a.mu.Unlock()
		return false
	}
	a.totalBytes += bytes - rec.BytesTransferred
	rec.BytesTransferred = bytes

	var activities []Activity
	if bytes > largeDownloadBytes {
		activities = append(activities, a.flagLocked(rec.IP, ActivityLargeDownload,
			fmt.Sprintf("large download detected: %s", formatBytes(bytes)), "medium", now))
	}
	a.mu.Unlock()

	a.emit(activities)
	return true
}

// CloseConnection marks a connection finished and records its duration.
// Idempotent; unknown IDs are ignored.
func (a *Analyzer) CloseConnection(id string) {
	now := a.clk.Now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, id)
	rec, ok := a.index[id]
	if !ok || rec.Duration > 0 {
		return
	}
	rec.Duration = now - rec.Timestamp
	if rec.Duration <= 0 {
		rec.Duration = 1
	}
	a.completed++
	a.durationSum += rec.Duration
}

// Metrics returns a point-in-time summary.
func (a *Analyzer) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := Metrics{
		TotalConnections:      a.total,
		ActiveConnections:     len(a.active),
		ConnectionsByType:     make(map[string]int, len(a.byType)),
		TotalBytesTransferred: a.totalBytes,
		UniqueIPs:             len(a.conns),
		SuspiciousActivity:    append([]Activity(nil), a.ring...),
	}
	for k, v := range a.byType {
		m.ConnectionsByType[k] = v
	}
	if a.completed > 0 {
		m.AverageConnectionDuration = float64(a.durationSum) / float64(a.completed)
	}
	return m
}

// History returns the retained records for one IP, or for all IPs when ip is
// empty, newest first.
func (a *Analyzer) History(ip string) []Record {
	a.mu.Lock()
	var out []Record
	if ip != "" {
		for _, rec := range a.conns[ip] {
			out = append(out, *rec)
		}
	} else {
		for _, recs := range a.conns {
			for _, rec := range recs {
				out = append(out, *rec)
			}
		}
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// Start launches the periodic sweep and security analysis.
func (a *Analyzer) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.runSweep()
			}
		}
	}()
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (a *Analyzer) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Analyzer) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("connections sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	a.Sweep()
}

// Sweep drops records older than the retention horizon, prunes the activity
// ring, and runs the five-minute abuse analysis.
func (a *Analyzer) Sweep() {
	now := a.clk.Now().UnixMilli()
	cutoff := now - retentionMS

	a.mu.Lock()
	for ip, recs := range a.conns {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.Timestamp > cutoff {
				kept = append(kept, rec)
			} else {
				a.evictLocked(rec)
			}
		}
		if len(kept) == 0 {
			delete(a.conns, ip)
			delete(a.rapid, ip)
		} else {
			a.conns[ip] = kept
		}
	}

	pruned := a.ring[:0]
	for _, act := range a.ring {
		if now-act.Timestamp < retentionMS {
			pruned = append(pruned, act)
		}
	}
	a.ring = pruned

	var activities []Activity
	for ip, recs := range a.conns {
		recent := 0
		var recentBytes int64
		for _, rec := range recs {
			if now-rec.Timestamp < analysisWindowMS {
				recent++
				recentBytes += rec.BytesTransferred
			}
		}
		if recent > ddosThreshold {
			activities = append(activities, a.flagLocked(ip, ActivityUnusualPattern,
				"potential DDoS pattern detected", "high", now))
		}
		if recentBytes > exfilBytes {
			activities = append(activities, a.flagLocked(ip, ActivityLargeDownload,
				"potential data exfiltration detected", "high", now))
		}
	}
	a.mu.Unlock()

	a.emit(activities)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
