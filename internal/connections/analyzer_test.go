// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connections

import (
	"sync"
	"testing"
	"time"

	"grimm.is/ackwatch/internal/clock"
)

func newTestAnalyzer() (*Analyzer, *clock.MockClock, *activityLog) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	a := NewAnalyzer(clk)
	log := &activityLog{}
	a.OnSuspicious(log.add)
	return a, clk, log
}

type activityLog struct {
	mu   sync.Mutex
	acts []Activity
}

func (l *activityLog) add(a Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acts = append(l.acts, a)
}

func (l *activityLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range l.acts {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func TestRapidRequestsFiresExactlyOnce(t *testing.T) {
	a, clk, log := newTestAnalyzer()

	for i := 0; i < 12; i++ {
		a.Log("10.0.0.1", "file_download", "/video.mp4", "curl/8.0")
		clk.Advance(time.Second)
	}
	if got := log.count(ActivityRapidRequests); got != 1 {
		t.Fatalf("rapid_requests should fire once per threshold crossing, got %d", got)
	}

	// After the rate drops below the threshold the trigger rearms.
	clk.Advance(2 * time.Minute)
	for i := 0; i < 10; i++ {
		a.Log("10.0.0.1", "file_download", "/video.mp4", "curl/8.0")
		clk.Advance(time.Second)
	}
	if got := log.count(ActivityRapidRequests); got != 2 {
		t.Fatalf("rapid_requests should rearm after quiet period, got %d", got)
	}
}

func TestRepeatedDownloadsFlagged(t *testing.T) {
	a, clk, log := newTestAnalyzer()

	for i := 0; i < 6; i++ {
		a.Log("10.0.0.2", "file_download", "/iso", "")
		clk.Advance(time.Second)
	}
	if got := log.count(ActivityUnusualPattern); got != 1 {
		t.Fatalf("sixth download in a minute should flag unusual_pattern, got %d", got)
	}

	// Other request types are not held to the download threshold.
	a2, clk2, log2 := newTestAnalyzer()
	for i := 0; i < 8; i++ {
		a2.Log("10.0.0.3", "page_view", "/", "")
		clk2.Advance(time.Second)
	}
	if got := log2.count(ActivityUnusualPattern); got != 0 {
		t.Fatalf("page views should not flag unusual_pattern, got %d", got)
	}
}

func TestLargeDownloadFlagged(t *testing.T) {
	a, _, log := newTestAnalyzer()

	id := a.Log("10.0.0.4", "file_download", "/iso", "")
	if !a.UpdateBytes(id, 150*1024*1024) {
		t.Fatal("UpdateBytes should find the connection")
	}
	if got := log.count(ActivityLargeDownload); got != 1 {
		t.Fatalf("150MB transfer should flag large_download, got %d", got)
	}
	if a.UpdateBytes("no-such-id", 1) {
		t.Fatal("unknown ID should not update")
	}
}

func TestCloseConnectionRecordsDuration(t *testing.T) {
	a, clk, _ := newTestAnalyzer()

	id := a.Log("10.0.0.5", "stream", "/live", "")
	clk.Advance(90 * time.Second)
	a.CloseConnection(id)
	a.CloseConnection(id) // idempotent

	m := a.Metrics()
	if m.ActiveConnections != 0 {
		t.Fatalf("expected 0 active, got %d", m.ActiveConnections)
	}
	if m.AverageConnectionDuration != 90000 {
		t.Fatalf("expected 90000ms average duration, got %g", m.AverageConnectionDuration)
	}
}

func TestMetricsAggregates(t *testing.T) {
	a, _, _ := newTestAnalyzer()

	id1 := a.Log("10.0.0.6", "file_download", "/a", "")
	a.Log("10.0.0.6", "page_view", "/", "")
	a.Log("10.0.0.7", "file_download", "/b", "")
	a.UpdateBytes(id1, 1000)

	m := a.Metrics()
	if m.TotalConnections != 3 {
		t.Fatalf("expected 3 connections, got %d", m.TotalConnections)
	}
	if m.UniqueIPs != 2 {
		t.Fatalf("expected 2 unique IPs, got %d", m.UniqueIPs)
	}
	if m.ConnectionsByType["file_download"] != 2 || m.ConnectionsByType["page_view"] != 1 {
		t.Fatalf("unexpected type counts: %v", m.ConnectionsByType)
	}
	if m.TotalBytesTransferred != 1000 {
		t.Fatalf("expected 1000 bytes, got %d", m.TotalBytesTransferred)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	a, clk, _ := newTestAnalyzer()

	a.Log("10.0.0.8", "page_view", "/first", "")
	clk.Advance(time.Second)
	a.Log("10.0.0.8", "page_view", "/second", "")
	clk.Advance(time.Second)
	a.Log("10.0.0.9", "page_view", "/other", "")

	hist := a.History("10.0.0.8")
	if len(hist) != 2 {
		t.Fatalf("expected 2 records, got %d", len(hist))
	}
	if hist[0].Resource != "/second" {
		t.Fatalf("expected newest first, got %q", hist[0].Resource)
	}

	all := a.History("")
	if len(all) != 3 {
		t.Fatalf("expected 3 records total, got %d", len(all))
	}
	if all[0].Resource != "/other" {
		t.Fatalf("expected newest first across IPs, got %q", all[0].Resource)
	}
}

func TestPerIPHistoryBounded(t *testing.T) {
	a, clk, _ := newTestAnalyzer()

	for i := 0; i < 1100; i++ {
		a.Log("10.0.0.10", "page_view", "/", "")
		clk.Advance(10 * time.Second) // stay under the rapid-request rate
	}
	hist := a.History("10.0.0.10")
	if len(hist) != 1000 {
		t.Fatalf("per-IP history should cap at 1000, got %d", len(hist))
	}
	m := a.Metrics()
	if m.TotalConnections != 1000 {
		t.Fatalf("aggregates should track evictions, got %d", m.TotalConnections)
	}
}

func TestSweepDetectsDDoSAndExfiltration(t *testing.T) {
	a, clk, log := newTestAnalyzer()

	// 25 requests inside five minutes, one of them a giant transfer.
	var lastID string
	for i := 0; i < 25; i++ {
		lastID = a.Log("10.0.0.11", "page_view", "/", "")
		clk.Advance(10 * time.Second)
	}
	a.UpdateBytes(lastID, 600*1024*1024)

	a.Sweep()
	if got := log.count(ActivityUnusualPattern); got == 0 {
		t.Fatal("sweep should flag a DDoS pattern")
	}
	if got := log.count(ActivityLargeDownload); got < 2 {
		// One from UpdateBytes, one from the exfiltration analysis.
		t.Fatalf("sweep should flag exfiltration, got %d large_download activities", got)
	}
}

func TestSweepDropsOldRecords(t *testing.T) {
	a, clk, _ := newTestAnalyzer()

	a.Log("10.0.0.12", "page_view", "/", "")
	clk.Advance(25 * time.Hour)
	a.Sweep()

	if len(a.History("10.0.0.12")) != 0 {
		t.Fatal("day-old records should be dropped")
	}
	m := a.Metrics()
	if m.TotalConnections != 0 || m.UniqueIPs != 0 {
		t.Fatalf("aggregates should be empty after sweep: %+v", m)
	}
}

func TestActivityRingBounded(t *testing.T) {
	a, _, _ := newTestAnalyzer()

	// Every update above the threshold flags an activity.
	id := a.Log("10.0.0.13", "file_download", "/iso", "")
	for i := 0; i < 150; i++ {
		a.UpdateBytes(id, int64(101+i)*1024*1024)
	}
	m := a.Metrics()
	if len(m.SuspiciousActivity) > 100 {
		t.Fatalf("activity ring should cap at 100, got %d", len(m.SuspiciousActivity))
	}
}
