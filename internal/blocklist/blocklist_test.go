// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package blocklist

import (
	"testing"
	"time"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
)

func newTestList(enabled bool, ttl int64) (*List, *clock.MockClock) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	return New(config.Blocklist{Enabled: enabled, TTL: ttl}, clk), clk
}

func TestAddAndExpiry(t *testing.T) {
	l, clk := newTestList(true, 60000)

	l.Add("10.0.0.1", "test")
	if !l.Contains("10.0.0.1") {
		t.Fatal("ip should be blocked")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}

	clk.Advance(61 * time.Second)
	if l.Contains("10.0.0.1") {
		t.Fatal("entry should expire after its TTL")
	}
	if l.Len() != 0 {
		t.Fatalf("expected 0 entries, got %d", l.Len())
	}
}

func TestReAddRefreshesExpiry(t *testing.T) {
	l, clk := newTestList(true, 60000)

	l.Add("10.0.0.2", "first")
	clk.Advance(50 * time.Second)
	l.Add("10.0.0.2", "second")
	clk.Advance(50 * time.Second)
	if !l.Contains("10.0.0.2") {
		t.Fatal("re-add should refresh the expiry")
	}
}

func TestRemove(t *testing.T) {
	l, _ := newTestList(true, 60000)

	l.Add("10.0.0.3", "test")
	if !l.Remove("10.0.0.3") {
		t.Fatal("remove should report success")
	}
	if l.Remove("10.0.0.3") {
		t.Fatal("second remove should report absence")
	}
	if l.Contains("10.0.0.3") {
		t.Fatal("removed ip should not be blocked")
	}
}

func TestDisabledListBlocksNothing(t *testing.T) {
	l, _ := newTestList(false, 60000)

	l.Add("10.0.0.4", "test")
	if l.Contains("10.0.0.4") {
		t.Fatal("disabled list must not block")
	}
}

func TestEntriesSorted(t *testing.T) {
	l, _ := newTestList(true, 60000)

	l.Add("10.0.0.9", "c")
	l.Add("10.0.0.1", "a")
	l.Add("10.0.0.5", "b")

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].IP != "10.0.0.1" || entries[2].IP != "10.0.0.9" {
		t.Fatalf("entries not sorted: %+v", entries)
	}
}

func TestSweep(t *testing.T) {
	l, clk := newTestList(true, 60000)

	l.Add("10.0.0.6", "old")
	clk.Advance(30 * time.Second)
	l.Add("10.0.0.7", "new")
	clk.Advance(31 * time.Second)

	l.Sweep()
	if l.Contains("10.0.0.6") {
		t.Fatal("expired entry should be swept")
	}
	if !l.Contains("10.0.0.7") {
		t.Fatal("live entry should survive the sweep")
	}
}
