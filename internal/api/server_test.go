// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/sentinel"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server, *sentinel.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.API.RateLimitPerSecond = 1000
	cfg.API.RateLimitBurst = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	svc := sentinel.New(&cfg, clk)
	t.Cleanup(svc.Stop)

	srv := NewServer(&cfg, svc, clk)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, svc
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string) (*http.Response, error) {
	t.Helper()
	return http.Post(url, "application/json", strings.NewReader(body))
}

func TestSecurityStatusEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	var status sentinel.Status
	if code := getJSON(t, ts.URL+"/api/security/status", &status); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if status.Defense.ActionsByType == nil {
		t.Fatal("defense metrics should always carry maps")
	}
}

func TestObserveEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := postJSON(t, ts.URL+"/api/observe", `{
		"sourceIP": "198.51.100.1",
		"sourcePort": 40000,
		"sequenceNumber": 1000,
		"ackNumber": 2000,
		"windowSize": 65535,
		"flags": ["ACK"]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var dec struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("benign observation should be allowed")
	}
}

func TestObserveEndpointRejectsMissingIP(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := postJSON(t, ts.URL+"/api/observe", `{"sourcePort": 1}`)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestQuarantineReleaseEndpoint(t *testing.T) {
	_, ts, svc := newTestServer(t, nil)

	resp, err := postJSON(t, ts.URL+"/api/quarantine/release", `{"ip": "203.0.113.1"}`)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("releasing an unquarantined IP should 404, got %d", resp.StatusCode)
	}

	svc.Defense().Quarantine("203.0.113.1", "test")
	resp, err = postJSON(t, ts.URL+"/api/quarantine/release", `{"ip": "203.0.113.1"}`)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if svc.Defense().IsQuarantined("203.0.113.1") {
		t.Fatal("IP should be released")
	}
}

func TestDefenseConfigRoundTrip(t *testing.T) {
	_, ts, svc := newTestServer(t, nil)

	var cfg config.Defense
	if code := getJSON(t, ts.URL+"/api/defense/config", &cfg); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if cfg.MaxACKsPerSecond != 100 {
		t.Fatalf("unexpected default config: %+v", cfg)
	}

	resp, err := postJSON(t, ts.URL+"/api/defense/config", `{"maxACKsPerSecond": 500}`)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := svc.Defense().Config().MaxACKsPerSecond; got != 500 {
		t.Fatalf("config update not applied, got %d", got)
	}
	// Untouched fields keep their values.
	if got := svc.Defense().Config().SuspiciousPatternThreshold; got != 0.7 {
		t.Fatalf("partial update clobbered threshold: %g", got)
	}

	resp, err = postJSON(t, ts.URL+"/api/defense/config", `{"maxACKsPerSecond": -1}`)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config should 400, got %d", resp.StatusCode)
	}
}

func TestBlocklistEndpoints(t *testing.T) {
	_, ts, svc := newTestServer(t, nil)

	svc.Blocklist().Add("203.0.113.2", "test")

	var entries []map[string]any
	if code := getJSON(t, ts.URL+"/api/blocklist", &entries); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	resp, err := postJSON(t, ts.URL+"/api/blocklist/remove", `{"ip": "203.0.113.2"}`)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if svc.Blocklist().Contains("203.0.113.2") {
		t.Fatal("IP should be removed")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", code)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.API.RateLimitPerSecond = 1
		cfg.API.RateLimitBurst = 2
	})

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[getJSON(t, ts.URL+"/readyz", nil)]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Fatalf("expected 429s once the burst is spent, got %v", codes)
	}
}

func TestWebSocketEventStream(t *testing.T) {
	srv, ts, svc := newTestServer(t, nil)
	srv.wsManager.Start()
	t.Cleanup(srv.wsManager.Stop)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	// An alert action must arrive as a defense_action event.
	svc.Defense().MarkSuspicious("203.0.113.3", 80, "ws test")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev sentinel.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != sentinel.EventDefenseAction || ev.Action == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
