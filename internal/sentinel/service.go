// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sentinel ties the detection pipeline together: every observed
// packet flows through the traffic analyzer for signals, the defense system
// for a verdict, and the connection analyzer for request analytics. Critical
// quarantines are promoted to the blocklist.
package sentinel

import (
	"strings"
	"sync"

	"grimm.is/ackwatch/internal/blocklist"
	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/connections"
	"grimm.is/ackwatch/internal/defense"
	"grimm.is/ackwatch/internal/logging"
	"grimm.is/ackwatch/internal/traffic"
)

// Observation is one packet with optional request context. RequestType is
// empty for raw packets with no application-layer meaning.
type Observation struct {
	Packet      traffic.Pattern `json:"packet"`
	RequestType string          `json:"requestType,omitempty"`
	Resource    string          `json:"resource,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
}

// Event kinds fanned out to subscribers.
const (
	EventDefenseAction      = "defense_action"
	EventSuspiciousActivity = "suspicious_activity"
	EventBlocked            = "blocked"
)

// Event is one security-relevant occurrence, for streaming consumers.
type Event struct {
	Kind      string                `json:"kind"`
	Timestamp int64                 `json:"timestamp"`
	Action    *defense.Action       `json:"action,omitempty"`
	Activity  *connections.Activity `json:"activity,omitempty"`
	IP        string                `json:"ip,omitempty"`
}

// Status is the aggregate view served by the status endpoint.
type Status struct {
	Defense     defense.Metrics     `json:"defense"`
	Connections connections.Metrics `json:"connections"`
	Traffic     traffic.Summary     `json:"traffic"`
	BlockedIPs  int                 `json:"blockedIPs"`
}

// Service is the engine facade. It owns the analyzers, the defense system
// and the blocklist, and runs their sweeps.
type Service struct {
	logger  *logging.Logger
	clk     clock.Clock
	traffic *traffic.Analyzer
	defense *defense.System
	conns   *connections.Analyzer
	blocked *blocklist.List

	mu          sync.RWMutex
	subscribers []func(Event)
}

// New wires the engine from a resolved configuration. A nil clock uses the
// system clock.
func New(cfg *config.Config, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Service{
		logger:  logging.WithComponent("sentinel"),
		clk:     clk,
		traffic: traffic.NewAnalyzer(clk),
		defense: defense.NewSystem(cfg.Defense, clk),
		conns:   connections.NewAnalyzer(clk),
		blocked: blocklist.New(cfg.Blocklist, clk),
	}

	s.defense.OnAction(func(a defense.Action) {
		if a.Type == defense.ActionQuarantine && a.Severity == defense.SeverityCritical {
			s.blocked.Add(connectionIP(a.ConnectionID), a.Reason)
		}
		s.publish(Event{
			Kind:      EventDefenseAction,
			Timestamp: a.Timestamp,
			Action:    &a,
		})
	})
	s.conns.OnSuspicious(func(act connections.Activity) {
		s.publish(Event{
			Kind:      EventSuspiciousActivity,
			Timestamp: act.Timestamp,
			Activity:  &act,
		})
	})
	return s
}

func connectionIP(connID string) string {
	if i := strings.LastIndex(connID, ":"); i > 0 {
		return connID[:i]
	}
	return connID
}

// Subscribe registers a callback for security events. Callbacks run on the
// observing goroutine and must return quickly.
func (s *Service) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) publish(ev Event) {
	s.mu.RLock()
	subs := s.subscribers
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Observe runs one observation through the full pipeline and returns the
// verdict. Request analytics are recorded regardless of the verdict so a
// rejected attacker still shows up in the per-source history.
func (s *Service) Observe(obs Observation) defense.Decision {
	p := obs.Packet
	if p.Timestamp == 0 {
		p.Timestamp = s.clk.Now().UnixMilli()
	}

	if s.blocked.Contains(p.SourceIP) {
		s.publish(Event{
			Kind:      EventBlocked,
			Timestamp: s.clk.Now().UnixMilli(),
			IP:        p.SourceIP,
		})
		return defense.Decision{
			Allowed: false,
			Action: &defense.Action{
				Type:         defense.ActionBlock,
				Reason:       "access denied: IP blocked due to previous attack",
				Severity:     defense.SeverityHigh,
				Timestamp:    p.Timestamp,
				ConnectionID: p.FlowKey(),
			},
		}
	}

	sig := s.traffic.Analyze(p)
	dec := s.defense.Validate(p, sig)

	if obs.RequestType != "" {
		s.conns.Log(p.SourceIP, obs.RequestType, obs.Resource, obs.UserAgent)
	}
	return dec
}

// Start launches the component sweeps.
func (s *Service) Start() {
	s.traffic.Start()
	s.defense.Start()
	s.conns.Start()
	s.logger.Info("sentinel started")
}

// Stop shuts the components down. Safe to call more than once.
func (s *Service) Stop() {
	s.traffic.Stop()
	s.conns.Stop()
	s.defense.Close()
	s.logger.Info("sentinel stopped")
}

// Status aggregates the component metrics.
func (s *Service) Status() Status {
	return Status{
		Defense:     s.defense.Metrics(),
		Connections: s.conns.Metrics(),
		Traffic:     s.traffic.Summary(),
		BlockedIPs:  s.blocked.Len(),
	}
}

// Accessors for the API layer.

func (s *Service) Traffic() *traffic.Analyzer         { return s.traffic }
func (s *Service) Defense() *defense.System           { return s.defense }
func (s *Service) Connections() *connections.Analyzer { return s.conns }
func (s *Service) Blocklist() *blocklist.List         { return s.blocked }
