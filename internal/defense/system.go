// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package defense implements the validation pipeline and quarantine
// containment for optimistic-ACK abuse. Each packet runs through a fixed
// sequence of config-gated checks; the first failing check rejects the
// packet and raises the source's anomaly score.
package defense

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/logging"
	"grimm.is/ackwatch/internal/traffic"
)

const (
	// Score increments per failing stage.
	scoreACKValidation = 0.3
	scoreRateLimit     = 0.2
	scoreSequence      = 0.25
	scoreWindow        = 0.2
	scoreAnomaly       = 0.4

	// Passing packets slowly repair the score.
	scoreDecay = 0.01

	// Scores above this latch the connection as suspicious.
	suspiciousScore = 0.5

	// Sequence numbers may drift this far from the last accepted value.
	maxSeqDeviation = 65536

	// ACK regressions smaller than this are treated as reordering.
	ackRegressionSlack = 1024

	// Action log bounds.
	maxActions     = 1000
	trimmedActions = 500

	// Metrics count actions newer than this.
	recentActionWindowMS = 300000

	// States untouched for this long are dropped by the sweep.
	stateIdleMS        = 600000
	stateSweepInterval = time.Minute
)

type connState struct {
	mu           sync.Mutex
	ip           string
	port         uint16
	expectedSeq  uint32
	expectedAck  uint32
	lastValidAck uint32
	windowSize   uint32
	ackCount     int
	lastACKTime  int64
	lastSeen     int64
	anomalyScore float64
	suspicious   bool
	quarantined  bool
}

type quarEntry struct {
	generation uint64
	timer      clock.Timer
	since      int64
	until      int64
	reason     string
}

// System tracks per-connection defense state and a quarantine set keyed by
// source IP. Safe for concurrent use.
type System struct {
	cfg    config.Defense
	cfgMu  sync.RWMutex
	clk    clock.Clock
	logger *logging.Logger

	statesMu sync.RWMutex
	states   map[string]*connState

	quarMu      sync.Mutex
	quarantined map[string]*quarEntry
	generation  uint64

	actionsMu sync.Mutex
	actions   []Action
	observers []func(Action)

	validated atomic.Uint64
	rejected  atomic.Uint64

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSystem creates a defense system with the given thresholds. A nil clock
// uses the system clock. The idle-state sweep starts with Start.
func NewSystem(cfg config.Defense, clk clock.Clock) *System {
	if clk == nil {
		clk = clock.Real()
	}
	return &System{
		cfg:         cfg,
		clk:         clk,
		logger:      logging.WithComponent("defense"),
		states:      make(map[string]*connState),
		quarantined: make(map[string]*quarEntry),
		stopCh:      make(chan struct{}),
	}
}

// OnAction registers a callback invoked for every recorded action. Callbacks
// run synchronously on the validating goroutine and must not call back into
// the system.
func (s *System) OnAction(fn func(Action)) {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Validate runs one packet through the pipeline and returns the verdict.
// The signature comes from the traffic analyzer's view of the same packet.
func (s *System) Validate(p traffic.Pattern, sig traffic.AttackSignature) Decision {
	if s.closed.Load() {
		return Decision{Allowed: false}
	}
	s.validated.Add(1)

	connID := fmt.Sprintf("%s:%d", p.SourceIP, p.SourcePort)
	if s.IsQuarantined(p.SourceIP) {
		s.rejected.Add(1)
		return Decision{
			Allowed: false,
			Action:  s.recordAction(ActionBlock, "IP is quarantined", SeverityHigh, connID),
		}
	}

	st := s.state(p.SourceIP, p.SourcePort)

	st.mu.Lock()
	verdict := s.runChecks(st, p, sig)
	if verdict.allowed {
		st.expectedSeq = p.SequenceNumber
		st.expectedAck = p.AckNumber
		if p.AckNumber > st.lastValidAck {
			st.lastValidAck = p.AckNumber
		}
		st.windowSize = p.WindowSize
		st.anomalyScore = max(0, st.anomalyScore-scoreDecay)
	}
	st.lastSeen = s.clk.Now().UnixMilli()
	st.mu.Unlock()

	if verdict.quarantine {
		s.Quarantine(p.SourceIP, verdict.reason)
	}
	for _, alert := range verdict.alerts {
		s.recordAction(alert.typ, alert.reason, alert.severity, connID)
	}
	if verdict.allowed {
		return Decision{Allowed: true}
	}
	s.rejected.Add(1)
	return Decision{
		Allowed: false,
		Action:  s.recordAction(verdict.actionType, verdict.reason, verdict.severity, connID),
	}
}

type pendingAction struct {
	typ      string
	reason   string
	severity string
}

type checkResult struct {
	allowed    bool
	actionType string
	reason     string
	severity   string
	quarantine bool
	alerts     []pendingAction
}

// runChecks evaluates the pipeline stages in order under st.mu. Quarantine
// and action recording are deferred to the caller so no other lock is taken
// while the state is held.
func (s *System) runChecks(st *connState, p traffic.Pattern, sig traffic.AttackSignature) checkResult {
	cfg := s.Config()
	var res checkResult
	isACK := p.Flags.Has(traffic.FlagACK)
	likelyAttack := st.suspicious || st.anomalyScore > suspiciousScore

	if cfg.ACKValidationEnabled && isACK && likelyAttack {
		if reason, ok := s.validateACK(st, p.AckNumber, cfg); !ok {
			s.bumpScore(st, scoreACKValidation)
			res.actionType, res.reason, res.severity = ActionRejectPacket, reason, SeverityHigh
			return res
		}
	}

	if cfg.RateLimitingEnabled && isACK {
		if reason, ok := s.checkACKRate(st, cfg); !ok {
			s.bumpScore(st, scoreRateLimit)
			res.actionType, res.reason, res.severity = ActionRateLimit, reason, SeverityMedium
			return res
		}
	}

	if cfg.SequenceTrackingEnabled && st.expectedSeq > 0 {
		deviation := int64(p.SequenceNumber) - int64(st.expectedSeq)
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > maxSeqDeviation {
			s.bumpScore(st, scoreSequence)
			res.actionType = ActionRejectPacket
			res.reason = fmt.Sprintf("sequence number deviation too large: %d bytes", deviation)
			res.severity = SeverityMedium
			return res
		}
	}

	if cfg.AdaptiveWindowEnabled && st.windowSize > 0 {
		growth := float64(p.WindowSize) / float64(st.windowSize)
		if growth > cfg.MaxWindowGrowthRate {
			s.bumpScore(st, scoreWindow)
			// Alert only. Window growth on its own never rejects.
			res.alerts = append(res.alerts, pendingAction{
				typ:      ActionAlert,
				reason:   fmt.Sprintf("abnormal window growth: %.2fx increase", growth),
				severity: SeverityMedium,
			})
		}
	}

	if cfg.AnomalyDetectionEnabled && sig.IndicatorCount() >= 2 {
		s.bumpScore(st, scoreAnomaly)
		res.reason = anomalyReason(sig)
		if st.anomalyScore >= cfg.SuspiciousPatternThreshold {
			res.actionType, res.severity = ActionQuarantine, SeverityCritical
			res.quarantine = cfg.QuarantineEnabled
			return res
		}
		res.actionType, res.severity = ActionBlock, SeverityHigh
		return res
	}

	res.allowed = true
	return res
}

func (s *System) validateACK(st *connState, ack uint32, cfg config.Defense) (string, bool) {
	advance := int64(ack) - int64(st.lastValidAck)
	threshold := cfg.MaxSequenceGap * 2
	if advance > threshold {
		return fmt.Sprintf("highly suspicious ACK: advancing %d bytes beyond expected (threshold %d)", advance, threshold), false
	}
	if st.lastValidAck > ackRegressionSlack && int64(ack) < int64(st.lastValidAck)-ackRegressionSlack {
		return fmt.Sprintf("significant ACK regression: %d well below %d", ack, st.lastValidAck), false
	}
	return "", true
}

// checkACKRate counts ACKs in a rolling window that resets after one second
// of ACK silence. The effective limit is three times the configured rate to
// keep bursty but legitimate senders out of the penalty path.
func (s *System) checkACKRate(st *connState, cfg config.Defense) (string, bool) {
	now := s.clk.Now().UnixMilli()
	if now-st.lastACKTime > 1000 {
		st.ackCount = 0
		st.lastACKTime = now
	}
	st.ackCount++
	limit := cfg.MaxACKsPerSecond * 3
	if st.ackCount > limit {
		return fmt.Sprintf("extreme ACK rate: %d ACKs/second (limit %d)", st.ackCount, limit), false
	}
	return "", true
}

func (s *System) bumpScore(st *connState, inc float64) {
	st.anomalyScore = min(1.0, st.anomalyScore+inc)
	if st.anomalyScore > suspiciousScore {
		st.suspicious = true
	}
}

func anomalyReason(sig traffic.AttackSignature) string {
	var parts []string
	if sig.RapidACKs {
		parts = append(parts, "rapid ACK pattern")
	}
	if sig.AbnormalWindowGrowth {
		parts = append(parts, "abnormal window growth")
	}
	if sig.SequenceGaps {
		parts = append(parts, "large sequence gaps")
	}
	if sig.SuspiciousPattern {
		parts = append(parts, "suspicious traffic pattern")
	}
	reason := "multiple attack indicators: "
	for i, p := range parts {
		if i > 0 {
			reason += ", "
		}
		reason += p
	}
	return reason
}

func (s *System) state(ip string, port uint16) *connState {
	key := fmt.Sprintf("%s:%d", ip, port)
	s.statesMu.RLock()
	st, ok := s.states[key]
	s.statesMu.RUnlock()
	if ok {
		return st
	}
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if st, ok = s.states[key]; ok {
		return st
	}
	st = &connState{
		ip:          ip,
		port:        port,
		lastACKTime: s.clk.Now().UnixMilli(),
		lastSeen:    s.clk.Now().UnixMilli(),
	}
	s.states[key] = st
	return st
}

// Quarantine places a source IP in quarantine and schedules its automatic
// release. Quarantining an already quarantined IP restarts the timer.
func (s *System) Quarantine(ip, reason string) {
	cfg := s.Config()
	if !cfg.QuarantineEnabled || s.closed.Load() {
		return
	}
	now := s.clk.Now().UnixMilli()

	s.quarMu.Lock()
	if old, ok := s.quarantined[ip]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.generation++
	gen := s.generation
	entry := &quarEntry{
		generation: gen,
		since:      now,
		until:      now + cfg.QuarantineDuration,
		reason:     reason,
	}
	entry.timer = s.clk.AfterFunc(time.Duration(cfg.QuarantineDuration)*time.Millisecond, func() {
		s.release(ip, gen)
	})
	s.quarantined[ip] = entry
	s.quarMu.Unlock()

	s.setQuarantinedFlag(ip, true, false)
	s.logger.Warn("source quarantined",
		"ip", ip,
		"reason", reason,
		"duration_ms", cfg.QuarantineDuration)
}

// release removes ip from quarantine if the entry still belongs to the given
// generation. Stale timer fires after a force-release or re-quarantine are
// no-ops.
func (s *System) release(ip string, gen uint64) {
	s.quarMu.Lock()
	entry, ok := s.quarantined[ip]
	if !ok || entry.generation != gen {
		s.quarMu.Unlock()
		return
	}
	delete(s.quarantined, ip)
	s.quarMu.Unlock()

	s.setQuarantinedFlag(ip, false, true)
	s.logger.Info("source released from quarantine", "ip", ip)
}

// ForceRelease removes ip from quarantine immediately, cancelling the
// pending auto-release. Returns false when the IP was not quarantined.
func (s *System) ForceRelease(ip string) bool {
	s.quarMu.Lock()
	entry, ok := s.quarantined[ip]
	if !ok {
		s.quarMu.Unlock()
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.quarantined, ip)
	s.quarMu.Unlock()

	s.setQuarantinedFlag(ip, false, true)
	s.logger.Info("source force-released from quarantine", "ip", ip)
	return true
}

func (s *System) setQuarantinedFlag(ip string, quarantined, resetScore bool) {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	for _, st := range s.states {
		if st.ip != ip {
			continue
		}
		st.mu.Lock()
		st.quarantined = quarantined
		if resetScore {
			st.anomalyScore = 0
		}
		st.mu.Unlock()
	}
}

// IsQuarantined reports whether packets from ip are being rejected.
func (s *System) IsQuarantined(ip string) bool {
	s.quarMu.Lock()
	defer s.quarMu.Unlock()
	_, ok := s.quarantined[ip]
	return ok
}

// MarkSuspicious latches a connection as suspicious and raises its score.
// Used by collaborators that detect abuse outside the packet pipeline.
func (s *System) MarkSuspicious(ip string, port uint16, reason string) {
	st := s.state(ip, port)
	st.mu.Lock()
	st.suspicious = true
	st.anomalyScore = min(1.0, st.anomalyScore+0.5)
	st.lastSeen = s.clk.Now().UnixMilli()
	st.mu.Unlock()

	s.logger.Warn("connection marked suspicious", "ip", ip, "port", port, "reason", reason)
	s.recordAction(ActionAlert, "connection marked suspicious: "+reason, SeverityMedium, fmt.Sprintf("%s:%d", ip, port))
}

// IsSuspicious reports whether the connection has been latched suspicious.
func (s *System) IsSuspicious(ip string, port uint16) bool {
	key := fmt.Sprintf("%s:%d", ip, port)
	s.statesMu.RLock()
	st, ok := s.states[key]
	s.statesMu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.suspicious
}

// State returns a snapshot of one connection's tracking state.
func (s *System) State(ip string, port uint16) (StateSnapshot, bool) {
	key := fmt.Sprintf("%s:%d", ip, port)
	s.statesMu.RLock()
	st, ok := s.states[key]
	s.statesMu.RUnlock()
	if !ok {
		return StateSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return StateSnapshot{
		IP:           st.ip,
		Port:         st.port,
		ExpectedSeq:  st.expectedSeq,
		ExpectedAck:  st.expectedAck,
		LastValidAck: st.lastValidAck,
		WindowSize:   st.windowSize,
		ACKCount:     st.ackCount,
		AnomalyScore: st.anomalyScore,
		Suspicious:   st.suspicious,
		Quarantined:  st.quarantined,
	}, true
}

func (s *System) recordAction(typ, reason, severity, connID string) *Action {
	action := Action{
		Type:         typ,
		Reason:       reason,
		Severity:     severity,
		Timestamp:    s.clk.Now().UnixMilli(),
		ConnectionID: connID,
	}

	s.actionsMu.Lock()
	s.actions = append(s.actions, action)
	if len(s.actions) > maxActions {
		s.actions = append(s.actions[:0:0], s.actions[len(s.actions)-trimmedActions:]...)
	}
	observers := s.observers
	s.actionsMu.Unlock()

	s.logger.Info("defense action",
		"type", typ,
		"reason", reason,
		"severity", severity,
		"connection", connID)
	for _, fn := range observers {
		fn(action)
	}
	return &action
}

// Actions returns the retained action log, oldest first.
func (s *System) Actions() []Action {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	out := make([]Action, len(s.actions))
	copy(out, s.actions)
	return out
}

// Metrics returns a point-in-time summary.
func (s *System) Metrics() Metrics {
	now := s.clk.Now().UnixMilli()

	m := Metrics{
		ActionsByType:     make(map[string]int),
		ActionsBySeverity: make(map[string]int),
		PacketsValidated:  s.validated.Load(),
		PacketsRejected:   s.rejected.Load(),
	}

	s.actionsMu.Lock()
	for _, a := range s.actions {
		if now-a.Timestamp < recentActionWindowMS {
			m.RecentActions++
			m.ActionsByType[a.Type]++
			m.ActionsBySeverity[a.Severity]++
		}
	}
	s.actionsMu.Unlock()

	s.statesMu.RLock()
	m.TotalConnections = len(s.states)
	for _, st := range s.states {
		st.mu.Lock()
		if st.suspicious {
			m.SuspiciousConnections++
		}
		st.mu.Unlock()
	}
	s.statesMu.RUnlock()

	s.quarMu.Lock()
	m.QuarantinedIPs = len(s.quarantined)
	for ip, e := range s.quarantined {
		m.QuarantinedSources = append(m.QuarantinedSources, QuarantineInfo{
			IP:     ip,
			Since:  e.since,
			Until:  e.until,
			Reason: e.reason,
		})
	}
	s.quarMu.Unlock()

	return m
}

// Config returns the active thresholds.
func (s *System) Config() config.Defense {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the thresholds. Existing quarantine timers keep their
// original duration.
func (s *System) UpdateConfig(cfg config.Defense) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.logger.Info("defense configuration updated")
	return nil
}

// Start launches the periodic idle-state sweep.
func (s *System) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(stateSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runSweep()
			}
		}
	}()
}

func (s *System) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("defense sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep()
}

// Sweep drops connection states untouched for longer than stateIdleMS and
// releases quarantines whose expiry has passed. The release path is
// redundant with the scheduled timers so a lost or racing timer cannot
// strand a source in quarantine.
func (s *System) Sweep() {
	now := s.clk.Now().UnixMilli()
	cutoff := now - stateIdleMS

	s.statesMu.Lock()
	dropped := 0
	for key, st := range s.states {
		st.mu.Lock()
		idle := st.lastSeen < cutoff
		st.mu.Unlock()
		if idle {
			delete(s.states, key)
			dropped++
		}
	}
	s.statesMu.Unlock()

	s.quarMu.Lock()
	var released []string
	for ip, e := range s.quarantined {
		if e.until <= now {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.quarantined, ip)
			released = append(released, ip)
		}
	}
	s.quarMu.Unlock()

	for _, ip := range released {
		s.setQuarantinedFlag(ip, false, true)
		s.logger.Info("source released from quarantine", "ip", ip)
	}

	if dropped > 0 {
		s.logger.Debug("dropped expired connection states", "count", dropped)
	}
}

// Close stops the sweep, cancels all quarantine timers and clears state.
// Validate calls after Close return a conservative reject.
func (s *System) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.quarMu.Lock()
	for _, e := range s.quarantined {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.quarantined = make(map[string]*quarEntry)
	s.quarMu.Unlock()

	s.statesMu.Lock()
	s.states = make(map[string]*connState)
	s.statesMu.Unlock()

	s.logger.Info("defense system closed")
}
