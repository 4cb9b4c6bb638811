// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package defense

// Action types emitted by the validation pipeline.
const (
	ActionBlock        = "block"
	ActionRejectPacket = "reject_packet"
	ActionRateLimit    = "rate_limit"
	ActionAlert        = "alert"
	ActionQuarantine   = "quarantine"
)

// Severities attached to actions.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Action records one countermeasure taken (or alert raised) by the pipeline.
type Action struct {
	Type         string `json:"type"`
	Reason       string `json:"reason"`
	Severity     string `json:"severity"`
	Timestamp    int64  `json:"timestamp"` // milliseconds
	ConnectionID string `json:"connectionId"`
}

// Decision is the verdict for one validated packet. Action is nil when the
// packet was accepted, and on conservative rejects after shutdown.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Action  *Action `json:"action,omitempty"`
}

// StateSnapshot is a read-only copy of one connection's tracking state.
type StateSnapshot struct {
	IP           string  `json:"ip"`
	Port         uint16  `json:"port"`
	ExpectedSeq  uint32  `json:"expectedSeq"`
	ExpectedAck  uint32  `json:"expectedAck"`
	LastValidAck uint32  `json:"lastValidAck"`
	WindowSize   uint32  `json:"windowSize"`
	ACKCount     int     `json:"ackCount"`
	AnomalyScore float64 `json:"anomalyScore"`
	Suspicious   bool    `json:"suspicious"`
	Quarantined  bool    `json:"quarantined"`
}

// Metrics is a point-in-time summary of the defense system.
type Metrics struct {
	TotalConnections      int              `json:"totalConnections"`
	QuarantinedIPs        int              `json:"quarantinedIPs"`
	SuspiciousConnections int              `json:"suspiciousConnections"`
	RecentActions         int              `json:"recentActions"`
	ActionsByType         map[string]int   `json:"actionsByType"`
	ActionsBySeverity     map[string]int   `json:"actionsBySeverity"`
	PacketsValidated      uint64           `json:"packetsValidated"`
	PacketsRejected       uint64           `json:"packetsRejected"`
	QuarantinedSources    []QuarantineInfo `json:"quarantinedSources"`
}

// QuarantineInfo describes one quarantined source.
type QuarantineInfo struct {
	IP     string `json:"ip"`
	Since  int64  `json:"since"`  // milliseconds
	Until  int64  `json:"until"`  // milliseconds
	Reason string `json:"reason"`
}
