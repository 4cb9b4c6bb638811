package traffic

import "strings"

// Flags is the set of TCP control flags carried by an observation.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST
	FlagPSH
	FlagURG
)

// Has reports whether every flag in f is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	var parts []string
	for _, fl := range []struct {
		bit  Flags
		name string
	}{
		{FlagSYN, "SYN"},
		{FlagACK, "ACK"},
		{FlagFIN, "FIN"},
		{FlagRST, "RST"},
		{FlagPSH, "PSH"},
		{FlagURG, "URG"},
	} {
		if f.Has(fl.bit) {
			parts = append(parts, fl.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseFlags converts flag names (SYN, ACK, ...) to a Flags set.
// Unknown names are ignored.
func ParseFlags(names []string) Flags {
	var f Flags
	for _, n := range names {
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "SYN":
			f |= FlagSYN
		case "ACK":
			f |= FlagACK
		case "FIN":
			f |= FlagFIN
		case "RST":
			f |= FlagRST
		case "PSH":
			f |= FlagPSH
		case "URG":
			f |= FlagURG
		}
	}
	return f
}

// Pattern is a snapshot of the raw flow fields for one observation,
// either a parsed request or a synthetic packet.
type Pattern struct {
	Timestamp       int64  `json:"timestamp"` // milliseconds
	SourceIP        string `json:"sourceIP"`
	DestinationIP   string `json:"destinationIP"`
	SourcePort      uint16 `json:"sourcePort"`
	DestinationPort uint16 `json:"destinationPort"`
	SequenceNumber  uint32 `json:"sequenceNumber"`
	AckNumber       uint32 `json:"ackNumber"`
	WindowSize      uint32 `json:"windowSize"`
	Flags           Flags  `json:"flags"`
	DataLength      uint32 `json:"dataLength"`
}

// FlowKey identifies the flow a pattern belongs to.
func (p Pattern) FlowKey() string {
	return flowKey(p.SourceIP, p.SourcePort)
}

// AttackSignature is the per-observation output of the signal extractor.
type AttackSignature struct {
	RapidACKs            bool `json:"rapidACKs"`
	AbnormalWindowGrowth bool `json:"abnormalWindowGrowth"`
	SequenceGaps         bool `json:"sequenceGaps"`
	SuspiciousPattern    bool `json:"suspiciousPattern"`
}

// IndicatorCount returns how many of the four signals fired.
func (s AttackSignature) IndicatorCount() int {
	n := 0
	for _, b := range []bool{s.RapidACKs, s.AbnormalWindowGrowth, s.SequenceGaps, s.SuspiciousPattern} {
		if b {
			n++
		}
	}
	return n
}

// Summary aggregates the retained traffic history.
type Summary struct {
	ConnectionCount int     `json:"connectionCount"`
	TotalPackets    int     `json:"totalPackets"`
	AckPackets      int     `json:"ackPackets"`
	AckPercentage   float64 `json:"ackPercentage"`
	TimeRangeStart  int64   `json:"timeRangeStart"`
	TimeRangeEnd    int64   `json:"timeRangeEnd"`
}
