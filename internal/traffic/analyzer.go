// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package traffic

import (
	"fmt"
	"sync"
	"time"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/logging"
)

const (
	// Global history bounds, shared across all flows.
	maxHistory     = 10000
	trimmedHistory = 5000

	// Per-flow window-size history bounds.
	maxWindowHistory     = 100
	trimmedWindowHistory = 50

	// Per-flow recent-packet tail used for the sequence-gap check.
	maxRecentPackets = 10

	// ACK timestamps older than this are dropped from the sliding window.
	ackWindowMS = 10000

	// rapidACKs fires when more than this many ACKs land in the trailing
	// rapidACKWindowMS of wall-clock now.
	rapidACKThreshold = 50
	rapidACKWindowMS  = 5000
	minACKSamples     = 10

	// abnormalWindowGrowth fires when at least growthCountThreshold of the
	// last growthSampleSize adjacent window samples grew by more than
	// growthRatio.
	growthSampleSize     = 5
	growthRatio          = 1.5
	growthCountThreshold = 3

	// sequenceGaps fires when the ACK number jumps more than this far from
	// the flow's previous packet.
	ackGapThreshold = 1000000

	// Flows idle longer than this are dropped by the sweep.
	flowIdleMS    = 600000
	sweepInterval = time.Minute
)

// Analyzer extracts optimistic-ACK attack signals from raw flow fields.
// Detection state is bounded: a joint history across flows plus small
// per-flow tails, so a single Analyze call never scales with flow count.
type Analyzer struct {
	mu            sync.Mutex
	clk           clock.Clock
	logger        *logging.Logger
	history       []Pattern
	windowHistory map[string][]uint32
	ackTimes      map[string][]int64
	recent        map[string][]Pattern
	lastSeen      map[string]int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAnalyzer creates a traffic analyzer. A nil clock uses the system clock.
func NewAnalyzer(clk clock.Clock) *Analyzer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Analyzer{
		clk:           clk,
		logger:        logging.WithComponent("traffic"),
		windowHistory: make(map[string][]uint32),
		ackTimes:      make(map[string][]int64),
		recent:        make(map[string][]Pattern),
		lastSeen:      make(map[string]int64),
		stopCh:        make(chan struct{}),
	}
}

// Analyze records one observation and returns the attack signature for its
// flow. It never fails; malformed input simply produces weaker signals.
func (a *Analyzer) Analyze(p Pattern) AttackSignature {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := p.FlowKey()

	a.history = append(a.history, p)
	if len(a.history) > maxHistory {
		a.history = append(a.history[:0:0], a.history[len(a.history)-trimmedHistory:]...)
	}

	a.updateWindowHistory(key, p.WindowSize)
	if p.Flags.Has(FlagACK) {
		a.updateACKTimes(key, p.Timestamp)
	}

	tail := append(a.recent[key], p)
	if len(tail) > maxRecentPackets {
		tail = tail[len(tail)-maxRecentPackets:]
	}
	a.recent[key] = tail
	a.lastSeen[key] = a.clk.Now().UnixMilli()

	rapid := a.detectRapidACKs(key)
	growth := a.detectAbnormalWindowGrowth(key)
	return AttackSignature{
		RapidACKs:            rapid,
		AbnormalWindowGrowth: growth,
		SequenceGaps:         a.detectSequenceGaps(key, p),
		SuspiciousPattern:    rapid && growth,
	}
}

func (a *Analyzer) updateWindowHistory(key string, window uint32) {
	h := append(a.windowHistory[key], window)
	if len(h) > maxWindowHistory {
		h = h[len(h)-trimmedWindowHistory:]
	}
	a.windowHistory[key] = h
}

func (a *Analyzer) updateACKTimes(key string, ts int64) {
	times := append(a.ackTimes[key], ts)
	cutoff := ts - ackWindowMS
	i := 0
	for i < len(times) && times[i] < cutoff {
		i++
	}
	a.ackTimes[key] = times[i:]
}

func (a *Analyzer) detectRapidACKs(key string) bool {
	times := a.ackTimes[key]
	if len(times) < minACKSamples {
		return false
	}
	// NOTE: the trailing window is anchored on wall-clock now while the
	// samples carry packet timestamps. Replayed captures with historic
	// timestamps therefore never trip this signal.
	cutoff := a.clk.Now().UnixMilli() - rapidACKWindowMS
	recent := 0
	for _, t := range times {
		if t > cutoff {
			recent++
		}
	}
	return recent > rapidACKThreshold
}

func (a *Analyzer) detectAbnormalWindowGrowth(key string) bool {
	h := a.windowHistory[key]
	if len(h) < growthSampleSize {
		return false
	}
	samples := h[len(h)-growthSampleSize:]
	grown := 0
	for i := 1; i < len(samples); i++ {
		if float64(samples[i]) > float64(samples[i-1])*growthRatio {
			grown++
		}
	}
	return grown >= growthCountThreshold
}

func (a *Analyzer) detectSequenceGaps(key string, p Pattern) bool {
	tail := a.recent[key]
	if len(tail) < 2 {
		return false
	}
	prev := tail[len(tail)-2]
	gap := int64(p.AckNumber) - int64(prev.AckNumber)
	if gap < 0 {
		gap = -gap
	}
	return gap > ackGapThreshold
}

// Summary reports aggregates over the retained history. Read-only.
func (a *Analyzer) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	flows := make(map[string]struct{}, len(a.recent))
	acks := 0
	for _, p := range a.history {
		flows[p.FlowKey()] = struct{}{}
		if p.Flags.Has(FlagACK) {
			acks++
		}
	}
	s := Summary{
		ConnectionCount: len(flows),
		TotalPackets:    len(a.history),
		AckPackets:      acks,
	}
	if len(a.history) > 0 {
		s.AckPercentage = float64(acks) / float64(len(a.history)) * 100
		s.TimeRangeStart = a.history[0].Timestamp
		s.TimeRangeEnd = a.history[len(a.history)-1].Timestamp
	}
	return s
}

// Start launches the periodic idle-flow sweep.
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
			a.logger.Error("traffic sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	a.Sweep()
}

// Sweep drops per-flow tracking for flows idle longer than flowIdleMS.
// Idempotent under concurrent mutation.
func (a *Analyzer) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.clk.Now().UnixMilli() - flowIdleMS
	dropped := 0
	for key, seen := range a.lastSeen {
		if seen < cutoff {
			delete(a.windowHistory, key)
			delete(a.ackTimes, key)
			delete(a.recent, key)
			delete(a.lastSeen, key)
			dropped++
		}
	}
	if dropped > 0 {
		a.logger.Debug("dropped idle flows", "count", dropped)
	}
}

func flowKey(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
