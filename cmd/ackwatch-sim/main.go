// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ackwatch-sim replays synthetic attack traffic through an embedded
// engine. It evaluates detection by comparing verdicts against the attack
// profile being simulated.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/sentinel"
	"grimm.is/ackwatch/internal/traffic"
)

func main() {
	attack := flag.String("attack", "mixed", "attack profile: rapid-ack, window-growth, seq-jump, mixed, benign")
	packets := flag.Int("packets", 500, "number of packets to replay")
	ip := flag.String("ip", "203.0.113.7", "simulated source IP")
	mode := flag.String("mode", "", "defense mode preset (high, medium, low, off)")
	flag.Parse()

	cfg := config.Default()
	if *mode != "" {
		preset, err := config.Preset(*mode)
		if err != nil {
			log.Fatalf("invalid mode: %v", err)
		}
		cfg.Mode = *mode
		cfg.Defense = preset
	}

	clk := clock.NewMockClock(time.Now())
	svc := sentinel.New(&cfg, clk)
	defer svc.Stop()

	gen, ok := generators[*attack]
	if !ok {
		log.Fatalf("unknown attack profile %q", *attack)
	}

	log.Printf("replaying %d packets of profile %q from %s", *packets, *attack, *ip)

	var allowed, rejected int
	byAction := map[string]int{}
	for i := 0; i < *packets; i++ {
		p := gen(*ip, i, clk.Now().UnixMilli())
		dec := svc.Observe(sentinel.Observation{Packet: p})
		if dec.Allowed {
			allowed++
		} else {
			rejected++
			if dec.Action != nil {
				byAction[dec.Action.Type]++
			}
		}
		// Packets arrive 10ms apart in simulated time.
		clk.Advance(10 * time.Millisecond)
	}

	st := svc.Status()
	fmt.Println()
	fmt.Printf("packets:      %d allowed, %d rejected\n", allowed, rejected)
	for typ, n := range byAction {
		fmt.Printf("  %-14s %d\n", typ, n)
	}
	fmt.Printf("quarantined:  %d\n", st.Defense.QuarantinedIPs)
	fmt.Printf("suspicious:   %d\n", st.Defense.SuspiciousConnections)
	fmt.Printf("blocked ips:  %d\n", st.BlockedIPs)
	fmt.Printf("flows seen:   %d\n", st.Traffic.ConnectionCount)

	if *attack != "benign" && rejected == 0 {
		fmt.Fprintln(os.Stderr, "warning: attack profile produced no rejections")
		os.Exit(1)
	}
}

// generator builds the i-th packet of a profile.
type generator func(ip string, i int, now int64) traffic.Pattern

var generators = map[string]generator{
	"benign":        benignPacket,
	"rapid-ack":     rapidACKPacket,
	"window-growth": windowGrowthPacket,
	"seq-jump":      seqJumpPacket,
	"mixed":         mixedPacket,
}

func base(ip string, i int, now int64) traffic.Pattern {
	return traffic.Pattern{
		Timestamp:       now,
		SourceIP:        ip,
		DestinationIP:   "192.0.2.10",
		SourcePort:      40000,
		DestinationPort: 8080,
		Flags:           traffic.FlagACK,
		DataLength:      0,
	}
}

func benignPacket(ip string, i int, now int64) traffic.Pattern {
	p := base(ip, i, now)
	p.SequenceNumber = uint32(1000 + i*512)
	p.AckNumber = uint32(2000 + i*512)
	p.WindowSize = 65535
	return p
}

// rapidACKPacket floods ACKs that each claim a little more data than the
// last, the classic optimistic-ACK shape.
func rapidACKPacket(ip string, i int, now int64) traffic.Pattern {
	p := base(ip, i, now)
	p.SequenceNumber = uint32(1000 + i*4)
	p.AckNumber = uint32(2000 + i*1460)
	p.WindowSize = 65535
	return p
}

func windowGrowthPacket(ip string, i int, now int64) traffic.Pattern {
	p := benignPacket(ip, i, now)
	window := uint64(1024)
	for j := 0; j < i%12; j++ {
		window *= 2
	}
	if window > 1<<30 {
		window = 1 << 30
	}
	p.WindowSize = uint32(window)
	return p
}

func seqJumpPacket(ip string, i int, now int64) traffic.Pattern {
	p := benignPacket(ip, i, now)
	if i%3 == 0 {
		p.AckNumber = uint32(2000 + i*2000000)
		p.SequenceNumber = uint32(1000 + i*500000)
	}
	return p
}

func mixedPacket(ip string, i int, now int64) traffic.Pattern {
	switch i % 3 {
	case 0:
		return rapidACKPacket(ip, i, now)
	case 1:
		return windowGrowthPacket(ip, i, now)
	default:
		return seqJumpPacket(ip, i, now)
	}
}
