// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestNewSyslogWriterRequiresHost(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{Enabled: true})
	if err == nil {
		t.Fatal("missing host should fail")
	}
}

func TestSyslogWriterFormatsRFC3164(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	w, err := NewSyslogWriter(SyslogConfig{
		Host:     "127.0.0.1",
		Port:     port,
		Protocol: "udp",
		Tag:      "ackwatch",
		Facility: 1,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer w.Close()

	const line = "engine started"
	n, err := w.Write([]byte(line))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(line) {
		t.Fatalf("short write: %d of %d", n, len(line))
	}

	buf := make([]byte, 1024)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg := string(buf[:m])

	// Facility 1, severity info: PRI = 1*8+6.
	if !strings.HasPrefix(msg, "<14>") {
		t.Fatalf("expected PRI <14>, got %q", msg)
	}
	if !strings.HasSuffix(msg, " ackwatch: "+line) {
		t.Fatalf("expected tag and payload, got %q", msg)
	}
}

func TestSyslogWriterDefaultsPortAndProtocol(t *testing.T) {
	// Dialing a UDP socket never fails for a reachable address, so the
	// normalized defaults are observable through a successful connect to
	// an explicit host with everything else left zero.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	w, err := NewSyslogWriter(SyslogConfig{
		Host: "127.0.0.1",
		Port: pc.LocalAddr().(*net.UDPAddr).Port,
	})
	if err != nil {
		t.Fatalf("zero protocol and tag should be defaulted: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 256)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(buf[:m]), " ackwatch: ") {
		t.Fatalf("tag should default to ackwatch, got %q", string(buf[:m]))
	}
}
