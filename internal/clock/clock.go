// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts wall-clock access so time-windowed heuristics can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped the
	// timer before it fired.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var system Clock = realClock{}

// Real returns the system clock.
func Real() Clock { return system }

// Now is shorthand for Real().Now().
func Now() time.Time { return system.Now() }

// MockClock is a manually advanced clock for tests. Timers scheduled via
// AfterFunc fire synchronously from Set/Advance once their deadline passes.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	clk      *MockClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *mockTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewMockClock creates a mock clock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clk: m, deadline: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Set moves the clock to t and fires any timers whose deadline has passed.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	due := m.dueLocked()
	m.mu.Unlock()

	// Fire outside the lock: callbacks commonly read the clock.
	for _, timer := range due {
		timer.f()
	}
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

func (m *MockClock) dueLocked() []*mockTimer {
	var due []*mockTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(m.now):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}
