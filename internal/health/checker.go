// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health runs registered component checks and aggregates them into
// an overall status.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"grimm.is/ackwatch/internal/clock"
)

// Status of a component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one component check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"lastChecked"`
	Duration    time.Duration `json:"duration"`
}

// CheckFunc produces a check result. It should respect ctx deadlines.
type CheckFunc func(ctx context.Context) Check

// Report aggregates all checks. Overall is the worst individual status.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Checker holds registered checks.
type Checker struct {
	mu     sync.Mutex
	clk    clock.Clock
	checks map[string]CheckFunc
}

// NewChecker creates a checker. A nil clock uses the system clock.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Checker{
		clk:    clk,
		checks: make(map[string]CheckFunc),
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes all checks and aggregates the report, checks sorted by name.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.Lock()
	fns := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		fns[name] = fn
	}
	c.mu.Unlock()

	report := Report{Status: StatusHealthy}
	for name, fn := range fns {
		start := c.clk.Now()
		check := fn(ctx)
		check.Name = name
		check.LastChecked = start
		check.Duration = c.clk.Now().Sub(start)
		report.Checks = append(report.Checks, check)
		report.Status = worse(report.Status, check.Status)
	}
	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})
	return report
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
