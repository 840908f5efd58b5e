// Package tokens estimates plan usage from observed response cycles. The
// underlying assistant exposes no counter, so the estimate is heuristic: a
// cycle is one idle-then-burst transition seen by a monitor.
package tokens

import (
	"sync"
	"time"
)

// Plan tiers and their approximate message budgets per window.
var tierLimits = map[string]int{
	"pro":  45,
	"mid":  225,
	"high": 900,
}

// Thresholds as percentages of the tier limit.
type Thresholds struct {
	WarningPct  int
	DangerPct   int
	CriticalPct int
}

// Level is the severity returned by CheckThresholds.
type Level string

const (
	LevelNone     Level = ""
	LevelWarning  Level = "warning"
	LevelDanger   Level = "danger"
	LevelCritical Level = "critical"
)

// Usage is a point-in-time usage snapshot.
type Usage struct {
	Used           int
	Limit          int
	Percentage     int
	ResetInSeconds float64
	Tier           string
}

// Estimator counts response cycles per session inside a rolling window.
type Estimator struct {
	mu          sync.Mutex
	tier        string
	window      time.Duration
	thresholds  Thresholds
	counts      map[string]int
	windowStart time.Time
	now         func() time.Time
}

func NewEstimator(tier string, windowHours int, th Thresholds) *Estimator {
	if _, ok := tierLimits[tier]; !ok {
		tier = "pro"
	}
	if windowHours <= 0 {
		windowHours = 5
	}
	if th.WarningPct <= 0 {
		th.WarningPct = 80
	}
	if th.DangerPct <= 0 {
		th.DangerPct = 90
	}
	if th.CriticalPct <= 0 {
		th.CriticalPct = 95
	}
	return &Estimator{
		tier:       tier,
		window:     time.Duration(windowHours) * time.Hour,
		thresholds: th,
		counts:     make(map[string]int),
		now:        time.Now,
	}
}

// RecordCycle counts one observed response cycle for a session. The window
// resets itself once its duration has elapsed.
func (e *Estimator) RecordCycle(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if !e.windowStart.IsZero() && now.Sub(e.windowStart) >= e.window {
		e.counts = make(map[string]int)
		e.windowStart = time.Time{}
	}
	e.counts[sessionID]++
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
}

// IsCycleBoundary reports whether an idle-then-burst transition counts as
// one response cycle. Crude by design: short responses undercount, and no
// better signal is available.
func IsCycleBoundary(idle time.Duration, newLines int) bool {
	return idle >= 3*time.Second && newLines >= 5
}

// GetUsage returns usage for one session, or aggregate usage when
// sessionID is empty.
func (e *Estimator) GetUsage(sessionID string) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	limit := tierLimits[e.tier]
	used := 0
	if sessionID != "" {
		used = e.counts[sessionID]
	} else {
		for _, n := range e.counts {
			used += n
		}
	}
	pct := 0
	if limit > 0 {
		pct = used * 100 / limit
		if pct > 100 {
			pct = 100
		}
	}
	var resetIn float64
	if !e.windowStart.IsZero() {
		resetIn = (e.window - e.now().Sub(e.windowStart)).Seconds()
		if resetIn < 0 {
			resetIn = 0
		}
	}
	return Usage{Used: used, Limit: limit, Percentage: pct, ResetInSeconds: resetIn, Tier: e.tier}
}

// CheckThresholds maps aggregate usage onto a severity level.
func (e *Estimator) CheckThresholds() Level {
	pct := e.GetUsage("").Percentage
	th := e.thresholds
	switch {
	case pct >= th.CriticalPct:
		return LevelCritical
	case pct >= th.DangerPct:
		return LevelDanger
	case pct >= th.WarningPct:
		return LevelWarning
	default:
		return LevelNone
	}
}

// ResetWindow clears all counts and the window start.
func (e *Estimator) ResetWindow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = make(map[string]int)
	e.windowStart = time.Time{}
}
