// Package schedule decides from wall-clock time whether incremental sync may
// act, and throttles the liveness heartbeat.
package schedule

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Window is a daily active window. End may be before Start, in which case
// the window wraps past midnight. Both ends are inclusive.
type Window struct {
	Start Clock
	End   Clock
}

// Contains reports whether the time of day of t (already in the window's
// location) falls in w, at second resolution.
func (w Window) Contains(t time.Time) bool {
	now := secondOfDay(t)
	start, end := w.Start.seconds(), w.End.seconds()
	if start < end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Gate owns the active window and the heartbeat timestamp. It is safe for
// concurrent use; the window may be replaced while the loop runs.
type Gate struct {
	mu sync.Mutex

	window   Window
	loc      *time.Location
	interval time.Duration
	last     time.Time // zero until the first heartbeat

	logger *zap.Logger
}

// NewGate returns a gate for window in loc that logs a heartbeat at most once per interval.
func NewGate(window Window, loc *time.Location, interval time.Duration, logger *zap.Logger) *Gate {
	if loc == nil {
		loc = time.Local
	}
	return &Gate{window: window, loc: loc, interval: interval, logger: logger}
}

// InWindow reports whether now is inside the active window.
func (g *Gate) InWindow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window.Contains(now.In(g.loc))
}

// Heartbeat logs that the scheduler is alive if the last heartbeat is at
// least one interval old. It reports whether it logged.
func (g *Gate) Heartbeat(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	g.logger.Info("scheduler active, monitoring registry and hypervisor",
		zap.Stringer("window", g.window),
		zap.Bool("in_window", g.window.Contains(now.In(g.loc))))
	return true
}

// Allow runs the heartbeat check and then reports whether sync may proceed.
// Outside the window it is silent.
func (g *Gate) Allow(now time.Time) bool {
	g.Heartbeat(now)
	return g.InWindow(now)
}

// SetWindow replaces the window and location.
func (g *Gate) SetWindow(window Window, loc *time.Location) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = window
	if loc != nil {
		g.loc = loc
	}
}

// Window returns the current window.
func (g *Gate) Window() Window {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

// ResetHeartbeat forgets the last heartbeat so the next check logs.
func (g *Gate) ResetHeartbeat() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = time.Time{}
}
