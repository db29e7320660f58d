// Package metrics provides rebuild timing and request counters for the dev server.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// RebuildMetrics tracks one bundler run.
type RebuildMetrics struct {
	StartTime time.Time
	EndTime   time.Time

	Trigger  string
	Outputs  int
	Errors   int
	Warnings int
	Bytes    int64
}

// NewRebuildMetrics creates a metrics instance started now.
func NewRebuildMetrics(trigger string) *RebuildMetrics {
	return &RebuildMetrics{
		StartTime: time.Now(),
		Trigger:   trigger,
	}
}

// RecordEnd marks the end of the rebuild.
func (m *RebuildMetrics) RecordEnd() {
	m.EndTime = time.Now()
}

// TotalDuration returns the rebuild duration, or the elapsed time if still running.
func (m *RebuildMetrics) TotalDuration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

func (m *RebuildMetrics) Failed() bool {
	return m.Errors > 0
}

// String returns a single-line summary.
func (m *RebuildMetrics) String() string {
	if m.Failed() {
		return fmt.Sprintf("❌ Rebuild failed in %v (%d errors, %d warnings, trigger: %s)\n",
			m.TotalDuration().Round(time.Millisecond), m.Errors, m.Warnings, m.Trigger)
	}
	return fmt.Sprintf("📦 Bundled %d files (%.1f KB) in %v (%d warnings, trigger: %s)\n",
		m.Outputs,
		float64(m.Bytes)/1024,
		m.TotalDuration().Round(time.Millisecond),
		m.Warnings,
		m.Trigger,
	)
}

// Requests counts how the dispatcher resolved requests. Safe for concurrent use.
type Requests struct {
	staticHits     atomic.Int64
	staticFailures atomic.Int64
	fallbacks      atomic.Int64
}

func (r *Requests) IncStaticHit()     { r.staticHits.Add(1) }
func (r *Requests) IncStaticFailure() { r.staticFailures.Add(1) }
func (r *Requests) IncFallback()      { r.fallbacks.Add(1) }

// Snapshot is a point-in-time copy of Requests.
type Snapshot struct {
	StaticHits     int64
	StaticFailures int64
	Fallbacks      int64
}

func (r *Requests) Snapshot() Snapshot {
	return Snapshot{
		StaticHits:     r.staticHits.Load(),
		StaticFailures: r.staticFailures.Load(),
		Fallbacks:      r.fallbacks.Load(),
	}
}

func (s Snapshot) Total() int64 {
	return s.StaticHits + s.StaticFailures + s.Fallbacks
}

func (s Snapshot) String() string {
	return fmt.Sprintf("📊 Served %d requests (static: %d ok / %d failed, passthrough: %d)\n",
		s.Total(), s.StaticHits, s.StaticFailures, s.Fallbacks)
}
