// Package progress measures transfer throughput for progress reporting.
package progress

import (
	"sync"
	"time"
)

const (
	// smoothing is the EWMA weight of the newest rate sample.
	smoothing = 0.2
	// minSample is the shortest window folded into the rate. Parallel
	// channels report in bursts microseconds apart; shorter windows would
	// turn each burst into a spike.
	minSample = 100 * time.Millisecond
)

// Stats is a point-in-time view of a Meter.
type Stats struct {
	BytesDone int64
	Total     int64
	// RateBps is the smoothed recent rate.
	RateBps float64
	// AvgBps is BytesDone over Elapsed.
	AvgBps float64
	// ETA is the remaining bytes over AvgBps. ETAKnown stays false, and ETA
	// zero, until bytes have moved over a non-zero interval.
	ETA       time.Duration
	ETAKnown  bool
	Percent   float64
	Elapsed   time.Duration
	StartedAt time.Time
}

// Meter accumulates byte counts from any number of goroutines.
type Meter struct {
	mu      sync.Mutex
	now     func() time.Time
	total   int64
	done    int64
	started time.Time

	windowAt   time.Time
	windowDone int64
	rate       float64
}

func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow uses now as the clock.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	m.total = totalBytes
	m.done = 0
	m.started = t
	m.windowAt = t
	m.windowDone = 0
	m.rate = 0
}

// Add records n more bytes and returns the updated stats.
func (m *Meter) Add(n int) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.done += int64(n)
		m.sampleLocked(m.now())
	}
	return m.statsLocked()
}

func (m *Meter) sampleLocked(t time.Time) {
	window := t.Sub(m.windowAt)
	if window < minSample {
		return
	}
	inst := float64(m.done-m.windowDone) / window.Seconds()
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate = smoothing*inst + (1-smoothing)*m.rate
	}
	m.windowAt = t
	m.windowDone = m.done
}

func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Meter) statsLocked() Stats {
	elapsed := m.now().Sub(m.started)
	s := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rate,
		Elapsed:   elapsed,
		StartedAt: m.started,
	}
	if m.total > 0 {
		s.Percent = min(float64(m.done)/float64(m.total)*100, 100)
	}
	if m.done == 0 || elapsed <= 0 {
		return s
	}
	s.AvgBps = float64(m.done) / elapsed.Seconds()
	remaining := max(m.total-m.done, 0)
	s.ETA = time.Duration(float64(remaining) / s.AvgBps * float64(time.Second))
	s.ETAKnown = true
	return s
}
