package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clk     *Manual
	at      time.Time
	ch      chan time.Time
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the manual clock has advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.newTimer(d).ch
}

// NewTimer returns a stoppable timer driven by Advance.
func (m *Manual) NewTimer(d time.Duration) Timer {
	return m.newTimer(d)
}

func (m *Manual) newTimer(d time.Duration) *manualTimer {
	ch := make(chan time.Time, 1)
	timer := &manualTimer{clk: m, ch: ch}
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		timer.fired = true
		m.mu.Unlock()
		ch <- now
		return timer
	}
	timer.at = m.now.Add(d)
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return timer
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	if len(m.timers) == 0 {
		m.mu.Unlock()
		return now
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.stopped {
			continue
		}
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.fired = true
		timer.ch <- now
	}
	m.timers = remaining
	m.mu.Unlock()
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}

func (t *manualTimer) C() <-chan time.Time {
	return t.ch
}

func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
