package syncrec

import (
	"fmt"
	"time"
)

// Clock abstracts wall-clock access so the PPS alignment loop is testable
// without real hardware timing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

type alignState int

const (
	awaitingWindow alignState = iota
	armed
	latched
)

// ppsAligner spins until the system clock's fractional second falls inside
// the acceptance window [windowLow, windowHigh). A latch command issued at
// that point reaches the hardware before the next PPS edge with margin on
// both sides. The window is adapter-specific and therefore configurable.
type ppsAligner struct {
	clock      Clock
	windowLow  float64
	windowHigh float64
	poll       time.Duration
	maxWait    time.Duration
	state      alignState
}

func newPPSAligner(clock Clock, windowLow, windowHigh float64) *ppsAligner {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ppsAligner{
		clock:      clock,
		windowLow:  windowLow,
		windowHigh: windowHigh,
		poll:       10 * time.Millisecond,
		maxWait:    3 * time.Second,
	}
}

// awaitWindow polls with short sleeps until the wall clock is inside the
// acceptance window and returns that instant. The window recurs every
// second, so exceeding maxWait means the clock source is broken.
func (a *ppsAligner) awaitWindow() (time.Time, error) {
	a.state = awaitingWindow
	deadline := a.clock.Now().Add(a.maxWait)
	for {
		now := a.clock.Now()
		frac := float64(now.Nanosecond()) / 1e9
		if frac >= a.windowLow && frac < a.windowHigh {
			a.state = armed
			return now, nil
		}
		if now.After(deadline) {
			return time.Time{}, fmt.Errorf(
				"clock never entered PPS acceptance window [%.2f, %.2f) within %v",
				a.windowLow, a.windowHigh, a.maxWait)
		}
		a.clock.Sleep(a.poll)
	}
}

// markLatched records that the device accepted the latch command.
func (a *ppsAligner) markLatched() { a.state = latched }
