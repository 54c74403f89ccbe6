package syncrec

import (
	"testing"
	"time"
)

// fakeClock advances by a fixed step on every Sleep, starting from a chosen
// fractional second.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func TestAwaitWindowPollsIntoWindow(t *testing.T) {
	// Start at .95 of a second so the loop must cross a PPS edge and then
	// poll up into the window.
	clock := &fakeClock{now: time.Unix(1700000000, 950_000_000)}
	a := newPPSAligner(clock, 0.2, 0.3)

	tt, err := a.awaitWindow()
	if err != nil {
		t.Fatalf("awaitWindow failed: %v", err)
	}
	frac := float64(tt.Nanosecond()) / 1e9
	if frac < 0.2 || frac >= 0.3 {
		t.Errorf("latched at fractional second %g, want [0.2, 0.3)", frac)
	}
	if tt.Unix() != 1700000001 {
		t.Errorf("latched in second %d, want 1700000001", tt.Unix())
	}
	if a.state != armed {
		t.Errorf("aligner state = %v, want armed", a.state)
	}
}

func TestAwaitWindowImmediateHit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 250_000_000)}
	a := newPPSAligner(clock, 0.2, 0.3)

	tt, err := a.awaitWindow()
	if err != nil {
		t.Fatalf("awaitWindow failed: %v", err)
	}
	if !tt.Equal(clock.now) {
		t.Errorf("latched at %s, want the first poll %s", tt, clock.now)
	}
}

// stuckClock never advances, as if the time source were dead.
type stuckClock struct {
	now   time.Time
	polls int
}

func (c *stuckClock) Now() time.Time { c.polls++; return c.now }
func (c *stuckClock) Sleep(time.Duration) {
	// After enough polls pretend a long stall happened so the deadline
	// check can fire without the window ever being entered.
	if c.polls > 10 {
		c.now = c.now.Add(time.Hour)
	}
}

func TestAwaitWindowDeadline(t *testing.T) {
	clock := &stuckClock{now: time.Unix(1700000000, 500_000_000)}
	a := newPPSAligner(clock, 0.2, 0.3)

	if _, err := a.awaitWindow(); err == nil {
		t.Error("awaitWindow returned despite the clock never entering the window")
	}
}

func TestMarkLatched(t *testing.T) {
	a := newPPSAligner(&fakeClock{now: time.Unix(0, 250_000_000)}, 0.2, 0.3)
	if _, err := a.awaitWindow(); err != nil {
		t.Fatal(err)
	}
	a.markLatched()
	if a.state != latched {
		t.Errorf("aligner state = %v, want latched", a.state)
	}
}
