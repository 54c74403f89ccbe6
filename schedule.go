package syncrec

import (
	"log"
	"math/big"
	"regexp"
	"strconv"
	"time"
)

const (
	// launchDelay is how far ahead of "now" an unscheduled launch lands: at
	// least one second so the device time set has taken effect, plus time
	// to assemble the flowgraph.
	launchDelay = 2 * time.Second

	// stopLead is how long before a scheduled end the timed stop command is
	// issued, and how long past it teardown waits.
	stopLead = 2 * time.Second
)

var (
	sampleIndexRe = regexp.MustCompile(`^[0-9]+$`)
	unixTimeRe    = regexp.MustCompile(`^[0-9]+\.[0-9]*$`)
)

// ParseTimeIdentifier interprets a user time string as a sample index at the
// given rate (all digits), Unix seconds (decimal float), or an RFC 3339
// instant. An empty string means "absent" and returns the zero time.
func ParseTimeIdentifier(s string, rate *big.Rat) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if sampleIndexRe.MatchString(s) {
		index, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, configErrorf("time identifier %q: %v", s, err)
		}
		return sampleToTime(index, rate), nil
	}
	if unixTimeRe.MatchString(s) {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, configErrorf("time identifier %q: %v", s, err)
		}
		return time.Unix(0, int64(secs*1e9)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, configErrorf("time identifier %q is not a sample index, Unix time, or RFC 3339 instant", s)
	}
	return t.UTC(), nil
}

// timeToRat converts an instant to exact rational seconds since the epoch.
func timeToRat(t time.Time) *big.Rat {
	return new(big.Rat).SetFrac64(t.UnixNano(), 1e9)
}

// ratCeil returns the smallest integer >= x.
func ratCeil(x *big.Rat) int64 {
	q := new(big.Int).Div(x.Num(), x.Denom())
	if new(big.Rat).SetInt(q).Cmp(x) != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// sampleIndexCeil returns the first sample boundary at or after t.
func sampleIndexCeil(t time.Time, rate *big.Rat) int64 {
	return ratCeil(new(big.Rat).Mul(timeToRat(t), rate))
}

// sampleToTime converts a sample index back to a calendar instant, rounded
// to the nearest nanosecond.
func sampleToTime(index int64, rate *big.Rat) time.Time {
	secs := new(big.Rat).Quo(new(big.Rat).SetInt64(index), rate)
	ns := new(big.Rat).Mul(secs, new(big.Rat).SetInt64(1e9))
	ns.Add(ns, new(big.Rat).SetFrac64(1, 2))
	rounded := new(big.Int).Div(ns.Num(), ns.Denom())
	return time.Unix(0, rounded.Int64()).UTC()
}

// timeSpecForSample converts a sample index to a device TimeSpec without
// going through floats for the whole-second part.
func timeSpecForSample(index int64, rate *big.Rat) TimeSpec {
	secs := new(big.Rat).Quo(new(big.Rat).SetInt64(index), rate)
	full := new(big.Int).Div(secs.Num(), secs.Denom())
	frac := new(big.Rat).Sub(secs, new(big.Rat).SetInt(full))
	f, _ := frac.Float64()
	return TimeSpec{FullSecs: full.Int64(), FracSecs: f}
}

// Schedule converts user time intent into concrete launch and stop instants.
type Schedule struct {
	Start    time.Time // zero = start as soon as possible
	End      time.Time // zero = open-ended
	Duration time.Duration
	Period   time.Duration

	// Setup is the safety margin: nothing may be scheduled sooner than this,
	// because device setup takes this long. Shared with SyncConfig.
	Setup time.Duration

	Now func() time.Time // injectable for tests; nil means time.Now
}

func (s *Schedule) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AlignStart advances a requested start lying in the past (or too close to
// now for setup) forward by whole repeat periods until it clears the setup
// margin. This makes recurring schedules ("every hour on the hour") work
// without the operator computing the next valid instant.
func (s *Schedule) AlignStart(st time.Time) time.Time {
	if st.IsZero() || s.Period <= 0 {
		return st
	}
	soon := s.now().Add(s.Setup)
	if !st.Before(soon) {
		return st
	}
	diff := soon.Sub(st)
	k := int64((diff + s.Period - 1) / s.Period)
	return st.Add(time.Duration(k) * s.Period)
}

// Validate checks the end time against the (already aligned) start time.
// It must be called before any device contact: an impossible schedule is a
// user error, not a hardware condition.
func (s *Schedule) Validate() error {
	if s.End.IsZero() {
		return nil
	}
	if s.End.Before(s.now().Add(s.Setup)) {
		return scheduleErrorf("end time %s is too soon: device setup needs %v",
			s.End.Format(time.RFC3339), s.Setup)
	}
	if !s.Start.IsZero() && !s.End.After(s.Start) {
		return scheduleErrorf("end time %s is not after start time %s",
			s.End.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	return nil
}

// Launch is a resolved schedule: the exact sample-aligned instant recording
// begins, and optionally the instant it must stop.
type Launch struct {
	Time  time.Time
	Index int64     // output samples since the epoch
	End   time.Time // zero = open-ended
}

// ComputeLaunch quantizes the start to the next exact output-sample boundary
// since the epoch. Downstream indexing relies on the first recorded sample
// index being an exact integer at the output rate.
func (s *Schedule) ComputeLaunch(outputRate *big.Rat) Launch {
	lt := s.Start
	if lt.IsZero() {
		lt = s.now().Truncate(time.Second).Add(launchDelay)
	}
	index := sampleIndexCeil(lt, outputRate)
	launch := Launch{
		Time:  sampleToTime(index, outputRate),
		Index: index,
	}
	switch {
	case !s.End.IsZero():
		launch.End = s.End
	case s.Duration > 0:
		launch.End = launch.Time.Add(s.Duration)
	}
	return launch
}

// WaitForStart sleeps with coarse one-second granularity until the start is
// within the setup margin, printing a countdown every ten seconds. It
// returns false if aborted, in which case no device command may follow.
func (s *Schedule) WaitForStart(abort <-chan struct{}, verbose bool) bool {
	if s.Start.IsZero() {
		return true
	}
	for {
		remaining := s.Start.Sub(s.now())
		if remaining <= s.Setup {
			return true
		}
		if verbose {
			if ttl := int(remaining.Seconds()); ttl%10 == 0 {
				log.Printf("Standby %d s remaining...", ttl)
			}
		}
		select {
		case <-abort:
			return false
		case <-time.After(time.Second):
		}
	}
}

// WaitBeforeEnd sleeps until shortly before the end instant, returning false
// if aborted first.
func (s *Schedule) WaitBeforeEnd(end time.Time, abort <-chan struct{}) bool {
	for s.now().Before(end.Add(-stopLead)) {
		select {
		case <-abort:
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}

// IssueTimedStop hardware-schedules a stream stop at exactly the end
// instant on every mainboard. The device executes it at the target instant;
// software reaction latency is never on the critical path.
func IssueTimedStop(dev Device, end time.Time, outputRate *big.Rat) error {
	endIndex := sampleIndexCeil(end, outputRate)
	ts := timeSpecForSample(endIndex, outputRate)
	if err := dev.SetCommandTime(ts, AllMboards); err != nil {
		return err
	}
	if err := dev.IssueStreamStop(); err != nil {
		return err
	}
	return dev.ClearCommandTime(AllMboards)
}
