package syncrec

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestParseTimeIdentifier(t *testing.T) {
	rate := big.NewRat(1000000, 1) // 1 MHz

	// All digits: a sample index at the output rate.
	tm, err := ParseTimeIdentifier("1500000000000000", rate)
	if err != nil {
		t.Fatalf("sample index failed: %v", err)
	}
	if want := time.Unix(1500000000, 0).UTC(); !tm.Equal(want) {
		t.Errorf("sample index parsed to %s, want %s", tm, want)
	}

	// Decimal: Unix seconds.
	tm, err = ParseTimeIdentifier("1500000000.5", rate)
	if err != nil {
		t.Fatalf("unix time failed: %v", err)
	}
	if want := time.Unix(1500000000, 500000000).UTC(); !tm.Equal(want) {
		t.Errorf("unix time parsed to %s, want %s", tm, want)
	}

	// RFC 3339.
	tm, err = ParseTimeIdentifier("2017-07-14T02:40:00Z", rate)
	if err != nil {
		t.Fatalf("RFC 3339 failed: %v", err)
	}
	if want := time.Date(2017, 7, 14, 2, 40, 0, 0, time.UTC); !tm.Equal(want) {
		t.Errorf("RFC 3339 parsed to %s, want %s", tm, want)
	}

	// Empty means absent.
	tm, err = ParseTimeIdentifier("", rate)
	if err != nil || !tm.IsZero() {
		t.Errorf("empty identifier: got %s, %v", tm, err)
	}

	if _, err := ParseTimeIdentifier("not a time", rate); err == nil {
		t.Error("garbage identifier accepted")
	} else {
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Errorf("got %T, want *ConfigurationError", err)
		}
	}
}

func TestSampleIndexRoundTrip(t *testing.T) {
	// A rate with a non-terminating decimal expansion exercises the
	// rational arithmetic: 100 MHz / 3.
	rate := big.NewRat(100000000, 3)
	for _, index := range []int64{0, 1, 2, 3, 1000000007, 50000000000000000} {
		tm := sampleToTime(index, rate)
		back := sampleIndexCeil(tm, rate)
		// Rounding to the nanosecond may land just past the boundary, in
		// which case the ceiling moves to the next sample; never earlier.
		if back != index && back != index+1 {
			t.Errorf("index %d round-tripped to %d", index, back)
		}
	}
}

func TestSampleIndexCeil(t *testing.T) {
	rate := big.NewRat(1000000, 1)
	base := time.Unix(1500000000, 0)

	if got := sampleIndexCeil(base, rate); got != 1500000000000000 {
		t.Errorf("exact boundary: got %d", got)
	}
	// One nanosecond past a boundary must advance a full sample.
	if got := sampleIndexCeil(base.Add(time.Nanosecond), rate); got != 1500000000000001 {
		t.Errorf("just past boundary: got %d", got)
	}
}

func TestTimeSpecForSample(t *testing.T) {
	rate := big.NewRat(1000000, 1)
	ts := timeSpecForSample(1500000000500000, rate)
	if ts.FullSecs != 1500000000 {
		t.Errorf("FullSecs = %d, want 1500000000", ts.FullSecs)
	}
	if ts.FracSecs < 0.4999999 || ts.FracSecs > 0.5000001 {
		t.Errorf("FracSecs = %g, want 0.5", ts.FracSecs)
	}
}

func TestAlignStartAdvancesByWholePeriods(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := &Schedule{
		Period: 10 * time.Second,
		Setup:  10 * time.Second,
		Now:    func() time.Time { return now },
	}

	// A start in the past advances by whole periods to the first instant
	// clearing the setup margin.
	past := now.Add(-25 * time.Second)
	got := s.AlignStart(past)
	if want := past.Add(40 * time.Second); !got.Equal(want) {
		t.Errorf("aligned to %s, want %s", got, want)
	}
	if got.Sub(past)%s.Period != 0 {
		t.Errorf("alignment %v is not a whole number of periods", got.Sub(past))
	}

	// A start comfortably in the future is untouched.
	future := now.Add(time.Hour)
	if got := s.AlignStart(future); !got.Equal(future) {
		t.Errorf("future start moved to %s", got)
	}

	// A start inside the setup margin moves out by one period.
	near := now.Add(5 * time.Second)
	if got := s.AlignStart(near); !got.Equal(near.Add(10 * time.Second)) {
		t.Errorf("near start moved to %s", got)
	}

	// Zero start is "as soon as possible" and is never aligned.
	if got := s.AlignStart(time.Time{}); !got.IsZero() {
		t.Errorf("zero start moved to %s", got)
	}
}

func TestScheduleValidate(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	base := Schedule{
		Setup: 10 * time.Second,
		Now:   func() time.Time { return now },
	}

	tests := []struct {
		name   string
		start  time.Time
		end    time.Time
		wantOK bool
	}{
		{"open ended", time.Time{}, time.Time{}, true},
		{"plenty of margin", time.Time{}, now.Add(time.Hour), true},
		{"end in the past", time.Time{}, now.Add(-time.Minute), false},
		{"end inside setup margin", time.Time{}, now.Add(5 * time.Second), false},
		{"end before start", now.Add(2 * time.Hour), now.Add(time.Hour), false},
		{"end equals start", now.Add(time.Hour), now.Add(time.Hour), false},
	}
	for _, test := range tests {
		s := base
		s.Start = test.start
		s.End = test.end
		err := s.Validate()
		if test.wantOK && err != nil {
			t.Errorf("%s: unexpected error %v", test.name, err)
		}
		if !test.wantOK {
			var serr *ScheduleError
			if err == nil {
				t.Errorf("%s: expected a schedule error", test.name)
			} else if !errors.As(err, &serr) {
				t.Errorf("%s: got %T, want *ScheduleError", test.name, err)
			}
		}
	}
}

func TestComputeLaunch(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 300_000_000, time.UTC)
	rate := big.NewRat(250000, 1)

	// Unscheduled: launch lands two seconds after the whole second of now,
	// exactly on a sample boundary.
	s := &Schedule{Now: func() time.Time { return now }}
	launch := s.ComputeLaunch(rate)
	if want := now.Truncate(time.Second).Add(2 * time.Second); !launch.Time.Equal(want) {
		t.Errorf("unscheduled launch at %s, want %s", launch.Time, want)
	}
	if !sampleToTime(launch.Index, rate).Equal(launch.Time) {
		t.Errorf("launch index %d does not name the launch instant", launch.Index)
	}
	if !launch.End.IsZero() {
		t.Errorf("unscheduled launch has an end time %s", launch.End)
	}

	// Scheduled with a duration: end = launch + duration.
	start := now.Add(time.Hour)
	s = &Schedule{Start: start, Duration: 30 * time.Second, Now: func() time.Time { return now }}
	launch = s.ComputeLaunch(rate)
	if !launch.Time.Equal(start) {
		t.Errorf("scheduled launch at %s, want %s", launch.Time, start)
	}
	if want := start.Add(30 * time.Second); !launch.End.Equal(want) {
		t.Errorf("end at %s, want %s", launch.End, want)
	}

	// An explicit end time wins over a duration.
	end := now.Add(2 * time.Hour)
	s = &Schedule{Start: start, End: end, Duration: 30 * time.Second, Now: func() time.Time { return now }}
	if launch = s.ComputeLaunch(rate); !launch.End.Equal(end) {
		t.Errorf("end at %s, want %s", launch.End, end)
	}
}

func TestIssueTimedStop(t *testing.T) {
	dev := NewSimDevice(1, 1)
	rate := big.NewRat(1000000, 1)
	end := time.Unix(1700000100, 0).UTC()

	if err := IssueTimedStop(dev, end, rate); err != nil {
		t.Fatalf("IssueTimedStop failed: %v", err)
	}
	if len(dev.CommandTimes) != 1 {
		t.Fatalf("%d command times set, want 1", len(dev.CommandTimes))
	}
	if dev.CommandTimes[0].FullSecs != 1700000100 {
		t.Errorf("command time %+v, want full seconds 1700000100", dev.CommandTimes[0])
	}
	if dev.IssuedStops != 1 {
		t.Errorf("%d stream stops issued, want 1", dev.IssuedStops)
	}
	if dev.ClearedTimes != 1 {
		t.Errorf("command time cleared %d times, want 1", dev.ClearedTimes)
	}
}
