package syncrec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func simSessionConfig(t *testing.T) RawConfig {
	t.Helper()
	raw := DefaultRawConfig()
	raw.Datadir = t.TempDir()
	raw.Verbose = false
	raw.TestSettings = false
	return raw
}

func fastSyncConfig() SyncConfig {
	sc := DefaultSyncConfig()
	sc.Clock = &fakeClock{now: time.Unix(1700000000, 250_000_000)}
	return sc
}

func TestSessionRecordsToArchive(t *testing.T) {
	raw := simSessionConfig(t)
	raw.Subdevs = []string{"A:A A:B"}
	raw.Chs = []string{"ch0", "ch1"}
	raw.Gains = []float64{10} // cycles to both channels
	dev := NewSimDevice(1, 2)
	s, err := NewSession(raw, dev)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	s.SetSyncConfig(fastSyncConfig())

	// Open-ended run: the simulated stream is finite, so the run ends when
	// the device has produced everything.
	abort := make(chan struct{})
	if err := s.Run(RunOptions{}, abort); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(dev.StartTimes) != 1 {
		t.Fatalf("device got %d start times, want 1", len(dev.StartTimes))
	}
	if len(dev.PPSArms) != 1 {
		t.Errorf("device got %d PPS latch commands, want 1", len(dev.PPSArms))
	}
	if s.tornDown != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", s.tornDown)
	}
	if s.Config().Gains[0] != 10 || s.Config().Gains[1] != 10 {
		t.Errorf("gains %v, want the single value cycled to both channels", s.Config().Gains)
	}

	for _, ch := range []string{"ch0", "ch1"} {
		chdir := filepath.Join(raw.Datadir, ch)
		if _, err := os.Stat(filepath.Join(chdir, "drf_properties.json")); err != nil {
			t.Fatalf("%s properties file missing: %v", ch, err)
		}
		var nfiles int
		err = filepath.Walk(chdir, func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && filepath.Ext(path) == ".npy" {
				nfiles++
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if nfiles == 0 {
			t.Errorf("no sample files written for %s", ch)
		}
	}
}

func TestSessionInterruptDuringStandby(t *testing.T) {
	raw := simSessionConfig(t)
	dev := NewSimDevice(1, 1)
	s, err := NewSession(raw, dev)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	s.SetSyncConfig(fastSyncConfig())

	abort := make(chan struct{})
	close(abort)
	start := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	if err := s.Run(RunOptions{StartTime: start}, abort); err != nil {
		t.Fatalf("an interrupt is a clean stop, got error: %v", err)
	}

	// The abort came before launch: nothing may have reached the device.
	if dev.Touched() {
		t.Error("device was touched despite the pre-launch interrupt")
	}
	if len(dev.StartTimes) != 0 {
		t.Errorf("device got %d start times, want 0", len(dev.StartTimes))
	}
	if s.tornDown != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", s.tornDown)
	}
}

func TestSessionRejectsImpossibleScheduleBeforeDeviceContact(t *testing.T) {
	raw := simSessionConfig(t)
	dev := NewSimDevice(1, 1)
	s, err := NewSession(raw, dev)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	err = s.Run(RunOptions{EndTime: past}, make(chan struct{}))
	var serr *ScheduleError
	if !errors.As(err, &serr) {
		t.Fatalf("got %T (%v), want *ScheduleError", err, err)
	}
	if dev.Touched() {
		t.Error("device was touched by an impossible schedule")
	}
}

func TestSessionTestSettingsProbesDevice(t *testing.T) {
	raw := simSessionConfig(t)
	raw.TestSettings = true
	dev := NewSimDevice(1, 1)
	if _, err := NewSession(raw, dev); err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if !dev.Touched() {
		t.Error("settings test did not contact the device")
	}

	// With the probe disabled the device stays untouched until Run.
	dev2 := NewSimDevice(1, 1)
	raw2 := simSessionConfig(t)
	if _, err := NewSession(raw2, dev2); err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if dev2.Touched() {
		t.Error("device contacted despite TestSettings being disabled")
	}
}

func TestSessionRejectsBadConfiguration(t *testing.T) {
	raw := simSessionConfig(t)
	raw.Subdevs = []string{"A:A A:A"}
	raw.Chs = []string{"ch0", "ch1"}
	_, err := NewSession(raw, NewSimDevice(1, 2))
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %T (%v), want *ConfigurationError", err, err)
	}
}

func TestSessionDecimatedRun(t *testing.T) {
	raw := simSessionConfig(t)
	raw.Dec = 4
	dev := NewSimDevice(1, 1)
	s, err := NewSession(raw, dev)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	s.SetSyncConfig(fastSyncConfig())

	if err := s.Run(RunOptions{}, make(chan struct{})); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	chdir := filepath.Join(raw.Datadir, "ch0")
	var nfiles int
	err = filepath.Walk(chdir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".npy" {
			nfiles++
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if nfiles == 0 {
		t.Error("no decimated sample files written")
	}
}
