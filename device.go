package syncrec

import (
	"fmt"
	"math"
	"time"
)

// AllMboards addresses every mainboard of a composite device at once.
const AllMboards = -1

// TimeSpec is a device time: whole seconds since the Unix epoch plus a
// fractional second. The split representation mirrors what the hardware
// keeps internally, so whole seconds are never subject to float rounding.
type TimeSpec struct {
	FullSecs int64
	FracSecs float64
}

// MakeTimeSpec converts a wall-clock instant to a TimeSpec.
func MakeTimeSpec(t time.Time) TimeSpec {
	return TimeSpec{
		FullSecs: t.Unix(),
		FracSecs: float64(t.Nanosecond()) / 1e9,
	}
}

// Seconds returns the time as a single float, for display only.
func (ts TimeSpec) Seconds() float64 {
	return float64(ts.FullSecs) + ts.FracSecs
}

// Time returns the nearest wall-clock instant.
func (ts TimeSpec) Time() time.Time {
	return time.Unix(ts.FullSecs, int64(math.Round(ts.FracSecs*1e9))).UTC()
}

// TuneRequest asks a channel front end to tune to a target RF frequency with
// a given local-oscillator offset.
type TuneRequest struct {
	TargetFreq float64
	LOOffset   float64
}

// TuneResult reports what the synthesizer actually achieved.
type TuneResult struct {
	ActualRFFreq  float64
	ActualDSPFreq float64
}

// SampleBlock is a contiguous run of raw complex samples from one channel.
// Index counts raw samples since the Unix epoch at the device sample rate.
type SampleBlock struct {
	Chan  int
	Index int64
	Data  []complex64
}

// Device is the capability interface to one or more synchronized receiver
// mainboards. Every mutator is paired with an accessor because hardware
// quantizes continuous requests; callers must read back what the device
// actually did. Mainboard arguments accept AllMboards where noted.
type Device interface {
	NumMboards() int
	NumChannels() int

	SetClockSource(source string, mboard int) error
	ClockSource(mboard int) string
	ClockSources(mboard int) []string
	SetTimeSource(source string, mboard int) error
	TimeSource(mboard int) string

	SetSubdevSpec(spec string, mboard int) error
	SetSampleRate(rate float64) error
	SampleRate() float64
	ClockRate(mboard int) float64

	SetCenterFreq(req TuneRequest, channel int) (TuneResult, error)
	CenterFreq(channel int) float64
	SetGain(gain float64, channel int) error
	Gain(channel int) float64
	SetBandwidth(bw float64, channel int) error
	Bandwidth(channel int) float64
	SetAntenna(name string, channel int) error
	Antenna(channel int) string
	Antennas(channel int) []string
	Info(channel int) map[string]string

	// SetTimeNextPPS arms the device to latch t at the next PPS edge.
	SetTimeNextPPS(t TimeSpec) error
	// SetTimeNow stamps the device clock immediately (no PPS dependency).
	SetTimeNow(t TimeSpec) error

	// FiniteAcquisition captures and discards a bounded number of samples,
	// forcing the streamer/DMA path to initialize before the real run.
	FiniteAcquisition(nsamples int) error
	// StopStream halts streaming immediately and flushes buffered samples.
	StopStream() error

	// SetStartTime schedules continuous streaming to begin at t. The device
	// itself executes the command at the target instant.
	SetStartTime(t TimeSpec) error
	// SetCommandTime makes subsequent commands execute at t instead of now.
	SetCommandTime(t TimeSpec, mboard int) error
	ClearCommandTime(mboard int) error
	// IssueStreamStop issues a stop-continuous command, honoring any command
	// time set with SetCommandTime.
	IssueStreamStop() error

	// StartStream begins delivery of sample blocks, one channel per returned
	// channel, with the first sample stamped at the scheduled start time.
	// The channels close when streaming ends.
	StartStream(launch TimeSpec) ([]<-chan SampleBlock, error)
}

// DriverFunc opens a device given a comma-joined identifier/argument string
// and the number of channels to stream.
type DriverFunc func(deviceArgs string, nchannels int) (Device, error)

var drivers = map[string]DriverFunc{}

// RegisterDriver makes a hardware driver available to OpenDevice. Drivers
// register from init functions, typically behind build tags.
func RegisterDriver(name string, fn DriverFunc) {
	drivers[name] = fn
}

// OpenDevice opens a device through the named registered driver.
func OpenDevice(driver, deviceArgs string, nchannels int) (Device, error) {
	fn, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("no device driver named %q is registered", driver)
	}
	return fn(deviceArgs, nchannels)
}
