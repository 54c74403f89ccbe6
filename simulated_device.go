package syncrec

import (
	"fmt"
	"math"
	"sync"
)

// SimDevice is a deterministic software stand-in for real receiver hardware.
// It quantizes every continuous request the way a front end would (gain
// steps, synthesizer grid, integer clock division) and records each timed
// command it receives, so tests can assert on exactly what the control loop
// asked the hardware to do.
type SimDevice struct {
	nmboards int
	nchan    int

	clockRate    float64
	gainStep     float64
	freqStep     float64
	validSources []string
	validAnts    []string

	// BlocksPerChannel and BlockSize bound the synthetic stream.
	BlocksPerChannel int
	BlockSize        int

	mu           sync.Mutex
	touched      bool
	sampleRate   float64
	clockSources map[int]string
	timeSources  map[int]string
	subdevSpecs  map[int]string
	freqs        []float64
	dspFreqs     []float64
	gains        []float64
	bandwidths   []float64
	antennas     []string

	PPSArms       []TimeSpec
	TimeNowSets   []TimeSpec
	FiniteAcqs    []int
	StartTimes    []TimeSpec
	CommandTimes  []TimeSpec
	ClearedTimes  int
	StreamStops   int
	IssuedStops   int
	streamAborted chan struct{}
	streaming     bool
}

// NewSimDevice creates a simulated device set with the given mainboard and
// channel counts. The default clock rate of 100 MHz divides any rate of the
// form 100e6/n exactly.
func NewSimDevice(nmboards, nchan int) *SimDevice {
	d := &SimDevice{
		nmboards:         nmboards,
		nchan:            nchan,
		clockRate:        100e6,
		gainStep:         0.5,
		freqStep:         1.0,
		validSources:     []string{"internal", "external", "gpsdo"},
		validAnts:        []string{"RX2", "TX/RX"},
		BlocksPerChannel: 4,
		BlockSize:        256,
		sampleRate:       1e6,
		clockSources:     make(map[int]string),
		timeSources:      make(map[int]string),
		subdevSpecs:      make(map[int]string),
		freqs:            make([]float64, nchan),
		dspFreqs:         make([]float64, nchan),
		gains:            make([]float64, nchan),
		bandwidths:       make([]float64, nchan),
		antennas:         make([]string, nchan),
	}
	for i := range d.antennas {
		d.antennas[i] = d.validAnts[0]
		d.bandwidths[i] = 28e6
	}
	return d
}

func init() {
	RegisterDriver("sim", func(deviceArgs string, nchannels int) (Device, error) {
		return NewSimDevice(1, nchannels), nil
	})
}

// Touched reports whether any mutating call has reached the device.
func (d *SimDevice) Touched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.touched
}

func (d *SimDevice) touch() {
	d.mu.Lock()
	d.touched = true
	d.mu.Unlock()
}

func (d *SimDevice) NumMboards() int  { return d.nmboards }
func (d *SimDevice) NumChannels() int { return d.nchan }

func (d *SimDevice) validSource(s string) bool {
	for _, v := range d.validSources {
		if s == v {
			return true
		}
	}
	return false
}

func (d *SimDevice) SetClockSource(source string, mboard int) error {
	d.touch()
	if !d.validSource(source) {
		return fmt.Errorf("clock source %q not supported", source)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, mb := range d.expand(mboard) {
		d.clockSources[mb] = source
	}
	return nil
}

func (d *SimDevice) ClockSource(mboard int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.clockSources[mboard]; ok {
		return s
	}
	return "internal"
}

func (d *SimDevice) ClockSources(mboard int) []string {
	return append([]string(nil), d.validSources...)
}

func (d *SimDevice) SetTimeSource(source string, mboard int) error {
	d.touch()
	if !d.validSource(source) {
		return fmt.Errorf("time source %q not supported", source)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, mb := range d.expand(mboard) {
		d.timeSources[mb] = source
	}
	return nil
}

func (d *SimDevice) TimeSource(mboard int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.timeSources[mboard]; ok {
		return s
	}
	return "internal"
}

func (d *SimDevice) expand(mboard int) []int {
	if mboard == AllMboards {
		all := make([]int, d.nmboards)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return []int{mboard}
}

func (d *SimDevice) SetSubdevSpec(spec string, mboard int) error {
	d.touch()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subdevSpecs[mboard] = spec
	return nil
}

// SetSampleRate quantizes to the nearest integer division of the clock rate,
// as a real DDC would.
func (d *SimDevice) SetSampleRate(rate float64) error {
	d.touch()
	div := math.Round(d.clockRate / rate)
	if div < 1 {
		div = 1
	}
	d.mu.Lock()
	d.sampleRate = d.clockRate / div
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) SampleRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate
}

func (d *SimDevice) ClockRate(mboard int) float64 { return d.clockRate }

func (d *SimDevice) SetCenterFreq(req TuneRequest, channel int) (TuneResult, error) {
	d.touch()
	rf := math.Round(req.TargetFreq/d.freqStep) * d.freqStep
	dsp := math.Round(req.LOOffset/d.freqStep) * d.freqStep
	d.mu.Lock()
	d.freqs[channel] = rf
	d.dspFreqs[channel] = dsp
	d.mu.Unlock()
	return TuneResult{ActualRFFreq: rf, ActualDSPFreq: dsp}, nil
}

func (d *SimDevice) CenterFreq(channel int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freqs[channel]
}

// SetGain rounds to the gain step and clamps to the front end's range.
func (d *SimDevice) SetGain(gain float64, channel int) error {
	d.touch()
	g := math.Round(gain/d.gainStep) * d.gainStep
	g = math.Max(0, math.Min(76, g))
	d.mu.Lock()
	d.gains[channel] = g
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) Gain(channel int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gains[channel]
}

func (d *SimDevice) SetBandwidth(bw float64, channel int) error {
	d.touch()
	b := math.Round(bw/1e3) * 1e3
	d.mu.Lock()
	d.bandwidths[channel] = b
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) Bandwidth(channel int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bandwidths[channel]
}

func (d *SimDevice) SetAntenna(name string, channel int) error {
	d.touch()
	for _, v := range d.validAnts {
		if name == v {
			d.mu.Lock()
			d.antennas[channel] = name
			d.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("antenna %q not supported", name)
}

func (d *SimDevice) Antenna(channel int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.antennas[channel]
}

func (d *SimDevice) Antennas(channel int) []string {
	return append([]string(nil), d.validAnts...)
}

func (d *SimDevice) Info(channel int) map[string]string {
	return map[string]string{
		"mboard_id":      "SIM-100",
		"mboard_serial":  fmt.Sprintf("SIM%06d", channel),
		"rx_subdev_name": "Simulated RX frontend",
	}
}

func (d *SimDevice) SetTimeNextPPS(t TimeSpec) error {
	d.touch()
	d.mu.Lock()
	d.PPSArms = append(d.PPSArms, t)
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) SetTimeNow(t TimeSpec) error {
	d.touch()
	d.mu.Lock()
	d.TimeNowSets = append(d.TimeNowSets, t)
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) FiniteAcquisition(nsamples int) error {
	d.touch()
	d.mu.Lock()
	d.FiniteAcqs = append(d.FiniteAcqs, nsamples)
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) StopStream() error {
	d.touch()
	d.mu.Lock()
	d.StreamStops++
	if d.streaming {
		close(d.streamAborted)
		d.streaming = false
	}
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) SetStartTime(t TimeSpec) error {
	d.touch()
	d.mu.Lock()
	d.StartTimes = append(d.StartTimes, t)
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) SetCommandTime(t TimeSpec, mboard int) error {
	d.touch()
	d.mu.Lock()
	d.CommandTimes = append(d.CommandTimes, t)
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) ClearCommandTime(mboard int) error {
	d.touch()
	d.mu.Lock()
	d.ClearedTimes++
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) IssueStreamStop() error {
	d.touch()
	d.mu.Lock()
	d.IssuedStops++
	if d.streaming {
		close(d.streamAborted)
		d.streaming = false
	}
	d.mu.Unlock()
	return nil
}

// StartStream produces BlocksPerChannel contiguous zero-sample blocks per
// channel, starting at the raw sample index of the launch instant, then
// closes the block channels. IssueStreamStop or StopStream ends it early.
func (d *SimDevice) StartStream(launch TimeSpec) ([]<-chan SampleBlock, error) {
	d.touch()
	d.mu.Lock()
	rate := d.sampleRate
	abort := make(chan struct{})
	d.streamAborted = abort
	d.streaming = true
	d.mu.Unlock()

	startIndex := int64(math.Round(float64(launch.FullSecs)*rate)) +
		int64(math.Round(launch.FracSecs*rate))

	chans := make([]<-chan SampleBlock, d.nchan)
	for ch := 0; ch < d.nchan; ch++ {
		c := make(chan SampleBlock, d.BlocksPerChannel)
		chans[ch] = c
		go func(ch int, c chan SampleBlock) {
			defer close(c)
			index := startIndex
			for i := 0; i < d.BlocksPerChannel; i++ {
				block := SampleBlock{
					Chan:  ch,
					Index: index,
					Data:  make([]complex64, d.BlockSize),
				}
				select {
				case c <- block:
					index += int64(d.BlockSize)
				case <-abort:
					return
				}
			}
		}(ch, c)
	}
	return chans, nil
}
