package syncrec

import (
	"fmt"
	"log"
	"math"
	"math/big"
	"time"
)

// SyncConfig tunes the device time-synchronization protocol. The zero value
// is not useful; start from DefaultSyncConfig.
type SyncConfig struct {
	// WindowLow and WindowHigh bound the fractional-second acceptance band
	// for the PPS latch. The values are hardware-tolerance constants, not
	// derived from a model; adjust per adapter.
	WindowLow  float64
	WindowHigh float64

	// SetupTime bounds the whole setup-and-latch sequence. The scheduler
	// uses the same value as its safety margin; they must stay coupled or
	// the scheduler could demand a launch the hardware cannot meet.
	SetupTime time.Duration

	// ProbeSamples is the length of the finite acquisition issued before
	// the latch to force streamer initialization.
	ProbeSamples int

	Clock Clock
}

// DefaultSyncConfig returns the values the original hardware was tuned with.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		WindowLow:    0.2,
		WindowHigh:   0.3,
		SetupTime:    10 * time.Second,
		ProbeSamples: 16384,
		Clock:        SystemClock{},
	}
}

// SyncState is what synchronization established: the exact rational sample
// rates and the calendar instant the device clock was latched to.
type SyncState struct {
	// Rate is the hardware sample rate as an exact rational (clock rate
	// over integer divisor). All sample-index arithmetic derives from it;
	// floats are for display only.
	Rate *big.Rat
	// OutputRate is Rate divided by the decimation factor.
	OutputRate *big.Rat
	ClockRate  float64
	// LatchTime is the calendar instant the device clock corresponds to,
	// zero until Latch has run.
	LatchTime time.Time
}

// RateFloat returns the hardware rate as a float for human-readable output.
func (st *SyncState) RateFloat() float64 {
	f, _ := st.Rate.Float64()
	return f
}

// OutputRateFloat returns the decimated output rate as a float.
func (st *SyncState) OutputRateFloat() float64 {
	f, _ := st.OutputRate.Float64()
	return f
}

// ratFromFloat converts a hardware rate in Hz to an exact rational at
// micro-hertz resolution, which is finer than any synthesizer step.
func ratFromFloat(x float64) *big.Rat {
	return new(big.Rat).SetFrac64(int64(math.Round(x*1e6)), 1e6)
}

// exactRate forms the hardware sample rate as clockRate divided by the
// nearest integer divisor reproducing actualRate. Long recordings index
// samples by this rational, never by the float the driver reports.
func exactRate(clockRate, actualRate float64) *big.Rat {
	div := int64(math.Round(clockRate / actualRate))
	if div < 1 {
		div = 1
	}
	r := ratFromFloat(clockRate)
	return r.Quo(r, new(big.Rat).SetInt64(div))
}

// SyncController drives a device through clock-source selection, parameter
// application with read-back, and the PPS-edge latch protocol.
type SyncController struct {
	dev Device
	cfg *ResolvedConfig
	sc  SyncConfig
}

func NewSyncController(dev Device, cfg *ResolvedConfig, sc SyncConfig) *SyncController {
	return &SyncController{dev: dev, cfg: cfg, sc: sc}
}

// Setup applies clock/time sources, subdevice specs, sample rate, and all
// per-channel settings, reading back the actual value after every set so
// the configuration tables record what the hardware really did. It returns
// the exact-rational rate state.
func (c *SyncController) Setup() (*SyncState, error) {
	dev, cfg := c.dev, c.cfg

	if cfg.Sync {
		if err := dev.SetClockSource(cfg.SyncSource, AllMboards); err != nil {
			return nil, &SyncSourceError{Source: cfg.SyncSource, Valid: dev.ClockSources(0)}
		}
		if err := dev.SetTimeSource(cfg.SyncSource, AllMboards); err != nil {
			return nil, &SyncSourceError{Source: cfg.SyncSource, Valid: dev.ClockSources(0)}
		}
	}

	for mb := 0; mb < cfg.NMboards; mb++ {
		if err := dev.SetSubdevSpec(cfg.Subdevs[mb], mb); err != nil {
			return nil, fmt.Errorf("setting subdevice spec %q on mainboard %d: %w", cfg.Subdevs[mb], mb, err)
		}
	}

	if err := dev.SetSampleRate(cfg.SampleRate); err != nil {
		return nil, fmt.Errorf("setting sample rate %g: %w", cfg.SampleRate, err)
	}
	actual := dev.SampleRate()
	clockRate := dev.ClockRate(0)
	rate := exactRate(clockRate, actual)
	cfg.SampleRate = actual

	state := &SyncState{
		Rate:       rate,
		OutputRate: new(big.Rat).Quo(new(big.Rat).Set(rate), new(big.Rat).SetInt64(int64(cfg.Dec))),
		ClockRate:  clockRate,
	}

	for ch := 0; ch < cfg.NChans; ch++ {
		res, err := dev.SetCenterFreq(TuneRequest{
			TargetFreq: cfg.Centerfreqs[ch],
			LOOffset:   cfg.LOOffsets[ch],
		}, ch)
		if err != nil {
			return nil, fmt.Errorf("tuning channel %d to %g Hz: %w", ch, cfg.Centerfreqs[ch], err)
		}
		cfg.Centerfreqs[ch] = dev.CenterFreq(ch)
		cfg.LOOffsets[ch] = res.ActualDSPFreq

		if err := dev.SetGain(cfg.Gains[ch], ch); err != nil {
			return nil, fmt.Errorf("setting gain %g on channel %d: %w", cfg.Gains[ch], ch, err)
		}
		cfg.Gains[ch] = dev.Gain(ch)

		// Zero bandwidth means leave the frontend default in place.
		if bw := cfg.Bandwidths[ch]; bw != 0 {
			if err := dev.SetBandwidth(bw, ch); err != nil {
				return nil, fmt.Errorf("setting bandwidth %g on channel %d: %w", bw, ch, err)
			}
		}
		cfg.Bandwidths[ch] = dev.Bandwidth(ch)

		if ant := cfg.Antennas[ch]; ant != "" {
			if err := dev.SetAntenna(ant, ch); err != nil {
				return nil, &AntennaError{Channel: ch, Antenna: ant, Valid: dev.Antennas(ch)}
			}
		}
		cfg.Antennas[ch] = dev.Antenna(ch)
	}

	if cfg.Verbose {
		c.reportDevices()
	}
	return state, nil
}

// reportDevices logs one block per channel describing the hardware actually
// in use, after read-back.
func (c *SyncController) reportDevices() {
	log.Println("Using the following devices:")
	for ch := 0; ch < c.cfg.NChans; ch++ {
		info := c.dev.Info(ch)
		addr := c.cfg.MboardOfChan[ch]
		if addr == "default" {
			addr = info["mboard_serial"]
		}
		log.Printf("---- %s ----", c.cfg.Chs[ch])
		log.Printf("  Motherboard: %s (%s)", info["mboard_id"], addr)
		log.Printf("  Daughterboard: %s", info["rx_subdev_name"])
		log.Printf("  Subdev: %s", c.cfg.SubdevOfChan[ch])
		log.Printf("  Antenna: %s", c.cfg.Antennas[ch])
	}
}

// Latch establishes the shared time origin. It first runs the bounded
// acquisition probe (first-run streamer setup otherwise corrupts the timing
// of the first real acquisition on some hardware), then waits for the
// fractional-second acceptance window and either arms the PPS latch or
// stamps the device with system time directly. The device stream is reset
// afterward to flush probe leftovers.
func (c *SyncController) Latch(state *SyncState) error {
	dev, cfg := c.dev, c.cfg

	if err := dev.FiniteAcquisition(c.sc.ProbeSamples); err != nil {
		return fmt.Errorf("finite acquisition probe: %w", err)
	}

	aligner := newPPSAligner(c.sc.Clock, c.sc.WindowLow, c.sc.WindowHigh)
	tt, err := aligner.awaitWindow()
	if err != nil {
		return err
	}
	if cfg.Verbose {
		log.Printf("Latching at %s", tt.UTC().Format(time.RFC3339Nano))
	}

	if cfg.Sync {
		// The device waits for the next PPS edge (at ceil(tt)) and sets its
		// time for the edge after that, so the value must name ceil(tt)+1.
		nextEdge := tt.Truncate(time.Second).Add(time.Second)
		latch := TimeSpec{FullSecs: nextEdge.Unix() + 1}
		if err := dev.SetTimeNextPPS(latch); err != nil {
			return fmt.Errorf("arming PPS latch: %w", err)
		}
	} else {
		if err := dev.SetTimeNow(MakeTimeSpec(tt)); err != nil {
			return fmt.Errorf("stamping device time: %w", err)
		}
	}
	aligner.markLatched()
	state.LatchTime = tt

	if err := dev.StopStream(); err != nil {
		return fmt.Errorf("resetting device stream after probe: %w", err)
	}
	return nil
}
