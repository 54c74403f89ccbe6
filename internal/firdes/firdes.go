// Package firdes designs windowed-sinc FIR filters and applies them as
// decimating filters over complex sample streams.
package firdes

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// LowPass2 designs low-pass taps with the given pass-band gain, sampling
// rate, cutoff frequency and transition width (all in Hz), and stop-band
// attenuation in dB, using a Blackman-Harris window. The tap count follows
// the Harris estimate attenDB*fs/(22*transitionWidth), forced odd so the
// filter has a symmetric center tap.
func LowPass2(gain, sampRate, cutoff, transWidth, attenDB float64) ([]float64, error) {
	if sampRate <= 0 || cutoff <= 0 || cutoff > sampRate/2 {
		return nil, fmt.Errorf("invalid low-pass spec: rate=%g cutoff=%g", sampRate, cutoff)
	}
	if transWidth <= 0 {
		return nil, fmt.Errorf("transition width must be positive, got %g", transWidth)
	}

	ntaps := int(attenDB * sampRate / (22.0 * transWidth))
	if ntaps < 3 {
		ntaps = 3
	}
	if ntaps%2 == 0 {
		ntaps++
	}

	taps := make([]float64, ntaps)
	m := (ntaps - 1) / 2
	fc := 2 * cutoff / sampRate
	for n := range taps {
		k := float64(n - m)
		if k == 0 {
			taps[n] = fc
		} else {
			taps[n] = math.Sin(math.Pi*fc*k) / (math.Pi * k)
		}
	}
	window.BlackmanHarris(taps)

	// Normalize so the DC response equals the requested gain.
	floats.Scale(gain/floats.Sum(taps), taps)
	return taps, nil
}

// Decimator applies FIR taps with integer-factor decimation, retaining
// history across calls so block boundaries are seamless. Output sample k
// corresponds to input sample k*dec; samples before the stream start are
// taken as zero.
type Decimator struct {
	taps  []float64
	dec   int
	hist  []complex64 // the last len(taps)-1 input samples
	phase int         // offset of the next output point within incoming data
}

// NewDecimator returns a Decimator for the given taps and factor.
func NewDecimator(taps []float64, dec int) (*Decimator, error) {
	if dec < 1 {
		return nil, fmt.Errorf("decimation factor must be >= 1, got %d", dec)
	}
	if len(taps) == 0 {
		return nil, fmt.Errorf("no filter taps given")
	}
	return &Decimator{
		taps: append([]float64(nil), taps...),
		dec:  dec,
		hist: make([]complex64, len(taps)-1),
	}, nil
}

// Process consumes a block of input samples and returns the decimated
// output samples it completes.
func (d *Decimator) Process(in []complex64) []complex64 {
	ntaps := len(d.taps)
	x := make([]complex64, 0, len(d.hist)+len(in))
	x = append(x, d.hist...)
	x = append(x, in...)

	out := make([]complex64, 0, len(in)/d.dec+1)
	i := d.phase
	for ; i < len(in); i += d.dec {
		// Newest sample of this output point is x[i+ntaps-1]; convolve
		// backward over the tap span.
		base := i + ntaps - 1
		var acc complex128
		for j, t := range d.taps {
			acc += complex128(x[base-j]) * complex(t, 0)
		}
		out = append(out, complex64(acc))
	}
	d.phase = i - len(in)

	keep := len(x) - (ntaps - 1)
	d.hist = append(d.hist[:0], x[keep:]...)
	return out
}
