package firdes

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowPass2TapCount(t *testing.T) {
	taps, err := LowPass2(1.0, 1e6, 125e3, 50e3, 80)
	require.NoError(t, err)
	assert.True(t, len(taps)%2 == 1, "tap count %d must be odd", len(taps))
	assert.Greater(t, len(taps), 3)

	// A narrower transition needs more taps.
	taps2, err := LowPass2(1.0, 1e6, 125e3, 10e3, 80)
	require.NoError(t, err)
	assert.Greater(t, len(taps2), len(taps))
}

func TestLowPass2DCGain(t *testing.T) {
	for _, gain := range []float64{1.0, 2.5} {
		taps, err := LowPass2(gain, 1e6, 100e3, 50e3, 60)
		require.NoError(t, err)
		var sum float64
		for _, tap := range taps {
			sum += tap
		}
		assert.InDelta(t, gain, sum, 1e-9, "DC response must equal the requested gain")
	}
}

func TestLowPass2RejectsBadSpecs(t *testing.T) {
	_, err := LowPass2(1, 1e6, 0, 50e3, 60)
	assert.Error(t, err, "zero cutoff")
	_, err = LowPass2(1, 1e6, 600e3, 50e3, 60)
	assert.Error(t, err, "cutoff above Nyquist")
	_, err = LowPass2(1, 1e6, 100e3, 0, 60)
	assert.Error(t, err, "zero transition width")
}

func TestDecimatorBlockBoundaryEquivalence(t *testing.T) {
	taps, err := LowPass2(1.0, 1e6, 100e3, 100e3, 40)
	require.NoError(t, err)
	const dec = 4
	const n = 1024

	in := make([]complex64, n)
	for i := range in {
		in[i] = complex64(complex(math.Sin(float64(i)*0.01), math.Cos(float64(i)*0.013)))
	}

	// One big block versus many small blocks must produce identical
	// output; the history buffer carries state across the seams.
	whole, err := NewDecimator(taps, dec)
	require.NoError(t, err)
	wantOut := whole.Process(in)

	split, err := NewDecimator(taps, dec)
	require.NoError(t, err)
	var gotOut []complex64
	for i := 0; i < n; i += 100 {
		end := i + 100
		if end > n {
			end = n
		}
		gotOut = append(gotOut, split.Process(in[i:end])...)
	}

	require.Equal(t, len(wantOut), len(gotOut))
	for i := range wantOut {
		assert.InDelta(t, real(wantOut[i]), real(gotOut[i]), 1e-5)
		assert.InDelta(t, imag(wantOut[i]), imag(gotOut[i]), 1e-5)
	}
}

func TestDecimatorOutputLength(t *testing.T) {
	d, err := NewDecimator([]float64{1}, 4)
	require.NoError(t, err)
	out := d.Process(make([]complex64, 256))
	assert.Len(t, out, 64)

	// Block length not divisible by the factor: the phase carries over.
	d2, err := NewDecimator([]float64{1}, 4)
	require.NoError(t, err)
	total := 0
	for _, n := range []int{5, 5, 5, 5} {
		total += len(d2.Process(make([]complex64, n)))
	}
	assert.Equal(t, 5, total, "20 samples at dec 4 must yield 5 outputs")
}

func TestDecimatorRejectsBadArgs(t *testing.T) {
	_, err := NewDecimator(nil, 4)
	assert.Error(t, err)
	_, err = NewDecimator([]float64{1}, 0)
	assert.Error(t, err)
}
