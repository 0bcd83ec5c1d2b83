package viz

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n int, cycles float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		sin, cos := math.Sincos(2 * math.Pi * cycles * float64(i) / float64(n))
		out[i] = complex(float32(cos), float32(sin))
	}
	return out
}

func TestSpectrumPeak(t *testing.T) {
	s := NewSpectrum("test", 256, 256e3)

	_, err := s.Power()
	assert.ErrorIs(t, err, ErrNoSamples)

	// 32 cycles over 256 samples is +32 kHz at 256 kS/s.
	s.AppendComplex(tone(1000, 1000.0*32/256))
	power, err := s.Power()
	require.NoError(t, err)
	require.Len(t, power, 256)

	peak := 0
	for i := range power {
		if power[i] > power[peak] {
			peak = i
		}
	}
	assert.InDelta(t, 32e3, s.frequency(peak, 0, 256e3), 1e3)
}

func TestSpectrumKeepsNewestSamples(t *testing.T) {
	s := NewSpectrum("test", 4, 1)
	s.AppendComplex([]complex64{1, 2, 3})
	s.AppendComplex([]complex64{4, 5})
	assert.Equal(t, []complex64{2, 3, 4, 5}, s.buf)
}

func TestSpectrumImage(t *testing.T) {
	s := NewSpectrum("img", 128, 1e6)
	s.SetTuning(100e6, 1e6)
	s.AppendComplex(tone(128, 10))

	img, err := s.Image()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(img, []byte("\x89PNG")))
}

func TestSetTuningRestartsAverage(t *testing.T) {
	s := NewSpectrum("test", 64, 1e6)
	s.AppendComplex(tone(64, 8))
	_, err := s.Power()
	require.NoError(t, err)

	s.SetTuning(100e6, 2e6)
	center, rate := s.Tuning()
	assert.Equal(t, 100e6, center)
	assert.Equal(t, 2e6, rate)
	for _, v := range s.average {
		assert.Zero(t, v)
	}
}
