package viz

import (
	"bytes"
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/window"
	"github.com/norasector/iqsource/pkg/util"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	// DefaultBins is the FFT size used when none is given.
	DefaultBins = 1024
	// Weight of the newest frame in the running power average.
	powerAverage = 0.10
	// Coherent gain of a Blackman window.
	blackmanGain = 0.42
)

var ErrNoSamples = errors.New("no samples yet")

// Spectrum keeps the latest samples of a stream and plots their averaged
// power spectrum. It is safe for one writer and any number of readers.
type Spectrum struct {
	name       string
	bins       int
	win        []float64
	fft        *fourier.CmplxFFT
	sampleRate float64
	centerFreq float64
	options    []PlotOption

	mu      sync.Mutex
	buf     []complex64
	filled  int
	average []float64
}

func NewSpectrum(name string, bins int, sampleRate float64) *Spectrum {
	if bins <= 0 {
		bins = DefaultBins
	}
	return &Spectrum{
		name:       name,
		bins:       bins,
		win:        window.Blackman(bins),
		fft:        fourier.NewCmplxFFT(bins),
		sampleRate: sampleRate,
		buf:        make([]complex64, bins),
		average:    make([]float64, bins),
	}
}

func (s *Spectrum) Name() string {
	return s.name
}

// SetTuning labels the frequency axis around centerFreq. A change of
// tuning restarts the running average.
func (s *Spectrum) SetTuning(centerFreq, sampleRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if centerFreq == s.centerFreq && sampleRate == s.sampleRate {
		return
	}
	s.centerFreq = centerFreq
	s.sampleRate = sampleRate
	for i := range s.average {
		s.average[i] = 0
	}
}

// Tuning returns the center frequency and sample rate of the axis.
func (s *Spectrum) Tuning() (centerFreq, sampleRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.centerFreq, s.sampleRate
}

func (s *Spectrum) AddPlotOption(opt PlotOption) {
	s.options = append(s.options, opt)
}

// AppendComplex keeps the newest bins samples.
func (s *Spectrum) AppendComplex(samples []complex64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(samples) >= s.bins {
		copy(s.buf, samples[len(samples)-s.bins:])
	} else {
		copy(s.buf, s.buf[len(samples):])
		copy(s.buf[s.bins-len(samples):], samples)
	}
	s.filled += len(samples)
}

// Power folds the current window into the running average and returns it
// in dB, ordered from the lowest to the highest frequency.
func (s *Spectrum) Power() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filled == 0 {
		return nil, ErrNoSamples
	}

	data := make([]complex128, s.bins)
	norm := complex(blackmanGain*float64(s.bins), 0)
	for i, v := range s.buf {
		data[i] = complex(float64(real(v))*s.win[i], float64(imag(v))*s.win[i]) / norm
	}
	coeffs := s.fft.Coefficients(nil, data)

	ret := make([]float64, s.bins)
	for i := range ret {
		idx := s.fft.ShiftIdx(i)
		mag := cmplx.Abs(coeffs[idx])
		s.average[i] = (1-powerAverage)*s.average[i] + powerAverage*mag
		ret[i] = 20 * math.Log10(s.average[i]+1e-12)
	}
	return ret, nil
}

// frequency returns the absolute frequency of shifted bin i.
func (s *Spectrum) frequency(i int, centerFreq, sampleRate float64) float64 {
	return centerFreq + s.fft.Freq(s.fft.ShiftIdx(i))*sampleRate
}

// Image renders the spectrum as a PNG.
func (s *Spectrum) Image() ([]byte, error) {
	power, err := s.Power()
	if err != nil {
		return nil, err
	}

	centerFreq, sampleRate := s.Tuning()

	p := plotWithDefaults()
	p.Title.Text = s.name
	if centerFreq != 0 {
		p.Title.Text += " @ " + util.MHzToString(centerFreq)
	}
	p.Y.Label.Text = "Power (dB)"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Max = 0
	p.Y.Min = -120

	for _, opt := range s.options {
		opt(p)
	}
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(power))
	for i, v := range power {
		pts[i] = plotter.XY{X: s.frequency(i, centerFreq, sampleRate), Y: v}
	}
	if err := plotutil.AddLines(p, "power", pts); err != nil {
		return nil, err
	}

	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := w.WriteTo(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
