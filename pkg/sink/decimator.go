package sink

import (
	"context"
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/window"
	"github.com/norasector/turbine-common/types"
	"github.com/racerxdl/segdsp/dsp"
)

// Hamming windows reach about 53 dB of stopband attenuation.
const hammingAttenuation = 53

// LowPassTaps designs a unity-gain windowed-sinc low-pass filter.
func LowPassTaps(sampleRate, cutoff, transitionWidth float64) []float32 {
	nTaps := int(hammingAttenuation*sampleRate/(22*transitionWidth)) | 1
	w := window.Hamming(nTaps)

	m := (nTaps - 1) / 2
	fwT0 := 2 * math.Pi * cutoff / sampleRate

	raw := make([]float64, nTaps)
	sum := 0.0
	for i := -m; i <= m; i++ {
		if i == 0 {
			raw[i+m] = fwT0 / math.Pi * w[i+m]
		} else {
			fi := float64(i)
			raw[i+m] = math.Sin(fi*fwT0) / (fi * math.Pi) * w[i+m]
		}
		sum += raw[i+m]
	}

	taps := make([]float32, nTaps)
	for i, v := range raw {
		taps[i] = float32(v / sum)
	}
	return taps
}

// Decimator low-pass filters and decimates segments, then hands them to
// the next sink.
type Decimator struct {
	factor   int
	taps     int
	filter   *dsp.FirFilter
	next     Sink
	recvChan chan *types.SegmentComplex64
	segment  int
}

// NewDecimator reduces sampleRate by factor. The passband keeps 80% of the
// output Nyquist band.
func NewDecimator(sampleRate float64, factor int, next Sink) (*Decimator, error) {
	if factor < 1 {
		return nil, fmt.Errorf("decimation factor must be at least 1, got %d", factor)
	}
	outRate := sampleRate / float64(factor)
	cutoff := outRate / 2 * 0.8
	taps := LowPassTaps(sampleRate, cutoff, outRate/2-cutoff)

	return &Decimator{
		factor:   factor,
		taps:     len(taps),
		filter:   dsp.MakeDecimationFirFilter(factor, taps),
		next:     next,
		recvChan: make(chan *types.SegmentComplex64, receiveBuffer),
	}, nil
}

func (d *Decimator) Receive() chan<- *types.SegmentComplex64 {
	return d.recvChan
}

// outputSize bounds what one call can produce. The filter prepends its
// history, which never exceeds taps+2*factor samples, to every block.
func (d *Decimator) outputSize(n int) int {
	return (n+d.taps)/d.factor + 3
}

// Process filters one block. The filter keeps history across calls.
func (d *Decimator) Process(in []complex64) []complex64 {
	out := make([]complex64, d.outputSize(len(in)))
	n := d.filter.WorkBuffer(in, out)
	return out[:n]
}

func (d *Decimator) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-d.recvChan:
			out := &types.SegmentComplex64{
				Data:          d.Process(seg.Data),
				SegmentNumber: d.segment,
			}
			d.segment++

			select {
			case <-ctx.Done():
				return ctx.Err()
			case d.next.Receive() <- out:
			}
		}
	}
}
