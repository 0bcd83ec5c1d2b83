package util

import (
	"fmt"
	"math"
)

// Range is an inclusive span with an optional step, in the units of
// whatever it describes (Hz, gain index).
type Range struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Step  float64 `json:"step,omitempty"`
}

// Point returns a range holding exactly one value.
func Point(v float64) Range {
	return Range{Start: v, Stop: v}
}

// Span returns the lowest and highest of values.
func Span(values ...float64) (low, high float64) {
	low = math.Inf(1)
	high = math.Inf(-1)

	for _, v := range values {
		if v < low {
			low = v
		}
		if v > high {
			high = v
		}
	}

	return
}

// Clip bounds v to the range. With snap set and a non-zero step, v is also
// rounded to the nearest step from Start.
func (r Range) Clip(v float64, snap bool) float64 {
	if v < r.Start {
		v = r.Start
	}
	if v > r.Stop {
		v = r.Stop
	}
	if snap && r.Step > 0 {
		v = r.Start + math.Round((v-r.Start)/r.Step)*r.Step
		if v > r.Stop {
			v -= r.Step
		}
	}
	return v
}

func (r Range) Contains(v float64) bool {
	return v >= r.Start && v <= r.Stop
}

// Center is the midpoint of the range.
func (r Range) Center() float64 {
	return (r.Start + r.Stop) / 2
}

func MHzToString(hz float64) string {
	return fmt.Sprintf("%0.4f MHz", hz/1e6)
}

// ApplyPPM returns freq corrected by ppm parts per million.
func ApplyPPM(freq, ppm float64) float64 {
	return freq * (1.0 + ppm*1e-6)
}
