package source

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/norasector/turbine-common/types"
)

// Pull blocks until n samples are available and returns them in arrival
// order. It returns ErrStreamEnded once the session is not streaming.
func (s *Session) Pull(n int) ([]complex64, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrUnsupportedValue, n)
	}
	if n > s.buf.Cap() {
		return nil, ErrBlockTooLarge
	}
	dst := make([]complex64, n)
	if err := s.PullInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// PullInto fills dst with the next len(dst) samples.
func (s *Session) PullInto(dst []complex64) error {
	return s.PullContext(context.Background(), dst)
}

func (s *Session) PullContext(ctx context.Context, dst []complex64) error {
	if !s.Streaming() {
		return ErrStreamEnded
	}

	start := time.Now()
	if err := s.buf.PopContext(ctx, dst); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordPull(s.info.ID(), time.Since(start).Seconds(), s.buf.Len())
	}
	return nil
}

// Appender receives a copy of every block a Stream hands out.
type Appender interface {
	AppendComplex(s []complex64)
}

// Tuner is implemented by appenders that label their output with the
// session's tuning.
type Tuner interface {
	SetTuning(centerFreq, sampleRate float64)
}

type StreamOption func(st *Stream)

// WithSpectrum feeds every block to a, typically a spectrum plotter. If a
// is a Tuner it follows frequency and sample rate changes.
func WithSpectrum(a Appender) StreamOption {
	return func(st *Stream) {
		st.spectrum = a
	}
}

// Stream hands out fixed-size blocks from a session as numbered segments.
type Stream struct {
	session   *Session
	blockSize int
	segment   int
	spectrum  Appender
}

func NewStream(session *Session, blockSize int, opts ...StreamOption) (*Stream, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if blockSize > session.buf.Cap() {
		return nil, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, blockSize, session.buf.Cap())
	}
	st := &Stream{
		session:   session,
		blockSize: blockSize,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st, nil
}

func (st *Stream) BlockSize() int {
	return st.blockSize
}

// Next returns the next block. It returns ErrStreamEnded when the session
// stops.
func (st *Stream) Next(ctx context.Context) (*types.SegmentComplex64, error) {
	data := make([]complex64, st.blockSize)

	start := time.Now()
	if err := st.session.PullContext(ctx, data); err != nil {
		return nil, err
	}
	wait := time.Since(start)

	seg := &types.SegmentComplex64{
		Data:          data,
		SegmentNumber: st.segment,
	}
	st.segment++

	if st.spectrum != nil {
		if t, ok := st.spectrum.(Tuner); ok {
			t.SetTuning(st.session.CenterFrequency(), st.session.SampleRate())
		}
		st.spectrum.AppendComplex(data)
	}

	stats := st.session.buf.Stats()
	go st.session.writeAPI.WritePoint(influxdb2.NewPoint("source.pull",
		map[string]string{
			"device": st.session.info.ID(),
		},
		map[string]interface{}{
			"wait_us":  wait.Microseconds(),
			"fill":     stats.Len,
			"overruns": int64(stats.Overruns),
			"dropped":  int64(stats.Dropped),
		},
		time.Now()))

	return seg, nil
}
