package sink

import (
	"bytes"
	"context"
	"io"

	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/turbine-common/types"
)

// segmentsPerWrite batches small segments into one write.
const segmentsPerWrite = 8

// FileSink writes every sample as little-endian CF32.
type FileSink struct {
	dest     io.Writer
	recvChan chan *types.SegmentComplex64
}

func NewFileSink(dest io.Writer) *FileSink {
	return &FileSink{
		dest:     dest,
		recvChan: make(chan *types.SegmentComplex64, receiveBuffer),
	}
}

func (s *FileSink) Receive() chan<- *types.SegmentComplex64 {
	return s.recvChan
}

func (s *FileSink) Start(ctx context.Context) error {
	var b bytes.Buffer
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		pending = 0
		_, err := b.WriteTo(s.dest)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what was already handed over before stopping.
			for {
				select {
				case seg := <-s.recvChan:
					b.Write(iq.EncodeCF32(b.AvailableBuffer(), seg.Data))
					pending++
				default:
					if err := flush(); err != nil {
						return err
					}
					return ctx.Err()
				}
			}

		case seg := <-s.recvChan:
			b.Write(iq.EncodeCF32(b.AvailableBuffer(), seg.Data))
			pending++
			if pending == segmentsPerWrite {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
