// Package sink delivers pulled sample blocks to their consumers: files,
// UDP listeners and intermediate filter stages.
package sink

import (
	"context"
	"sync/atomic"

	"github.com/norasector/turbine-common/types"
	"golang.org/x/sync/errgroup"
)

const receiveBuffer = 8

// Sink consumes segments sent to its Receive channel until Start's
// context is done.
type Sink interface {
	Receive() chan<- *types.SegmentComplex64
	Start(ctx context.Context) error
}

// Distribute offers seg to every sink without waiting on a full one and
// returns how many were skipped.
func Distribute(seg *types.SegmentComplex64, sinks []Sink) int {
	skipped := 0
	for _, s := range sinks {
		select {
		case s.Receive() <- seg:
		default:
			skipped++
		}
	}
	return skipped
}

// Tee hands every segment it receives to several sinks. A sink that is
// not keeping up misses the segment.
type Tee struct {
	sinks    []Sink
	recvChan chan *types.SegmentComplex64
	skipped  atomic.Uint64
}

func NewTee(sinks ...Sink) *Tee {
	return &Tee{
		sinks:    sinks,
		recvChan: make(chan *types.SegmentComplex64, receiveBuffer),
	}
}

func (t *Tee) Receive() chan<- *types.SegmentComplex64 {
	return t.recvChan
}

// Skipped counts deliveries dropped because a sink was full.
func (t *Tee) Skipped() uint64 {
	return t.skipped.Load()
}

// Start runs the tee and every sink behind it.
func (t *Tee) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range t.sinks {
		s := s
		eg.Go(func() error {
			return s.Start(ctx)
		})
	}
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case seg := <-t.recvChan:
				t.skipped.Add(uint64(Distribute(seg, t.sinks)))
			}
		}
	})
	return eg.Wait()
}
