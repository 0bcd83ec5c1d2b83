// Package record captures raw device transfers to a writer without ever
// blocking the device thread.
package record

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"
)

const (
	DefaultCapacity = 16 << 20
	defaultInterval = 50 * time.Millisecond
	chunkSize       = 256 << 10
)

// ErrFull is returned by Write when a transfer did not fit and was dropped.
var ErrFull = errors.New("recorder buffer full")

type Option func(r *Recorder)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithInterval sets how often buffered bytes are written out.
func WithInterval(d time.Duration) Option {
	return func(r *Recorder) {
		r.interval = d
	}
}

// Recorder buffers transfers in memory and writes them to dest from its
// own goroutine. Transfers are kept whole: one that does not fit is
// dropped entirely so the capture stays sample-aligned.
type Recorder struct {
	dest     io.Writer
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	ring *ringbuffer.RingBuffer

	written atomic.Uint64
	dropped atomic.Uint64
}

func New(dest io.Writer, capacity int, opts ...Option) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Recorder{
		dest:     dest,
		interval: defaultInterval,
		logger:   log.Logger,
		ring:     ringbuffer.New(capacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write queues p. It never blocks on dest.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ring.Free() < len(p) {
		r.dropped.Add(uint64(len(p)))
		return 0, ErrFull
	}
	n, err := r.ring.Write(p)
	if err != nil {
		r.dropped.Add(uint64(len(p) - n))
	}
	return n, err
}

// Flush writes out everything buffered so far.
func (r *Recorder) Flush() error {
	chunk := make([]byte, chunkSize)
	for {
		r.mu.Lock()
		n, err := r.ring.Read(chunk)
		r.mu.Unlock()
		if errors.Is(err, ringbuffer.ErrIsEmpty) || n == 0 {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := r.dest.Write(chunk[:n]); err != nil {
			return err
		}
		r.written.Add(uint64(n))
	}
}

// Run drains the buffer until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				return err
			}
			r.logger.Info().
				Uint64("written", r.Written()).
				Uint64("dropped", r.Dropped()).
				Msg("Recorder stopped")
			return ctx.Err()
		case <-tick.C:
			if err := r.Flush(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to write capture")
				return err
			}
		}
	}
}

// Buffered is the number of bytes waiting to be written.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Length()
}

func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Dropped counts bytes lost because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}
