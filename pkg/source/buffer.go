package source

import (
	"context"
	"sync"
)

// DefaultCapacity absorbs roughly half a second at 10 MS/s of scheduling
// jitter between the USB producer and a slower consumer.
const DefaultCapacity = 5000000

// BufferStats are running totals since the buffer was created.
type BufferStats struct {
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Overruns uint64 `json:"overruns"`
}

// SampleBuffer is a fixed-capacity FIFO of complex samples shared by one
// producer and one consumer. Push never blocks and never grows the buffer;
// Pop blocks until a whole block is present or the buffer is closed.
type SampleBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []complex64
	head   int
	size   int
	closed bool

	pushed   uint64
	popped   uint64
	dropped  uint64
	overruns uint64
}

func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &SampleBuffer{
		ring: make([]complex64, capacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *SampleBuffer) Cap() int {
	return len(b.ring)
}

func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *SampleBuffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring) - b.size
}

// Push appends the leading samples that fit and returns how many were
// accepted. Fewer than len(samples) means the rest were dropped. A closed
// buffer accepts nothing.
func (b *SampleBuffer) Push(samples []complex64) int {
	return b.push(samples, len(samples))
}

// push is Push for a transfer of offered samples of which only samples
// could be decoded. The difference counts as dropped.
func (b *SampleBuffer) push(samples []complex64, offered int) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}

	n := len(b.ring) - b.size
	if n > len(samples) {
		n = len(samples)
	}

	tail := (b.head + b.size) % len(b.ring)
	copied := copy(b.ring[tail:], samples[:n])
	copy(b.ring, samples[copied:n])
	b.size += n

	b.pushed += uint64(n)
	if n < offered {
		b.overruns++
		b.dropped += uint64(offered - n)
	}
	b.mu.Unlock()

	if n > 0 {
		b.cond.Signal()
	}
	return n
}

// Pop fills dst with the oldest len(dst) samples, waiting until that many
// are buffered. It returns ErrStreamEnded once the buffer is closed.
func (b *SampleBuffer) Pop(dst []complex64) error {
	return b.PopContext(context.Background(), dst)
}

// PopContext is Pop that also gives up when ctx is done.
func (b *SampleBuffer) PopContext(ctx context.Context, dst []complex64) error {
	if len(dst) > len(b.ring) {
		return ErrBlockTooLarge
	}

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size < len(dst) && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	if b.closed {
		return ErrStreamEnded
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	copied := copy(dst, b.ring[b.head:])
	copy(dst[copied:], b.ring)
	b.head = (b.head + len(dst)) % len(b.ring)
	b.size -= len(dst)
	b.popped += uint64(len(dst))

	return nil
}

// Close ends the stream: waiting and future pops return ErrStreamEnded and
// pushes are refused. Buffered samples are kept for a later Reopen.
func (b *SampleBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *SampleBuffer) Reopen() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}

func (b *SampleBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Reset discards all buffered samples.
func (b *SampleBuffer) Reset() {
	b.mu.Lock()
	b.head = 0
	b.size = 0
	b.mu.Unlock()
}

func (b *SampleBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Len:      b.size,
		Cap:      len(b.ring),
		Pushed:   b.pushed,
		Popped:   b.popped,
		Dropped:  b.dropped,
		Overruns: b.overruns,
	}
}
