package source

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(start, n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(float32(start+i), float32(-(start + i)))
	}
	return out
}

func TestBufferFIFO(t *testing.T) {
	b := NewSampleBuffer(10)

	require.Equal(t, 4, b.Push(ramp(0, 4)))
	require.Equal(t, 3, b.Push(ramp(4, 3)))

	dst := make([]complex64, 7)
	require.NoError(t, b.Pop(dst))
	assert.Equal(t, ramp(0, 7), dst)
	assert.Equal(t, 0, b.Len())
}

func TestBufferTruncatingPush(t *testing.T) {
	b := NewSampleBuffer(10)

	accepted := b.Push(ramp(0, 15))
	assert.Equal(t, 10, accepted)
	assert.Equal(t, 10, b.Len())

	st := b.Stats()
	assert.EqualValues(t, 1, st.Overruns)
	assert.EqualValues(t, 5, st.Dropped)

	dst := make([]complex64, 10)
	require.NoError(t, b.Pop(dst))
	assert.Equal(t, ramp(0, 10), dst)
}

func TestBufferWrapAround(t *testing.T) {
	b := NewSampleBuffer(10)

	require.Equal(t, 6, b.Push(ramp(0, 6)))
	dst := make([]complex64, 4)
	require.NoError(t, b.Pop(dst))
	assert.Equal(t, ramp(0, 4), dst)

	require.Equal(t, 6, b.Push(ramp(6, 6)))
	assert.Equal(t, 8, b.Len())

	dst = make([]complex64, 8)
	require.NoError(t, b.Pop(dst))
	assert.Equal(t, ramp(4, 8), dst)
}

func TestBufferPopWaitsForBlock(t *testing.T) {
	b := NewSampleBuffer(10)
	b.Push(ramp(0, 3))

	done := make(chan error, 1)
	dst := make([]complex64, 5)
	go func() {
		done <- b.Pop(dst)
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before enough samples were buffered")
	case <-time.After(50 * time.Millisecond):
	}

	b.Push(ramp(3, 2))

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, ramp(0, 5), dst)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestBufferCloseWakesWaiter(t *testing.T) {
	b := NewSampleBuffer(10)

	done := make(chan error, 1)
	go func() {
		done <- b.Pop(make([]complex64, 4))
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrStreamEnded))
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the waiter")
	}

	assert.Equal(t, 0, b.Push(ramp(0, 4)), "closed buffer accepted samples")
}

func TestBufferReopenKeepsSamples(t *testing.T) {
	b := NewSampleBuffer(10)
	b.Push(ramp(0, 3))
	b.Close()
	b.Reopen()

	dst := make([]complex64, 3)
	require.NoError(t, b.Pop(dst))
	assert.Equal(t, ramp(0, 3), dst)

	b.Push(ramp(0, 2))
	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestBufferBlockTooLarge(t *testing.T) {
	b := NewSampleBuffer(10)
	err := b.Pop(make([]complex64, 11))
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestBufferPopContextCancel(t *testing.T) {
	b := NewSampleBuffer(10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.PopContext(ctx, make([]complex64, 4))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := NewSampleBuffer(0)
	assert.Equal(t, DefaultCapacity, b.Cap())
	assert.Equal(t, DefaultCapacity, b.Free())
}

func TestBufferConcurrentOverruns(t *testing.T) {
	const (
		batches = 20000
		block   = 16
	)
	b := NewSampleBuffer(64)
	rng := rand.New(rand.NewSource(1))

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		next := 0
		for i := 0; i < batches; i++ {
			next += b.Push(ramp(next, 1+rng.Intn(37)))
		}
	}()

	consumed := make(chan int, 1)
	go func() {
		want := 0
		dst := make([]complex64, block)
		for {
			if err := b.Pop(dst); err != nil {
				consumed <- want
				return
			}
			for _, v := range dst {
				if v != complex(float32(want), float32(-want)) {
					t.Errorf("got sample %v, want %d", v, want)
					consumed <- want
					return
				}
				want++
			}
		}
	}()

	<-produced
	b.Close()
	got := <-consumed

	stats := b.Stats()
	assert.EqualValues(t, got, stats.Popped)
	assert.Equal(t, stats.Pushed, stats.Popped+uint64(stats.Len))
	assert.LessOrEqual(t, stats.Len, 64)
}
