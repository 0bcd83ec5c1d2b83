package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ramp(n int) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = complex(float32(i), float32(-i))
	}
	return out
}

func TestFileSinkFlushesOnShutdown(t *testing.T) {
	var out bytes.Buffer
	s := NewFileSink(&out)

	s.Receive() <- &types.SegmentComplex64{Data: ramp(3)}
	s.Receive() <- &types.SegmentComplex64{Data: ramp(2), SegmentNumber: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	want := iq.EncodeCF32(nil, ramp(3))
	want = iq.EncodeCF32(want, ramp(2))
	assert.Equal(t, want, out.Bytes())
}

func TestUDPPacketSplit(t *testing.T) {
	s := NewUDPSink(nil, &util.MockWriteAPI{}, WithMaxPayload(headerSize+3*8))

	pkts := s.packets(ramp(7))
	require.Len(t, pkts, 3)

	for i, want := range []uint16{3, 3, 1} {
		assert.Equal(t, uint32(i), binary.LittleEndian.Uint32(pkts[i]))
		assert.Equal(t, want, binary.LittleEndian.Uint16(pkts[i][4:]))
		assert.Len(t, pkts[i], headerSize+int(want)*8)
	}

	dst := make([]complex64, 1)
	iq.FormatCF32.Decode(dst, pkts[2][headerSize:])
	assert.Equal(t, complex64(complex(6, -6)), dst[0])

	next := s.packets(ramp(1))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(next[0]))
}

func TestUDPSinkSends(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	s := NewUDPSink([]Destination{{Host: "127.0.0.1", Port: port}}, &util.MockWriteAPI{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()

	s.Receive() <- &types.SegmentComplex64{Data: ramp(10)}

	buf := make([]byte, DefaultMaxPayload)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	assert.Equal(t, headerSize+10*8, n)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf))
	assert.Equal(t, uint16(10), binary.LittleEndian.Uint16(buf[4:]))
	assert.Equal(t, iq.EncodeCF32(nil, ramp(10)), buf[headerSize:n])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestUDPSinkRejectsTinyPayload(t *testing.T) {
	s := NewUDPSink(nil, &util.MockWriteAPI{}, WithMaxPayload(headerSize))
	assert.Error(t, s.Start(context.Background()))
}

func TestLowPassTaps(t *testing.T) {
	taps := LowPassTaps(1e6, 100e3, 25e3)
	require.Equal(t, 1, len(taps)%2, "tap count must be odd")

	sum := 0.0
	for i, tap := range taps {
		sum += float64(tap)
		assert.InDelta(t, tap, taps[len(taps)-1-i], 1e-7, "taps must be symmetric")
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestDecimatorPassesDC(t *testing.T) {
	d, err := NewDecimator(1e6, 4, nil)
	require.NoError(t, err)

	in := make([]complex64, 4096)
	for i := range in {
		in[i] = 1
	}
	out := d.Process(in)
	require.NotEmpty(t, out)
	assert.LessOrEqual(t, len(out), len(in)/4+1)

	last := out[len(out)-1]
	assert.InDelta(t, 1.0, real(last), 1e-3)
	assert.InDelta(t, 0.0, imag(last), 1e-3)
}

func TestDecimatorBlocksSmallerThanTaps(t *testing.T) {
	d, err := NewDecimator(1e6, 8, nil)
	require.NoError(t, err)
	require.Greater(t, d.taps, 16)

	in := make([]complex64, 16)
	for i := range in {
		in[i] = 1
	}
	total := 0
	for i := 0; i < 200; i++ {
		total += len(d.Process(in))
	}
	assert.LessOrEqual(t, total, 200*16/8+1)
	assert.Greater(t, total, 0)
}

func TestDecimatorForwards(t *testing.T) {
	var out bytes.Buffer
	fs := NewFileSink(&out)
	d, err := NewDecimator(1e6, 2, fs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Start(ctx)
	}()

	d.Receive() <- &types.SegmentComplex64{Data: make([]complex64, 64), SegmentNumber: 9}

	var seg *types.SegmentComplex64
	select {
	case seg = <-fs.recvChan:
	case <-time.After(2 * time.Second):
		t.Fatal("decimator did not forward")
	}
	assert.Equal(t, 0, seg.SegmentNumber)
	assert.LessOrEqual(t, len(seg.Data), 33)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err = NewDecimator(1e6, 0, fs)
	assert.Error(t, err)
}

func TestDistributeSkipsFullSinks(t *testing.T) {
	full := NewFileSink(&bytes.Buffer{})
	for i := 0; i < receiveBuffer; i++ {
		full.Receive() <- &types.SegmentComplex64{}
	}
	open := NewFileSink(&bytes.Buffer{})

	skipped := Distribute(&types.SegmentComplex64{Data: ramp(1)}, []Sink{full, open})
	assert.Equal(t, 1, skipped)
	assert.Len(t, open.recvChan, 1)
	assert.Equal(t, ramp(1), (<-open.recvChan).Data)
}

type captureSink struct {
	recvChan chan *types.SegmentComplex64
	mu       sync.Mutex
	got      []*types.SegmentComplex64
}

func newCaptureSink() *captureSink {
	return &captureSink{recvChan: make(chan *types.SegmentComplex64, receiveBuffer)}
}

func (c *captureSink) Receive() chan<- *types.SegmentComplex64 {
	return c.recvChan
}

func (c *captureSink) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-c.recvChan:
			c.mu.Lock()
			c.got = append(c.got, seg)
			c.mu.Unlock()
		}
	}
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestTeeFansOut(t *testing.T) {
	a, b := newCaptureSink(), newCaptureSink()
	tee := NewTee(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tee.Start(ctx)
	}()

	seg := &types.SegmentComplex64{Data: ramp(4)}
	tee.Receive() <- seg
	require.Eventually(t, func() bool {
		return a.count() == 1 && b.count() == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Same(t, seg, a.got[0])
	assert.Same(t, seg, b.got[0])
	assert.EqualValues(t, 0, tee.Skipped())
}
