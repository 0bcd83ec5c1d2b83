package source

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/source/device"
	"github.com/norasector/iqsource/pkg/source/device/sim"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, opts ...Option) (*Session, *sim.Device) {
	t.Helper()

	drv := sim.NewDriver(1, sim.WithManual())
	dev, err := drv.Open(0)
	require.NoError(t, err)

	opts = append([]Option{WithLogger(zerolog.Nop()), WithCapacity(10)}, opts...)
	s, err := New(dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, dev.(*sim.Device)
}

func TestOpenAppliesDefaults(t *testing.T) {
	s, dev := newTestSession(t)

	assert.Equal(t, StateOpened, s.State())
	assert.Equal(t, []float64{2.5e6, 10e6}, s.SampleRates())
	assert.Equal(t, 2.5e6, s.SampleRate())
	assert.Equal(t, 895e6, s.CenterFrequency())

	st := dev.State()
	assert.Equal(t, 1, st.RateIndex, "lowest rate must map back to its native index")
	assert.EqualValues(t, 895000000, st.Frequency)
	assert.EqualValues(t, 8, st.LNA)
	assert.EqualValues(t, 5, st.Mixer)
	assert.EqualValues(t, 5, st.VGA)

	g := s.Gain()
	assert.Equal(t, GainPolicyLinearity, g.Policy)
	assert.False(t, g.Auto)
}

func TestOpenUnavailable(t *testing.T) {
	drv := sim.NewDriver(1, sim.WithManual())

	_, err := Open(drv, 3, WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, device.ErrNotFound)

	s, err := Open(drv, 0, WithLogger(zerolog.Nop()), WithCapacity(10))
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(drv, 0, WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, device.ErrBusy)

	require.NoError(t, s.Close())
	s2, err := Open(drv, 0, WithLogger(zerolog.Nop()), WithCapacity(10))
	require.NoError(t, err, "device must be released by Close")
	s2.Close()
}

func TestOpenDefaultFailureReleasesDevice(t *testing.T) {
	drv := sim.NewDriver(1, sim.WithManual(), sim.WithFailure("set_lna_gain", -4))

	_, err := Open(drv, 0, WithLogger(zerolog.Nop()), WithCapacity(10))
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "set_lna_gain", rej.Command)
	assert.Equal(t, -4, rej.Code)

	dev, err := drv.Open(0)
	require.NoError(t, err, "failed open must release the claim")
	dev.Close()
}

func TestStartPullStop(t *testing.T) {
	s, dev := newTestSession(t)

	require.True(t, s.Start())
	require.True(t, s.Start(), "Start while streaming reports true")
	assert.Equal(t, StateStreaming, s.State())

	require.True(t, dev.Deliver(ramp(0, 6)))
	got, err := s.Pull(4)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 4), got)

	require.True(t, dev.Deliver(ramp(6, 6)))
	got, err = s.Pull(8)
	require.NoError(t, err)
	assert.Equal(t, ramp(4, 8), got)

	require.True(t, s.Stop())
	assert.Equal(t, StateOpened, s.State())

	_, err = s.Pull(1)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.False(t, dev.Deliver(ramp(0, 1)))

	// A straggling transfer after Stop must not reach the buffer.
	before := s.Stats().Pushed
	s.onTransfer(iq.EncodeCF32(nil, ramp(0, 3)))
	assert.Equal(t, before, s.Stats().Pushed)
	assert.Equal(t, 1, dev.State().StartCount)
}

func TestOverrunWhileStreaming(t *testing.T) {
	s, dev := newTestSession(t)
	require.True(t, s.Start())

	require.True(t, dev.Deliver(ramp(0, 15)))
	st := s.Stats()
	assert.Equal(t, 10, st.Len)
	assert.EqualValues(t, 1, st.Overruns)
	assert.EqualValues(t, 5, st.Dropped)

	got, err := s.Pull(10)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 10), got)
}

func TestStopUnblocksPull(t *testing.T) {
	s, dev := newTestSession(t)
	require.True(t, s.Start())
	require.True(t, dev.Deliver(ramp(0, 2)))

	done := make(chan error, 1)
	go func() {
		_, err := s.Pull(4)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, s.Stop())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamEnded)
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock the pull")
	}
}

func TestRestartKeepsBufferedSamples(t *testing.T) {
	s, dev := newTestSession(t)
	require.True(t, s.Start())
	require.True(t, dev.Deliver(ramp(0, 3)))
	require.True(t, s.Stop())

	require.True(t, s.Start())
	require.True(t, dev.Deliver(ramp(3, 1)))
	got, err := s.Pull(4)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 4), got)
	assert.Equal(t, 2, dev.State().StartCount)
}

func TestStartRejected(t *testing.T) {
	s, dev := newTestSession(t)

	dev.Fail("start_rx", -5)
	assert.False(t, s.Start())
	assert.Equal(t, StateOpened, s.State())

	_, err := s.Pull(1)
	assert.ErrorIs(t, err, ErrStreamEnded)

	dev.Recover("start_rx")
	assert.True(t, s.Start())
}

func TestStopRejectedStillQuiesces(t *testing.T) {
	s, dev := newTestSession(t)
	require.True(t, s.Start())

	dev.Fail("stop_rx", -3)
	assert.False(t, s.Stop())
	assert.True(t, s.Buffer().Closed())

	_, err := s.Pull(1)
	assert.ErrorIs(t, err, ErrStreamEnded)

	// The device still thinks it is streaming, but the gate is shut.
	before := s.Stats().Pushed
	dev.Deliver(ramp(0, 2))
	assert.Equal(t, before, s.Stats().Pushed)
}

func TestCloseIdempotent(t *testing.T) {
	s, dev := newTestSession(t)
	require.True(t, s.Start())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, dev.State().Closed)

	assert.False(t, s.Start())
	assert.False(t, s.Stop())
	_, err := s.SetCenterFrequency(100e6)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Pull(1)
	assert.ErrorIs(t, err, ErrStreamEnded)
}

func TestCloseReportsRejection(t *testing.T) {
	s, dev := newTestSession(t)
	dev.Fail("close", -7)

	err := s.Close()
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "close", rej.Command)
	assert.Equal(t, StateClosed, s.State())

	dev.Recover("close")
	require.NoError(t, dev.Close())
}

func TestDeviceEndedStream(t *testing.T) {
	s, dev := newTestSession(t)
	require.True(t, s.Start())

	dev.EndStream()

	require.Eventually(t, func() bool {
		return s.Buffer().Closed()
	}, time.Second, 5*time.Millisecond)

	_, err := s.Pull(1)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.Equal(t, StateOpened, s.State())

	require.True(t, s.Start())
	require.True(t, dev.Deliver(ramp(0, 2)))
	got, err := s.Pull(2)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 2), got)
}

func TestTapSeesRawTransfers(t *testing.T) {
	var tap bytes.Buffer
	s, dev := newTestSession(t, WithTap(&tap))
	require.True(t, s.Start())

	require.True(t, dev.Deliver(ramp(0, 3)))
	require.True(t, s.Stop())

	assert.Equal(t, iq.EncodeCF32(nil, ramp(0, 3)), tap.Bytes())
}

func TestTransferLargerThanScratchOverruns(t *testing.T) {
	drv := sim.NewDriver(1, sim.WithManual(), sim.WithBatchSize(4))
	dev, err := drv.Open(0)
	require.NoError(t, err)
	s, err := New(dev, WithLogger(zerolog.Nop()), WithCapacity(64), WithTransferSamples(4))
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Start())

	require.True(t, dev.(*sim.Device).Deliver(ramp(0, 40)))
	got, err := s.Pull(4)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 4), got)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Overruns)
	assert.EqualValues(t, 36, stats.Dropped)
}

func TestScratchSizedFromDevice(t *testing.T) {
	drv := sim.NewDriver(1, sim.WithManual(), sim.WithBatchSize(40))
	dev, err := drv.Open(0)
	require.NoError(t, err)
	s, err := New(dev, WithLogger(zerolog.Nop()), WithCapacity(64), WithTransferSamples(4))
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Start())

	require.True(t, dev.(*sim.Device).Deliver(ramp(0, 40)))
	got, err := s.Pull(40)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 40), got)
	assert.Zero(t, s.Stats().Overruns)
}

// blockingStartDevice holds StartRX open until release is closed.
type blockingStartDevice struct {
	*sim.Device
	entered chan struct{}
	release chan struct{}
}

func (d *blockingStartDevice) StartRX(cb device.Callback) error {
	close(d.entered)
	<-d.release
	return d.Device.StartRX(cb)
}

func TestPullDuringStartKeepsStream(t *testing.T) {
	drv := sim.NewDriver(1, sim.WithManual())
	simDev, err := drv.Open(0)
	require.NoError(t, err)
	dev := &blockingStartDevice{
		Device:  simDev.(*sim.Device),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, err := New(dev, WithLogger(zerolog.Nop()), WithCapacity(10))
	require.NoError(t, err)
	defer s.Close()

	started := make(chan bool, 1)
	go func() {
		started <- s.Start()
	}()
	<-dev.entered

	_, err = s.Pull(1)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.False(t, s.Streaming())

	close(dev.release)
	require.True(t, <-started)
	assert.True(t, s.Streaming())
	assert.False(t, s.Buffer().Closed())

	require.True(t, dev.Deliver(ramp(0, 4)))
	got, err := s.Pull(4)
	require.NoError(t, err)
	assert.Equal(t, ramp(0, 4), got)
}

func TestPullNegativeBlock(t *testing.T) {
	s, _ := newTestSession(t)
	require.True(t, s.Start())

	_, err := s.Pull(-1)
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestStreamSegments(t *testing.T) {
	drv := sim.NewDriver(1, sim.WithBatchSize(1024))
	s, err := Open(drv, 0, WithLogger(zerolog.Nop()), WithCapacity(1<<16))
	require.NoError(t, err)
	defer s.Close()

	_, err = NewStream(s, 1<<17)
	assert.ErrorIs(t, err, ErrBlockTooLarge)

	st, err := NewStream(s, 512)
	require.NoError(t, err)

	require.True(t, s.Start())
	for i := 0; i < 3; i++ {
		seg, err := st.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, seg.SegmentNumber)
		assert.Len(t, seg.Data, 512)
	}

	require.True(t, s.Stop())
	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamEnded)
}

type tuningAppender struct {
	centerFreq, sampleRate float64
	appended               int
}

func (a *tuningAppender) SetTuning(centerFreq, sampleRate float64) {
	a.centerFreq, a.sampleRate = centerFreq, sampleRate
}

func (a *tuningAppender) AppendComplex(samples []complex64) {
	a.appended += len(samples)
}

func TestStreamSpectrumFollowsTuning(t *testing.T) {
	s, dev := newTestSession(t)
	spec := &tuningAppender{}
	st, err := NewStream(s, 4, WithSpectrum(spec))
	require.NoError(t, err)

	require.True(t, s.Start())
	require.True(t, dev.Deliver(ramp(0, 4)))
	_, err = st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.CenterFrequency(), spec.centerFreq)
	assert.Equal(t, s.SampleRate(), spec.sampleRate)

	freq, err := s.SetCenterFrequency(100e6)
	require.NoError(t, err)
	rate, err := s.SetSampleRate(10e6)
	require.NoError(t, err)

	require.True(t, dev.Deliver(ramp(4, 4)))
	_, err = st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, freq, spec.centerFreq)
	assert.Equal(t, rate, spec.sampleRate)
	assert.Equal(t, 8, spec.appended)
}

func TestPullBlockTooLarge(t *testing.T) {
	s, _ := newTestSession(t)
	require.True(t, s.Start())

	_, err := s.Pull(11)
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestListDevices(t *testing.T) {
	infos, err := ListDevices(sim.NewDriver(2), sim.NewDriver(0))
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "sim=1", infos[1].ID())
	assert.Equal(t, "sim=0,label='AirSpy Simulated'", infos[0].String())
}
