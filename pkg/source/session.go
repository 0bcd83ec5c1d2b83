// Package source turns an SDR front end that pushes raw transfers from its
// own thread into a pull-based stream of complex sample blocks.
package source

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/metrics"
	"github.com/norasector/iqsource/pkg/source/device"
	"github.com/norasector/iqsource/pkg/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateClosed State = iota
	StateOpened
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Startup defaults applied at open.
const (
	defaultLNAGain   = 8
	defaultMixerGain = 5
	defaultIFGain    = 5
)

type rate struct {
	value float64
	index int
}

// Session owns one opened device and the sample buffer it feeds.
type Session struct {
	id       string
	dev      device.Device
	info     device.Info
	format   iq.Format
	logger   zerolog.Logger
	overruns zerolog.Logger
	metrics  *metrics.Metrics
	writeAPI api.WriteAPI
	tap      io.Writer
	capacity int
	buf      *SampleBuffer

	initBias    *bool
	initPacking *bool

	// mu serializes every device command.
	mu         sync.Mutex
	state      atomic.Int32
	started    bool
	watchStop  chan struct{}
	watchWG    sync.WaitGroup
	rates      []rate
	freqRange  util.Range
	sampleRate float64
	centerFreq float64
	freqCorr   float64
	gain       GainState
	biasTee    bool
	packing    bool

	// gate is read-held by every callback; Stop takes it for writing to
	// wait out one in flight.
	gate    sync.RWMutex
	armed   bool
	scratch []complex64
}

// Open claims the device at index from drv and applies the startup
// defaults.
func Open(drv device.Driver, index int, opts ...Option) (*Session, error) {
	dev, err := drv.Open(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%d: %w", ErrDeviceUnavailable, drv.Name(), index, err)
	}
	return New(dev, opts...)
}

// New wraps an already opened device. The session takes ownership of dev
// and closes it if setup fails.
func New(dev device.Device, opts ...Option) (*Session, error) {
	s := &Session{
		id:       uuid.NewString(),
		dev:      dev,
		info:     dev.Info(),
		format:   dev.Format(),
		logger:   log.Logger,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		capacity: DefaultCapacity,
		scratch:  make([]complex64, defaultTransferSamples),
		gain: GainState{
			LNA:    defaultLNAGain,
			Mixer:  defaultMixerGain,
			IF:     defaultIFGain,
			Policy: GainPolicyLinearity,
		},
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			dev.Close()
			return nil, err
		}
	}

	s.logger = s.logger.With().
		Str("session", s.id).
		Str("device", s.info.ID()).
		Logger()
	s.overruns = s.logger.Sample(&zerolog.BurstSampler{
		Burst:  1,
		Period: time.Second,
	})
	if t, ok := dev.(device.Transferer); ok && t.MaxTransferSamples() > len(s.scratch) {
		s.scratch = make([]complex64, t.MaxTransferSamples())
	}
	s.buf = NewSampleBuffer(s.capacity)
	s.buf.Close()
	if s.metrics != nil {
		s.metrics.SetCapacity(s.info.ID(), s.capacity)
	}

	for i, r := range dev.SampleRates() {
		s.rates = append(s.rates, rate{value: r, index: i})
	}
	if len(s.rates) == 0 {
		dev.Close()
		return nil, fmt.Errorf("%s reports no sample rates", s.info.ID())
	}
	sort.SliceStable(s.rates, func(i, j int) bool {
		return s.rates[i].value < s.rates[j].value
	})
	low, high := dev.FrequencyRange()
	s.freqRange = util.Range{Start: low, Stop: high}

	rateNames := make([]string, 0, len(s.rates))
	for _, r := range s.rates {
		rateNames = append(rateNames, fmt.Sprintf("%gM", r.value/1e6))
	}
	s.logger.Info().
		Str("label", s.info.Label).
		Str("serial", s.info.Serial).
		Str("sample_rates", strings.Join(rateNames, " ")).
		Msg("Using device")

	s.state.Store(int32(StateOpened))
	if err := s.applyDefaults(); err != nil {
		s.state.Store(int32(StateClosed))
		dev.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) applyDefaults() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.setCenterFrequency(s.freqRange.Center()); err != nil {
		return err
	}
	if _, err := s.setSampleRate(s.rates[0].value); err != nil {
		return err
	}
	if _, err := s.setLNAGain(s.gain.LNA); err != nil {
		return err
	}
	if _, err := s.setMixerGain(s.gain.Mixer); err != nil {
		return err
	}
	if _, err := s.setIFGain(s.gain.IF); err != nil {
		return err
	}
	if s.initBias != nil {
		if err := s.setBiasTee(*s.initBias); err != nil {
			return err
		}
	}
	if s.initPacking != nil {
		if err := s.setPacking(*s.initPacking); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Info() device.Info {
	return s.info
}

// Buffer exposes the session's sample buffer for inspection.
func (s *Session) Buffer() *SampleBuffer {
	return s.buf
}

func (s *Session) Stats() BufferStats {
	return s.buf.Stats()
}

// State re-synchronizes with the device and returns the current state.
func (s *Session) State() State {
	return s.syncState()
}

func (s *Session) Streaming() bool {
	return s.syncState() == StateStreaming
}

func (s *Session) syncState() State {
	st := State(s.state.Load())
	if st == StateStreaming && !s.dev.IsStreaming() {
		s.deviceEnded()
		return StateOpened
	}
	return st
}

// deviceEnded handles a stream the device finished on its own. It takes no
// locks so it can run while Stop waits on the watcher.
func (s *Session) deviceEnded() {
	if s.state.CompareAndSwap(int32(StateStreaming), int32(StateOpened)) {
		s.buf.Close()
		if s.metrics != nil {
			s.metrics.SetStreaming(s.info.ID(), false)
		}
		s.logger.Info().Msg("Device ended the stream")
	}
}

func (s *Session) watch() {
	ender, ok := s.dev.(device.Ender)
	if !ok {
		return
	}
	done := ender.Done()
	stop := make(chan struct{})
	s.watchStop = stop

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		select {
		case <-done:
			s.deviceEnded()
		case <-stop:
		}
	}()
}

func (s *Session) unwatch() {
	if s.watchStop != nil {
		close(s.watchStop)
		s.watchStop = nil
	}
	s.watchWG.Wait()
}

func (s *Session) setArmed(on bool) {
	s.gate.Lock()
	s.armed = on
	s.gate.Unlock()
}

// Start begins streaming. It returns true if the session is streaming on
// return.
func (s *Session) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.syncState() {
	case StateClosed:
		return false
	case StateStreaming:
		return true
	}

	if s.started {
		// The device ended on its own; release it before restarting.
		if err := s.stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to reset ended stream")
		}
	}

	// State flips only after StartRX returns; until then the device is not
	// streaming yet and syncState would take it for an ended stream.
	s.buf.Reopen()
	s.setArmed(true)
	if err := s.dev.StartRX(s.onTransfer); err != nil {
		s.setArmed(false)
		s.buf.Close()
		s.logger.Error().Err(s.reject("start_rx", err)).Msg("Failed to start RX streaming")
		return false
	}
	s.started = true
	s.state.Store(int32(StateStreaming))
	s.watch()

	if s.metrics != nil {
		s.metrics.SetStreaming(s.info.ID(), true)
	}
	s.logger.Info().
		Str("center_freq", util.MHzToString(s.centerFreq)).
		Str("sample_rate", util.MHzToString(s.sampleRate)).
		Msg("Started streaming")
	return true
}

// Stop ends streaming. No callback runs once Stop returns, and a pull
// blocked on the buffer returns ErrStreamEnded.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == StateClosed {
		return false
	}
	if err := s.stop(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stop RX streaming")
		return false
	}
	return true
}

func (s *Session) stop() error {
	if !s.started {
		s.buf.Close()
		return nil
	}

	s.unwatch()
	s.state.Store(int32(StateOpened))

	var err error
	if stopErr := s.dev.StopRX(); stopErr != nil {
		err = s.reject("stop_rx", stopErr)
	}
	s.setArmed(false)
	s.buf.Close()
	s.started = false

	if s.metrics != nil {
		s.metrics.SetStreaming(s.info.ID(), false)
	}
	s.logger.Info().Msg("Stopped streaming")
	return err
}

// Close stops streaming if needed and releases the device. Further calls
// are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == StateClosed {
		return nil
	}

	var errs []error
	if err := s.stop(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stop RX streaming")
		errs = append(errs, err)
	}
	if err := s.dev.Close(); err != nil {
		err = s.reject("close", err)
		s.logger.Error().Err(err).Msg("Failed to close device")
		errs = append(errs, err)
	}
	s.state.Store(int32(StateClosed))

	return errors.Join(errs...)
}

// onTransfer runs on the device's thread for every raw transfer. Samples
// beyond the scratch size are dropped as an overrun.
func (s *Session) onTransfer(raw []byte) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if !s.armed {
		return
	}

	if s.tap != nil {
		if n, _ := s.tap.Write(raw); n < len(raw) && s.metrics != nil {
			s.metrics.RecordRecorderDrop(s.info.ID(), len(raw)-n)
		}
	}

	offered := s.format.Samples(raw)
	batch := s.scratch[:s.format.Decode(s.scratch, raw)]

	accepted := s.buf.push(batch, offered)
	if s.metrics != nil {
		s.metrics.RecordPush(s.info.ID(), accepted, offered)
	}
	if accepted < offered {
		s.overruns.Warn().
			Int("accepted", accepted).
			Int("dropped", offered-accepted).
			Msg("Sample buffer overrun")
	}
}

func (s *Session) reject(command string, err error) error {
	if s.metrics != nil {
		s.metrics.RecordRejection(s.info.ID(), command)
	}
	return rejected(command, err)
}

// ListDevices enumerates every device the drivers can see without opening
// any of them.
func ListDevices(drivers ...device.Driver) ([]device.Info, error) {
	var infos []device.Info
	for _, drv := range drivers {
		found, err := drv.List()
		if err != nil {
			return infos, fmt.Errorf("listing %s devices: %w", drv.Name(), err)
		}
		infos = append(infos, found...)
	}
	return infos, nil
}
